// Package router resolves the physical connection a terminal operation
// executes against. It exposes exactly two logical handles, write and read,
// which may be backed by one pool (no replica configured) or by two distinct
// pools. The router never auto-selects a handle on the caller's behalf:
// callers pick one explicitly per call, so replication lag is never masked
// behind implicit magic. Read-after-write visibility is only guaranteed when
// the read goes through the write handle.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Role labels the two logical handles.
type Role string

// Supported roles.
const (
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

// ErrNoHandle reports a terminal operation invoked with an unbound (zero)
// handle. There is no silent fallback to a default connection.
var ErrNoHandle = errors.New("router: no connection handle bound")

// ReadOnlyHandleError reports a mutation bound to the read handle. This is a
// programming error at the call site and is never redirected to the write
// handle.
type ReadOnlyHandleError struct {
	Operation string
}

func (e *ReadOnlyHandleError) Error() string {
	return fmt.Sprintf("router: mutation '%s' bound to the read handle", e.Operation)
}

// PoolTimeoutError reports that the pool and its overflow allowance stayed
// exhausted past the acquire timeout. The condition is transient; callers
// may retry with backoff.
type PoolTimeoutError struct {
	Role    Role
	Timeout time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("router: timed out after %s acquiring a %s connection", e.Timeout, e.Role)
}

// ConnectionError wraps a failure to reach the backend over a handle.
// Transient and safe to retry with backoff.
type ConnectionError struct {
	Role Role
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("router: %s connection failed: %v", e.Role, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config bounds the pools behind both handles.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// AcquireTimeout caps how long a terminal operation blocks waiting for
	// a pooled connection before failing with *PoolTimeoutError.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the pool bounds used when no Config is supplied.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		AcquireTimeout:  5 * time.Second,
	}
}

// Handle is one logical connection endpoint. The zero value is unbound and
// fails fast on use.
type Handle struct {
	role    Role
	db      *sql.DB
	timeout time.Duration
}

// Role returns the handle's role, or "" for an unbound handle.
func (h Handle) Role() Role { return h.role }

// Bound reports whether the handle is backed by a pool.
func (h Handle) Bound() bool { return h.db != nil }

// Writable reports whether mutations may execute on this handle.
func (h Handle) Writable() bool { return h.role == RoleWrite }

// DB exposes the underlying pool, for collaborators that manage their own
// transactions.
func (h Handle) DB() *sql.DB { return h.db }

// Acquire checks a connection out of the pool, blocking up to the configured
// acquire timeout when the pool is exhausted. The caller owns the returned
// connection and must Close it to return it to the pool; cancelling the
// surrounding context while suspended releases it rather than leaking it.
func (h Handle) Acquire(ctx context.Context) (*sql.Conn, error) {
	if !h.Bound() {
		return nil, ErrNoHandle
	}
	acquireCtx := ctx
	var cancel context.CancelFunc
	if h.timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	conn, err := h.db.Conn(acquireCtx)
	if err != nil {
		// Distinguish pool exhaustion from caller cancellation: only a
		// deadline we set ourselves maps to a pool timeout.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &PoolTimeoutError{Role: h.role, Timeout: h.timeout}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ConnectionError{Role: h.role, Err: err}
	}
	return conn, nil
}

// Router holds the write and read handles.
type Router struct {
	write  *sql.DB
	read   *sql.DB
	config *Config
	logger *zap.Logger
}

// New creates a router over distinct write and read pools. Pool bounds from
// the config are applied to both.
func New(write, read *sql.DB, config *Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	r := &Router{write: write, read: read, config: config, logger: logger}
	r.applyBounds(write)
	if read != write {
		r.applyBounds(read)
	}
	return r
}

// NewSingle creates a router where both handles share one pool, for
// deployments without a replica.
func NewSingle(db *sql.DB, config *Config, logger *zap.Logger) *Router {
	return New(db, db, config, logger)
}

func (r *Router) applyBounds(db *sql.DB) {
	if db == nil {
		return
	}
	db.SetMaxOpenConns(r.config.MaxOpenConns)
	db.SetMaxIdleConns(r.config.MaxIdleConns)
	db.SetConnMaxLifetime(r.config.ConnMaxLifetime)
}

// Write returns the write handle. All mutations must bind to it.
func (r *Router) Write() Handle {
	return Handle{role: RoleWrite, db: r.write, timeout: r.config.AcquireTimeout}
}

// Read returns the read handle. Reads through it carry no visibility
// guarantee for rows written moments earlier; that consistency choice is
// the caller's.
func (r *Router) Read() Handle {
	return Handle{role: RoleRead, db: r.read, timeout: r.config.AcquireTimeout}
}

// Ping verifies both handles can reach their backends.
func (r *Router) Ping(ctx context.Context) error {
	if err := r.write.PingContext(ctx); err != nil {
		return &ConnectionError{Role: RoleWrite, Err: err}
	}
	if r.read != r.write {
		if err := r.read.PingContext(ctx); err != nil {
			return &ConnectionError{Role: RoleRead, Err: err}
		}
	}
	r.logger.Debug("Router handles reachable")
	return nil
}
