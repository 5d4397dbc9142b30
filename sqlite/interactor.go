package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/substratedb/substrate/core/engine"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
	"github.com/substratedb/substrate/router"
)

// runner abstracts the execution surface shared by *sql.Conn and *sql.Tx so
// the same statement code serves transactional and non-transactional calls.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Interactor executes hydrated plans against SQLite. Outside a transaction
// it acquires a pooled connection from the bound handle per call and
// releases it when the call returns; inside one it reuses the transaction's
// connection.
type Interactor struct {
	tx     *sql.Tx
	logger *zap.Logger
}

// Ensure Interactor implements the engine's backend seam.
var _ engine.Interactor = (*Interactor)(nil)

// NewInteractor creates a non-transactional interactor.
func NewInteractor(logger *zap.Logger) *Interactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interactor{logger: logger}
}

// withRunner resolves the execution surface for one call. The release
// function returns the pooled connection; it is a no-op inside a
// transaction, where the transaction owns the connection.
func (i *Interactor) withRunner(ctx context.Context, h router.Handle) (runner, func(), error) {
	if i.tx != nil {
		return i.tx, func() {}, nil
	}
	conn, err := h.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { conn.Close() }, nil
}

// mapExecError classifies backend failures: constraint violations become
// typed integrity errors the caller must not retry.
func mapExecError(m *model.Model, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return &engine.IntegrityError{Table: m.Table, Err: err}
	}
	return err
}

// fieldResolver returns the field definition for a result column, looking
// through join aliases of the form "<rel>__<column>".
func fieldResolver(m *model.Model, joins []engine.Join) func(column string) (model.Field, bool) {
	return func(column string) (model.Field, bool) {
		if f, ok := m.Field(column); ok {
			return f, true
		}
		for _, join := range joins {
			prefix := join.Name + "__"
			if strings.HasPrefix(column, prefix) {
				return join.Model.Field(strings.TrimPrefix(column, prefix))
			}
		}
		return model.Field{}, false
	}
}

// readRows materializes a result set into records, converting values
// according to the declared field types.
func readRows(logger *zap.Logger, resolve func(string) (model.Field, bool), rows *sql.Rows) ([]model.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var results []model.Record
	for rows.Next() {
		record := make(model.Record, len(columns))
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for i, col := range columns {
			val := values[i]
			if val == nil {
				record[col] = nil
				continue
			}
			def, ok := resolve(col)
			if !ok {
				logger.Warn("Column not declared on model, using raw value", zap.String("column", col))
				record[col] = val
				continue
			}
			record[col] = decodeValue(def, val)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %w", err)
	}
	return results, nil
}

// decodeValue converts one scanned value to the Go shape declared by the
// field type.
func decodeValue(def model.Field, val any) any {
	switch def.Type {
	case model.FieldTypeBoolean:
		if intVal, isInt := val.(int64); isInt {
			return intVal != 0
		}
		if boolVal, isBool := val.(bool); isBool {
			return boolVal
		}
		return val
	case model.FieldTypeString:
		if byteVal, isByte := val.([]byte); isByte {
			return string(byteVal)
		}
		return val
	case model.FieldTypeInteger:
		if intVal, isInt := val.(int64); isInt {
			return intVal
		}
		if floatVal, isFloat := val.(float64); isFloat {
			return int64(floatVal)
		}
		return val
	case model.FieldTypeNumber:
		if floatVal, isFloat := val.(float64); isFloat {
			return floatVal
		}
		if intVal, isInt := val.(int64); isInt {
			return float64(intVal)
		}
		return val
	case model.FieldTypeTime:
		if t, isTime := val.(time.Time); isTime {
			return t
		}
		return val
	case model.FieldTypeJSON:
		var byteVal []byte
		if b, ok := val.([]byte); ok {
			byteVal = b
		} else if s, ok := val.(string); ok {
			byteVal = []byte(s)
		}
		if byteVal != nil {
			var decoded any
			if err := json.Unmarshal(byteVal, &decoded); err == nil {
				return decoded
			}
		}
		return val
	default:
		return val
	}
}

// Select executes a SELECT round trip for a hydrated plan.
func (i *Interactor) Select(ctx context.Context, h router.Handle, m *model.Model, plan *engine.SelectPlan) ([]model.Record, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return nil, err
	}
	sqlQuery, params, err := gen.SelectSQL(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to generate SELECT: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return nil, err
	}
	defer release()

	i.logger.Debug("Executing SQL SELECT", zap.String("sql", sqlQuery), zap.Any("params", params))
	rows, err := r.QueryContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute SELECT", zap.Error(err), zap.String("sql", sqlQuery))
		return nil, fmt.Errorf("failed to execute SELECT: %w", err)
	}
	defer rows.Close()
	return readRows(i.logger, fieldResolver(m, plan.Joins), rows)
}

// Count executes a COUNT round trip.
func (i *Interactor) Count(ctx context.Context, h router.Handle, m *model.Model, plan *engine.SelectPlan) (int64, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return 0, err
	}
	sqlQuery, params, err := gen.CountSQL(plan)
	if err != nil {
		return 0, fmt.Errorf("failed to generate COUNT: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return 0, err
	}
	defer release()

	i.logger.Debug("Executing SQL COUNT", zap.String("sql", sqlQuery), zap.Any("params", params))
	var count int64
	if err := r.QueryRowContext(ctx, sqlQuery, params...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to execute COUNT: %w", err)
	}
	return count, nil
}

// Exists executes an existence probe.
func (i *Interactor) Exists(ctx context.Context, h router.Handle, m *model.Model, plan *engine.SelectPlan) (bool, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return false, err
	}
	sqlQuery, params, err := gen.ExistsSQL(plan)
	if err != nil {
		return false, fmt.Errorf("failed to generate EXISTS: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return false, err
	}
	defer release()

	i.logger.Debug("Executing SQL EXISTS", zap.String("sql", sqlQuery), zap.Any("params", params))
	var found int64
	if err := r.QueryRowContext(ctx, sqlQuery, params...).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to execute EXISTS: %w", err)
	}
	return found != 0, nil
}

// Aggregate executes a single-row aggregation round trip.
func (i *Interactor) Aggregate(ctx context.Context, h router.Handle, m *model.Model, plan *engine.SelectPlan, aggs []engine.Aggregate) (map[string]any, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return nil, err
	}
	sqlQuery, params, err := gen.AggregateSQL(plan, aggs)
	if err != nil {
		return nil, fmt.Errorf("failed to generate aggregate query: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return nil, err
	}
	defer release()

	i.logger.Debug("Executing SQL aggregate", zap.String("sql", sqlQuery), zap.Any("params", params))
	rows, err := r.QueryContext(ctx, sqlQuery, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute aggregate query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate columns: %w", err)
	}
	result := make(map[string]any, len(columns))
	if rows.Next() {
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for idx := range values {
			scanArgs[idx] = &values[idx]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		for idx, col := range columns {
			result[col] = values[idx]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning aggregate row: %w", err)
	}
	return result, nil
}

// Insert executes an INSERT ... RETURNING round trip and materializes the
// persisted rows, generated keys included.
func (i *Interactor) Insert(ctx context.Context, h router.Handle, m *model.Model, records []model.Record) ([]model.Record, error) {
	if len(records) == 0 {
		return []model.Record{}, nil
	}
	gen, err := NewGenerator(m)
	if err != nil {
		return nil, err
	}
	sqlQuery, params, err := gen.InsertSQL(records)
	if err != nil {
		return nil, fmt.Errorf("failed to generate INSERT: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return nil, err
	}
	defer release()

	i.logger.Debug("Executing SQL INSERT with RETURNING clause", zap.String("sql", sqlQuery), zap.Any("params", params))
	rows, err := r.QueryContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute INSERT", zap.Error(err), zap.String("sql", sqlQuery))
		return nil, mapExecError(m, err)
	}
	defer rows.Close()
	// With RETURNING the driver steps the statement during iteration, so a
	// constraint violation can surface here rather than at query time.
	results, err := readRows(i.logger, fieldResolver(m, nil), rows)
	if err != nil {
		return nil, mapExecError(m, err)
	}
	return results, nil
}

// Update executes an UPDATE round trip and returns the affected row count.
func (i *Interactor) Update(ctx context.Context, h router.Handle, m *model.Model, changes model.Record, groups []query.PredicateGroup) (int64, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return 0, err
	}
	sqlQuery, params, err := gen.UpdateSQL(changes, groups)
	if err != nil {
		return 0, fmt.Errorf("failed to generate UPDATE: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return 0, err
	}
	defer release()

	i.logger.Debug("Executing SQL UPDATE", zap.String("sql", sqlQuery), zap.Any("params", params))
	result, err := r.ExecContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute UPDATE", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, mapExecError(m, err)
	}
	return result.RowsAffected()
}

// Delete executes a DELETE round trip and returns the affected row count.
func (i *Interactor) Delete(ctx context.Context, h router.Handle, m *model.Model, groups []query.PredicateGroup) (int64, error) {
	gen, err := NewGenerator(m)
	if err != nil {
		return 0, err
	}
	sqlQuery, params, err := gen.DeleteSQL(groups)
	if err != nil {
		return 0, fmt.Errorf("failed to generate DELETE: %w", err)
	}

	r, release, err := i.withRunner(ctx, h)
	if err != nil {
		return 0, err
	}
	defer release()

	i.logger.Debug("Executing SQL DELETE", zap.String("sql", sqlQuery), zap.Any("params", params))
	result, err := r.ExecContext(ctx, sqlQuery, params...)
	if err != nil {
		i.logger.Error("Failed to execute DELETE", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, mapExecError(m, err)
	}
	return result.RowsAffected()
}

// WithTransaction acquires one connection from the handle, opens a
// transaction on it and runs fn against a transaction-scoped interactor. An
// error from fn rolls everything back; otherwise the transaction commits.
func (i *Interactor) WithTransaction(ctx context.Context, h router.Handle, fn func(tx engine.Interactor) error) error {
	if i.tx != nil {
		return fmt.Errorf("cannot start a transaction from a transactional interactor")
	}
	conn, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	i.logger.Debug("Transaction initiated")

	if err := fn(&Interactor{tx: tx, logger: i.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			i.logger.Error("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}
