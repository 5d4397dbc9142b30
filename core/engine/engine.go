package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
	"github.com/substratedb/substrate/core/scope"
	"github.com/substratedb/substrate/router"
)

// Options configures an Engine.
type Options struct {
	// Scopes are applied in order when a query is hydrated. Defaults to
	// soft-delete followed by tenant isolation.
	Scopes []scope.Scope
	Logger *zap.Logger
}

// DefaultOptions returns the scope registration used when no Options are
// supplied.
func DefaultOptions() *Options {
	return &Options{
		Scopes: []scope.Scope{scope.NewSoftDeleteScope(), scope.NewTenantScope()},
	}
}

// Engine ties an Interactor to a scope registration and hands out
// collections.
type Engine struct {
	interactor Interactor
	scopes     []scope.Scope
	logger     *zap.Logger
}

// New creates an Engine over a backend interactor.
func New(interactor Interactor, opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scopes := opts.Scopes
	if scopes == nil {
		scopes = DefaultOptions().Scopes
	}
	return &Engine{interactor: interactor, scopes: scopes, logger: logger}
}

// Collection binds a model to the engine. The model is validated once here;
// its layout is immutable afterwards.
func (e *Engine) Collection(m *model.Model) (*Collection, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	bus, err := newMutationBus()
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	return &Collection{
		engine:        e,
		model:         m,
		bus:           bus,
		subscriptions: map[string]func(){},
	}, nil
}

// WithTransaction runs fn with an engine whose round trips all execute in
// one transaction on a single connection from the write handle. fn
// returning an error rolls everything back.
func (e *Engine) WithTransaction(ctx context.Context, h router.Handle, fn func(tx *Engine) error) error {
	if err := checkWrite(h, "transaction"); err != nil {
		return err
	}
	return e.interactor.WithTransaction(ctx, h, func(tx Interactor) error {
		scoped := &Engine{interactor: tx, scopes: e.scopes, logger: e.logger}
		return fn(scoped)
	})
}

func checkRead(h router.Handle) error {
	if !h.Bound() {
		return router.ErrNoHandle
	}
	return nil
}

func checkWrite(h router.Handle, op string) error {
	if !h.Bound() {
		return router.ErrNoHandle
	}
	if !h.Writable() {
		return &router.ReadOnlyHandleError{Operation: op}
	}
	return nil
}

// Collection binds one model to the engine and emits mutation lifecycle
// events for it.
type Collection struct {
	engine        *Engine
	model         *model.Model
	bus           *mutationBus
	subscriptions map[string]func()
	subMu         sync.RWMutex
}

// Query starts an empty chain over the collection's model.
func (c *Collection) Query() *QuerySet {
	return &QuerySet{coll: c, spec: query.New()}
}

// Model returns the collection's model.
func (c *Collection) Model() *model.Model { return c.model }

// Create persists one record and returns it with generated keys populated.
// When the model carries a tenant scope and the record does not name the
// tenant column, the column is filled from the resolved tenant; a mandatory
// scope with no resolvable tenant fails before the round trip.
func (c *Collection) Create(ctx context.Context, h router.Handle, record model.Record) (model.Record, error) {
	rows, err := c.createAll(ctx, h, []model.Record{record}, "create")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: insert returned no row", c.model.Table)
	}
	return rows[0], nil
}

// BulkCreate persists a batch of records in one statement; the backend's
// transaction semantics make the batch all-or-nothing.
func (c *Collection) BulkCreate(ctx context.Context, h router.Handle, records []model.Record) ([]model.Record, error) {
	if len(records) == 0 {
		return []model.Record{}, nil
	}
	return c.createAll(ctx, h, records, "bulk-create")
}

func (c *Collection) createAll(ctx context.Context, h router.Handle, records []model.Record, op string) ([]model.Record, error) {
	if err := checkWrite(h, op); err != nil {
		return nil, err
	}
	prepared, err := c.applyTenant(ctx, records)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	c.emit(eventCreateStart, op, prepared, nil, nil, started)
	rows, err := c.engine.interactor.Insert(ctx, h, c.model, prepared)
	if err != nil {
		c.emit(eventCreateFailed, op, prepared, nil, err, started)
		return nil, err
	}
	c.emit(eventCreateSuccess, op, prepared, rows, nil, started)
	return rows, nil
}

// applyTenant fills the tenant column on records that omit it. The records
// are copied; caller-owned maps are never mutated.
func (c *Collection) applyTenant(ctx context.Context, records []model.Record) ([]model.Record, error) {
	if c.model.Tenant == nil {
		return records, nil
	}
	tenant, err := scope.Resolve(ctx, c.model, query.New())
	if err != nil {
		return nil, err
	}

	prepared := make([]model.Record, len(records))
	for i, record := range records {
		dup := make(model.Record, len(record)+1)
		for k, v := range record {
			dup[k] = v
		}
		if _, set := dup[c.model.Tenant.Column]; !set && tenant != nil {
			dup[c.model.Tenant.Column] = tenant
		}
		if c.model.Tenant.Mandatory {
			if v, set := dup[c.model.Tenant.Column]; !set || v == nil {
				return nil, &scope.TenantNotResolvedError{Table: c.model.Table}
			}
		}
		prepared[i] = dup
	}
	return prepared, nil
}

// QuerySet pairs an immutable Spec with its collection. Chain methods return
// a new QuerySet; terminal methods create the bound execution context for
// exactly one call and discard it.
type QuerySet struct {
	coll *Collection
	spec *query.Spec
}

func (qs *QuerySet) with(sp *query.Spec) *QuerySet {
	return &QuerySet{coll: qs.coll, spec: sp}
}

// Filter appends an AND-combined predicate group.
func (qs *QuerySet) Filter(args query.Args) *QuerySet { return qs.with(qs.spec.Filter(args)) }

// Exclude appends a negated predicate group.
func (qs *QuerySet) Exclude(args query.Args) *QuerySet { return qs.with(qs.spec.Exclude(args)) }

// OrderBy replaces the ordering; the newest call wins.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet { return qs.with(qs.spec.OrderBy(fields...)) }

// Limit caps the number of returned rows.
func (qs *QuerySet) Limit(n int) *QuerySet { return qs.with(qs.spec.Limit(n)) }

// Offset skips the first n rows.
func (qs *QuerySet) Offset(n int) *QuerySet { return qs.with(qs.spec.Offset(n)) }

// SelectRelated folds the named to-one relationships into the primary round
// trip via a join.
func (qs *QuerySet) SelectRelated(names ...string) *QuerySet {
	return qs.with(qs.spec.SelectRelated(names...))
}

// PrefetchRelated loads the named relationships through one batched
// secondary round trip each.
func (qs *QuerySet) PrefetchRelated(names ...string) *QuerySet {
	return qs.with(qs.spec.PrefetchRelated(names...))
}

// IncludeDeleted suppresses the soft-delete scope for this chain.
func (qs *QuerySet) IncludeDeleted() *QuerySet {
	return qs.with(qs.spec.WithScopeMode(scope.SoftDeleteName, scope.ModeIncludeDeleted))
}

// OnlyDeleted inverts the soft-delete scope: only rows with the marker set.
func (qs *QuerySet) OnlyDeleted() *QuerySet {
	return qs.with(qs.spec.WithScopeMode(scope.SoftDeleteName, scope.ModeOnlyDeleted))
}

// Active re-asserts the soft-delete default explicitly.
func (qs *QuerySet) Active() *QuerySet {
	return qs.with(qs.spec.WithScopeMode(scope.SoftDeleteName, scope.ModeActive))
}

// ForTenant pins this chain to an explicit tenant, overriding the ambient
// context value.
func (qs *QuerySet) ForTenant(tenant any) *QuerySet {
	return qs.with(qs.spec.WithScopeArg(scope.TenantName, tenant))
}

// AllTenants is the administrative escape hatch dropping tenant isolation
// for this chain.
func (qs *QuerySet) AllTenants() *QuerySet {
	return qs.with(qs.spec.WithScopeMode(scope.TenantName, scope.ModeAllTenants))
}

// Spec exposes the underlying immutable specification.
func (qs *QuerySet) Spec() *query.Spec { return qs.spec }

// hydrate folds the active scopes' implicit predicates in front of the
// caller's groups. Mandatory scope predicates are always present unless the
// chain recorded an explicit suppression.
func (qs *QuerySet) hydrate(ctx context.Context) ([]query.PredicateGroup, error) {
	if err := qs.spec.Err(); err != nil {
		return nil, err
	}
	scoped, err := scope.Compose(ctx, qs.coll.model, qs.spec, qs.coll.engine.scopes)
	if err != nil {
		return nil, err
	}
	return append(scoped, qs.spec.Groups()...), nil
}

// selectPlan hydrates the spec into the backend plan, including join-folded
// relationships.
func (qs *QuerySet) selectPlan(ctx context.Context, fields []string) (*SelectPlan, error) {
	groups, err := qs.hydrate(ctx)
	if err != nil {
		return nil, err
	}
	joins, err := qs.coll.planJoins(qs.spec)
	if err != nil {
		return nil, err
	}
	return &SelectPlan{
		Groups: groups,
		Sort:   qs.spec.SortKeys(),
		Limit:  qs.spec.LimitValue(),
		Offset: qs.spec.OffsetValue(),
		Fields: fields,
		Joins:  joins,
	}, nil
}

// All returns every matching entity. Without an explicit OrderBy the row
// order is undefined.
func (qs *QuerySet) All(ctx context.Context, h router.Handle) ([]model.Record, error) {
	if err := checkRead(h); err != nil {
		return nil, err
	}
	plan, err := qs.selectPlan(ctx, nil)
	if err != nil {
		return nil, err
	}
	rows, err := qs.coll.engine.interactor.Select(ctx, h, qs.coll.model, plan)
	if err != nil {
		return nil, err
	}
	rows = foldJoins(rows, plan.Joins)
	if err := qs.coll.fetchBatches(ctx, h, qs.spec, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// First returns the first matching entity under the current order, or nil
// when nothing matches.
func (qs *QuerySet) First(ctx context.Context, h router.Handle) (model.Record, error) {
	rows, err := qs.Limit(1).All(ctx, h)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Last returns the final matching entity under the current order. It fails
// on an unordered chain; the result would be undefined.
func (qs *QuerySet) Last(ctx context.Context, h router.Handle) (model.Record, error) {
	keys := qs.spec.SortKeys()
	if len(keys) == 0 {
		return nil, ErrUnorderedLast
	}
	inverted := make([]string, len(keys))
	for i, key := range keys {
		if key.Direction == query.SortDesc {
			inverted[i] = key.Field
		} else {
			inverted[i] = "-" + key.Field
		}
	}
	return qs.OrderBy(inverted...).First(ctx, h)
}

// Get returns exactly one matching entity. Zero matches fail with
// *DoesNotExistError, more than one with *MultipleObjectsReturnedError.
func (qs *QuerySet) Get(ctx context.Context, h router.Handle) (model.Record, error) {
	rows, err := qs.Limit(2).All(ctx, h)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, &DoesNotExistError{Table: qs.coll.model.Table}
	case 1:
		return rows[0], nil
	default:
		return nil, &MultipleObjectsReturnedError{Table: qs.coll.model.Table}
	}
}

// GetOrNil is Get that returns nil instead of failing on zero matches. More
// than one match still fails.
func (qs *QuerySet) GetOrNil(ctx context.Context, h router.Handle) (model.Record, error) {
	rows, err := qs.Limit(2).All(ctx, h)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, &MultipleObjectsReturnedError{Table: qs.coll.model.Table}
	}
}

// Count returns the number of matching rows.
func (qs *QuerySet) Count(ctx context.Context, h router.Handle) (int64, error) {
	if err := checkRead(h); err != nil {
		return 0, err
	}
	plan, err := qs.selectPlan(ctx, nil)
	if err != nil {
		return 0, err
	}
	return qs.coll.engine.interactor.Count(ctx, h, qs.coll.model, plan)
}

// Exists reports whether any row matches.
func (qs *QuerySet) Exists(ctx context.Context, h router.Handle) (bool, error) {
	if err := checkRead(h); err != nil {
		return false, err
	}
	plan, err := qs.selectPlan(ctx, nil)
	if err != nil {
		return false, err
	}
	return qs.coll.engine.interactor.Exists(ctx, h, qs.coll.model, plan)
}

// Values returns matching rows projected to the named fields, as mappings.
func (qs *QuerySet) Values(ctx context.Context, h router.Handle, fields ...string) ([]model.Record, error) {
	if err := checkRead(h); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: values requires at least one field", qs.coll.model.Table)
	}
	for _, f := range fields {
		if _, ok := qs.coll.model.Field(f); !ok {
			return nil, fmt.Errorf("%s: unknown field '%s' in values projection", qs.coll.model.Table, f)
		}
	}
	plan, err := qs.selectPlan(ctx, fields)
	if err != nil {
		return nil, err
	}
	return qs.coll.engine.interactor.Select(ctx, h, qs.coll.model, plan)
}

// ValuesList returns matching rows projected to the named fields, as tuples
// in field order.
func (qs *QuerySet) ValuesList(ctx context.Context, h router.Handle, fields ...string) ([][]any, error) {
	rows, err := qs.Values(ctx, h, fields...)
	if err != nil {
		return nil, err
	}
	tuples := make([][]any, len(rows))
	for i, row := range rows {
		tuple := make([]any, len(fields))
		for j, f := range fields {
			tuple[j] = row[f]
		}
		tuples[i] = tuple
	}
	return tuples, nil
}

// Aggregate evaluates the named aggregate expressions over the matching
// rows and returns one mapping of alias to scalar.
func (qs *QuerySet) Aggregate(ctx context.Context, h router.Handle, aggs ...Aggregate) (map[string]any, error) {
	if err := checkRead(h); err != nil {
		return nil, err
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("%s: aggregate requires at least one expression", qs.coll.model.Table)
	}
	for _, agg := range aggs {
		if agg.Alias == "" {
			return nil, fmt.Errorf("%s: aggregate expressions require an alias", qs.coll.model.Table)
		}
	}
	plan, err := qs.selectPlan(ctx, nil)
	if err != nil {
		return nil, err
	}
	return qs.coll.engine.interactor.Aggregate(ctx, h, qs.coll.model, plan, aggs)
}

// Update applies the field changes to every matching row and returns the
// affected count. Active scopes constrain which rows are touched, exactly
// as they constrain reads.
func (qs *QuerySet) Update(ctx context.Context, h router.Handle, changes model.Record) (int64, error) {
	if err := checkWrite(h, "update"); err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, fmt.Errorf("%s: update requires at least one field change", qs.coll.model.Table)
	}
	groups, err := qs.hydrate(ctx)
	if err != nil {
		return 0, err
	}

	c := qs.coll
	started := time.Now()
	c.emit(eventUpdateStart, "update", changes, nil, nil, started)
	affected, err := c.engine.interactor.Update(ctx, h, c.model, changes, groups)
	if err != nil {
		c.emit(eventUpdateFailed, "update", changes, nil, err, started)
		return 0, err
	}
	c.emit(eventUpdateSuccess, "update", changes, affected, nil, started)
	return affected, nil
}

// Delete removes every matching row and returns the affected count.
func (qs *QuerySet) Delete(ctx context.Context, h router.Handle) (int64, error) {
	if err := checkWrite(h, "delete"); err != nil {
		return 0, err
	}
	groups, err := qs.hydrate(ctx)
	if err != nil {
		return 0, err
	}

	c := qs.coll
	started := time.Now()
	c.emit(eventDeleteStart, "delete", nil, nil, nil, started)
	affected, err := c.engine.interactor.Delete(ctx, h, c.model, groups)
	if err != nil {
		c.emit(eventDeleteFailed, "delete", nil, nil, err, started)
		return 0, err
	}
	c.emit(eventDeleteSuccess, "delete", nil, affected, nil, started)
	return affected, nil
}

// SoftDelete sets the deletion marker on every matching row instead of
// removing it. Requires a model with a soft-delete scope.
func (qs *QuerySet) SoftDelete(ctx context.Context, h router.Handle) (int64, error) {
	if qs.coll.model.SoftDelete == nil {
		return 0, fmt.Errorf("%s: model has no soft-delete scope", qs.coll.model.Table)
	}
	return qs.Update(ctx, h, model.Record{
		qs.coll.model.SoftDelete.Column: time.Now().UTC(),
	})
}

// Restore clears the deletion marker on matching soft-deleted rows. The
// chain should normally carry OnlyDeleted or IncludeDeleted, since the
// default scope hides the rows being restored.
func (qs *QuerySet) Restore(ctx context.Context, h router.Handle) (int64, error) {
	if qs.coll.model.SoftDelete == nil {
		return 0, fmt.Errorf("%s: model has no soft-delete scope", qs.coll.model.Table)
	}
	return qs.Update(ctx, h, model.Record{qs.coll.model.SoftDelete.Column: nil})
}
