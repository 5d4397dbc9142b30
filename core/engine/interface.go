// Package engine executes composed query specifications against a bound
// connection handle. It hydrates the effective predicate set through the
// scope composer, plans relationship loading, and performs exactly one
// logical round trip per terminal operation (plus one per batch-fetched
// relationship).
package engine

import (
	"context"

	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
	"github.com/substratedb/substrate/router"
)

// Join describes one relationship folded into the primary round trip. The
// backend selects the related columns aliased "<Name>__<column>"; the engine
// folds them back into a nested record.
type Join struct {
	Name         string
	Model        *model.Model
	LocalField   string
	ForeignField string
}

// SelectPlan is the hydrated form of a Spec handed to the backend: the
// caller's predicate groups plus every active scope's contributions, the
// ordering, pagination, projection and join-folded relationships.
type SelectPlan struct {
	Groups []query.PredicateGroup
	Sort   []query.SortKey
	Limit  *int
	Offset *int
	// Fields restricts the selected columns; empty means all.
	Fields []string
	Joins  []Join
}

// AggregateType enumerates the supported aggregate functions.
type AggregateType string

// Supported aggregate functions.
const (
	AggregateCount AggregateType = "count"
	AggregateSum   AggregateType = "sum"
	AggregateAvg   AggregateType = "avg"
	AggregateMin   AggregateType = "min"
	AggregateMax   AggregateType = "max"
)

// Aggregate is one named aggregate expression.
type Aggregate struct {
	Type  AggregateType
	Field string
	Alias string
}

// Count builds a count aggregate over a field.
func Count(field, alias string) Aggregate { return Aggregate{AggregateCount, field, alias} }

// Sum builds a sum aggregate over a field.
func Sum(field, alias string) Aggregate { return Aggregate{AggregateSum, field, alias} }

// Avg builds an average aggregate over a field.
func Avg(field, alias string) Aggregate { return Aggregate{AggregateAvg, field, alias} }

// Min builds a minimum aggregate over a field.
func Min(field, alias string) Aggregate { return Aggregate{AggregateMin, field, alias} }

// Max builds a maximum aggregate over a field.
func Max(field, alias string) Aggregate { return Aggregate{AggregateMax, field, alias} }

// Interactor is the backend seam: one implementation per dialect performs
// the physical round trips. Every method receives the handle the caller
// bound; acquiring and releasing the pooled connection is the
// implementation's responsibility.
type Interactor interface {
	Select(ctx context.Context, h router.Handle, m *model.Model, plan *SelectPlan) ([]model.Record, error)
	Count(ctx context.Context, h router.Handle, m *model.Model, plan *SelectPlan) (int64, error)
	Exists(ctx context.Context, h router.Handle, m *model.Model, plan *SelectPlan) (bool, error)
	Aggregate(ctx context.Context, h router.Handle, m *model.Model, plan *SelectPlan, aggs []Aggregate) (map[string]any, error)
	Insert(ctx context.Context, h router.Handle, m *model.Model, records []model.Record) ([]model.Record, error)
	Update(ctx context.Context, h router.Handle, m *model.Model, changes model.Record, groups []query.PredicateGroup) (int64, error)
	Delete(ctx context.Context, h router.Handle, m *model.Model, groups []query.PredicateGroup) (int64, error)

	// WithTransaction runs fn against a transaction-scoped Interactor on a
	// single connection from the handle. fn returning an error rolls the
	// transaction back; otherwise it commits.
	WithTransaction(ctx context.Context, h router.Handle, fn func(tx Interactor) error) error
}
