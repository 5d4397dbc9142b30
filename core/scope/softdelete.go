package scope

import (
	"context"

	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

// SoftDeleteName is the scope name under which suppression modes are
// recorded on a Spec.
const SoftDeleteName = "softdelete"

// Suppression modes for the soft-delete scope. The three are mutually
// exclusive within one chain; the last one recorded wins.
const (
	// ModeIncludeDeleted drops the implicit predicate entirely.
	ModeIncludeDeleted = "include-deleted"
	// ModeOnlyDeleted inverts the default: only rows with the marker set.
	ModeOnlyDeleted = "only-deleted"
	// ModeActive re-asserts the default explicitly. Behaviorally a no-op,
	// it documents intent at the call site.
	ModeActive = "active"
)

// SoftDeleteScope excludes rows whose deletion marker is set. It is
// suppressible: callers may ask for all rows or for deleted rows only.
type SoftDeleteScope struct{}

// NewSoftDeleteScope returns the soft-delete scope.
func NewSoftDeleteScope() *SoftDeleteScope { return &SoftDeleteScope{} }

// Name implements Scope.
func (s *SoftDeleteScope) Name() string { return SoftDeleteName }

// Contribute implements Scope. Models without a soft-delete column are left
// untouched.
func (s *SoftDeleteScope) Contribute(_ context.Context, m *model.Model, sp *query.Spec) ([]query.PredicateGroup, error) {
	if m.SoftDelete == nil {
		return nil, nil
	}

	mode, _ := sp.ScopeMode(SoftDeleteName)
	switch mode {
	case ModeIncludeDeleted:
		return nil, nil
	case ModeOnlyDeleted:
		return []query.PredicateGroup{{Predicates: []query.Predicate{{
			Field:    m.SoftDelete.Column,
			Operator: lookup.OperatorIsNull,
			Value:    false,
		}}}}, nil
	default: // ModeActive or unset
		return []query.PredicateGroup{{Predicates: []query.Predicate{{
			Field:    m.SoftDelete.Column,
			Operator: lookup.OperatorIsNull,
			Value:    true,
		}}}}, nil
	}
}
