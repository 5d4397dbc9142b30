// Package scope implements the behavioral layers that contribute implicit
// default predicates to every query: logical (soft) deletion and tenant
// isolation. Scopes are explicit strategy objects applied in registration
// order at the moment a query is hydrated for execution; they are never
// wired through global state.
package scope

import (
	"context"

	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

// Scope is a named contributor of implicit default predicates. Contribute is
// called once per terminal operation, after the chain is complete, and may
// inspect the Spec for suppression modes recorded on that exact chain.
type Scope interface {
	Name() string
	Contribute(ctx context.Context, m *model.Model, sp *query.Spec) ([]query.PredicateGroup, error)
}

// Compose folds the contributions of every registered scope into the
// effective predicate set. Scopes are independent; their contributions are
// combined with AND alongside the caller's own filter groups.
func Compose(ctx context.Context, m *model.Model, sp *query.Spec, scopes []Scope) ([]query.PredicateGroup, error) {
	var groups []query.PredicateGroup
	for _, sc := range scopes {
		contributed, err := sc.Contribute(ctx, m, sp)
		if err != nil {
			return nil, err
		}
		groups = append(groups, contributed...)
	}
	return groups, nil
}
