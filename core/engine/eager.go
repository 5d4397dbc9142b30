package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
	"github.com/substratedb/substrate/core/scope"
	"github.com/substratedb/substrate/router"
)

// joinPrefix separates the relationship name from the related column in the
// aliased columns of a join-folded select.
const joinPrefix = "__"

// sortedDirectives returns the declared relationship names for one strategy
// in a stable order.
func sortedDirectives(sp *query.Spec, strategy query.EagerStrategy) []string {
	var names []string
	for name, s := range sp.EagerDirectives() {
		if s == strategy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// planJoins expands join-fold directives into the joins of a select plan.
// The join strategy multiplies rows for to-many relationships, so it is
// restricted to to-one; the resolver never switches strategies silently.
func (c *Collection) planJoins(sp *query.Spec) ([]Join, error) {
	names := sortedDirectives(sp, query.EagerJoin)
	if len(names) == 0 {
		return nil, nil
	}
	joins := make([]Join, 0, len(names))
	for _, name := range names {
		rel, ok := c.model.Relationship(name)
		if !ok {
			return nil, fmt.Errorf("%s: unknown relationship '%s'", c.model.Table, name)
		}
		if rel.Kind != model.RelationshipToOne {
			return nil, fmt.Errorf("%s: relationship '%s' is to-many; declare it via PrefetchRelated", c.model.Table, name)
		}
		joins = append(joins, Join{
			Name:         name,
			Model:        rel.Model,
			LocalField:   rel.LocalField,
			ForeignField: rel.ForeignField,
		})
	}
	return joins, nil
}

// foldJoins rewrites the "<rel>__<col>" aliased columns of a joined select
// into one nested record per relationship. A relationship whose columns all
// came back NULL folds to nil.
func foldJoins(rows []model.Record, joins []Join) []model.Record {
	if len(joins) == 0 {
		return rows
	}
	for _, row := range rows {
		for _, join := range joins {
			prefix := join.Name + joinPrefix
			nested := make(model.Record)
			allNull := true
			for key, val := range row {
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				nested[strings.TrimPrefix(key, prefix)] = val
				if val != nil {
					allNull = false
				}
				delete(row, key)
			}
			if allNull {
				row[join.Name] = nil
			} else {
				row[join.Name] = nested
			}
		}
	}
	return rows
}

// fetchBatches performs one secondary round trip per batch-declared
// relationship, retrieving all related rows for the whole primary result set
// and stitching them in memory. The batches run concurrently; each writes
// only its own slot.
func (c *Collection) fetchBatches(ctx context.Context, h router.Handle, sp *query.Spec, parents []model.Record) error {
	names := sortedDirectives(sp, query.EagerBatch)
	if len(names) == 0 {
		return nil
	}

	rels := make([]model.Relationship, len(names))
	for i, name := range names {
		rel, ok := c.model.Relationship(name)
		if !ok {
			return fmt.Errorf("%s: unknown relationship '%s'", c.model.Table, name)
		}
		rels[i] = rel
	}

	related := make([][]model.Record, len(rels))
	g, gctx := errgroup.WithContext(ctx)
	for i, rel := range rels {
		g.Go(func() error {
			rows, err := c.fetchBatch(gctx, h, sp, rel, parents)
			if err != nil {
				return err
			}
			related[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, rel := range rels {
		stitch(rel, parents, related[i])
	}
	return nil
}

// fetchBatch retrieves the related rows for every parent key in one round
// trip, with the related model's own scopes applied.
func (c *Collection) fetchBatch(ctx context.Context, h router.Handle, sp *query.Spec, rel model.Relationship, parents []model.Record) ([]model.Record, error) {
	keys := distinctValues(parents, rel.LocalField)
	if len(keys) == 0 {
		return nil, nil
	}

	groups, err := c.relatedGroups(ctx, sp, rel, keys)
	if err != nil {
		return nil, err
	}
	return c.engine.interactor.Select(ctx, h, rel.Model, &SelectPlan{Groups: groups})
}

// relatedGroups composes the related model's scope predicates with the
// membership predicate over the parent keys. Tenant scope arguments and
// modes recorded on the parent chain carry over: an explicit ForTenant or
// AllTenants fences the secondary round trip exactly as it fences the
// primary one.
func (c *Collection) relatedGroups(ctx context.Context, sp *query.Spec, rel model.Relationship, keys []any) ([]query.PredicateGroup, error) {
	child := query.New()
	if v, ok := sp.ScopeArg(scope.TenantName); ok {
		child = child.WithScopeArg(scope.TenantName, v)
	}
	if mode, ok := sp.ScopeMode(scope.TenantName); ok {
		child = child.WithScopeMode(scope.TenantName, mode)
	}
	qs := &QuerySet{coll: &Collection{engine: c.engine, model: rel.Model}, spec: child}
	groups, err := qs.hydrate(ctx)
	if err != nil {
		return nil, err
	}
	return append(groups, query.PredicateGroup{Predicates: []query.Predicate{{
		Field:    rel.ForeignField,
		Operator: lookup.OperatorIn,
		Value:    keys,
	}}}), nil
}

func distinctValues(rows []model.Record, field string) []any {
	seen := make(map[any]struct{}, len(rows))
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values
}

// stitch attaches related rows to their parents keyed by the foreign
// reference. To-many parents always receive a slice, empty when nothing
// matched; to-one parents receive the record or nil.
func stitch(rel model.Relationship, parents, related []model.Record) {
	byKey := make(map[any][]model.Record, len(related))
	for _, row := range related {
		k := row[rel.ForeignField]
		byKey[k] = append(byKey[k], row)
	}
	for _, parent := range parents {
		matches := byKey[parent[rel.LocalField]]
		if rel.Kind == model.RelationshipToOne {
			if len(matches) > 0 {
				parent[rel.Name] = matches[0]
			} else {
				parent[rel.Name] = nil
			}
			continue
		}
		if matches == nil {
			matches = []model.Record{}
		}
		parent[rel.Name] = matches
	}
}
