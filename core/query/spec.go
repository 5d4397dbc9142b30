// Package query defines the immutable query specification and its chainable
// builder methods. A Spec describes a query before execution: filter and
// exclusion predicate groups, ordering, pagination, eager-load directives and
// scope toggles. Every chain method returns a new Spec, so a partially built
// query can be shared across concurrent callers and reused as a base template
// without cross-talk.
package query

import (
	"fmt"
	"sort"

	"github.com/substratedb/substrate/core/lookup"
)

// Predicate is one atomic comparison condition. Equal tuples are
// interchangeable; a Predicate carries no state beyond its three parts.
type Predicate struct {
	Field    string
	Operator lookup.Operator
	Value    any
}

// PredicateGroup is a set of predicates combined with AND. A negated group
// renders as NOT(...) around the conjunction; one group is produced per
// Filter or Exclude call.
type PredicateGroup struct {
	Predicates []Predicate
	Negated    bool
}

// SortDirection specifies the direction of one sort key.
type SortDirection string

// Supported sort directions.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortKey is one (field, direction) ordering entry.
type SortKey struct {
	Field     string
	Direction SortDirection
}

// EagerStrategy selects how a declared relationship is loaded.
type EagerStrategy string

// Supported eager-load strategies.
const (
	// EagerJoin folds the relationship into the primary round trip via a
	// join. Intended for to-one relationships.
	EagerJoin EagerStrategy = "join"
	// EagerBatch retrieves the related rows for the whole primary result
	// set in one secondary round trip. Intended for to-many relationships.
	EagerBatch EagerStrategy = "batch"
)

// Args carries the field-expression/value pairs of one Filter or Exclude
// call, e.g. Args{"age__gte": 30, "name__icontains": "smith"}.
type Args map[string]any

// Spec is an immutable description of a query before execution. The zero
// value is usable via New.
type Spec struct {
	groups     []PredicateGroup
	sortKeys   []SortKey
	limit      *int
	offset     *int
	eager      map[string]EagerStrategy
	scopeModes map[string]string
	scopeArgs  map[string]any
	buildErr   error
}

// New returns an empty Spec.
func New() *Spec {
	return &Spec{}
}

// clone makes a structural copy. Slices and maps are copied so the original
// can never observe later additions.
func (s *Spec) clone() *Spec {
	dup := &Spec{
		limit:    s.limit,
		offset:   s.offset,
		buildErr: s.buildErr,
	}
	if len(s.groups) > 0 {
		dup.groups = make([]PredicateGroup, len(s.groups))
		copy(dup.groups, s.groups)
	}
	if len(s.sortKeys) > 0 {
		dup.sortKeys = make([]SortKey, len(s.sortKeys))
		copy(dup.sortKeys, s.sortKeys)
	}
	if len(s.eager) > 0 {
		dup.eager = make(map[string]EagerStrategy, len(s.eager))
		for k, v := range s.eager {
			dup.eager[k] = v
		}
	}
	if len(s.scopeModes) > 0 {
		dup.scopeModes = make(map[string]string, len(s.scopeModes))
		for k, v := range s.scopeModes {
			dup.scopeModes[k] = v
		}
	}
	if len(s.scopeArgs) > 0 {
		dup.scopeArgs = make(map[string]any, len(s.scopeArgs))
		for k, v := range s.scopeArgs {
			dup.scopeArgs[k] = v
		}
	}
	return dup
}

// fail records the first build error on a copy of the Spec. The error is
// surfaced by Err and again by the first terminal operation, before any
// connection is touched.
func (s *Spec) fail(err error) *Spec {
	dup := s.clone()
	if dup.buildErr == nil {
		dup.buildErr = err
	}
	return dup
}

// parseArgs translates the field expressions of one Filter/Exclude call into
// a predicate group. Keys are applied in sorted order so that the resulting
// group, and any SQL generated from it, is deterministic.
func parseArgs(args Args, negated bool) (PredicateGroup, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	group := PredicateGroup{Negated: negated, Predicates: make([]Predicate, 0, len(keys))}
	for _, key := range keys {
		field, op, err := lookup.Parse(key)
		if err != nil {
			return PredicateGroup{}, err
		}
		group.Predicates = append(group.Predicates, Predicate{
			Field:    field,
			Operator: op,
			Value:    args[key],
		})
	}
	return group, nil
}

// Filter appends a predicate group combined with AND against all prior
// groups. Filter(a).Filter(b) and Filter(a, b) produce equivalent result
// sets.
func (s *Spec) Filter(args Args) *Spec {
	if len(args) == 0 {
		return s
	}
	group, err := parseArgs(args, false)
	if err != nil {
		return s.fail(err)
	}
	dup := s.clone()
	dup.groups = append(dup.groups, group)
	return dup
}

// Exclude appends a negated predicate group. Repeated Exclude calls compose
// as AND(NOT g1, NOT g2): each call is independently negated and conjoined.
func (s *Spec) Exclude(args Args) *Spec {
	if len(args) == 0 {
		return s
	}
	group, err := parseArgs(args, true)
	if err != nil {
		return s.fail(err)
	}
	dup := s.clone()
	dup.groups = append(dup.groups, group)
	return dup
}

// OrderBy replaces the sort-key list wholesale; the newest call wins. A "-"
// prefix selects descending order. This last-wins policy is deliberate and
// distinct from Filter's accumulate policy.
func (s *Spec) OrderBy(fields ...string) *Spec {
	dup := s.clone()
	dup.sortKeys = make([]SortKey, 0, len(fields))
	for _, f := range fields {
		if f == "" || f == "-" {
			return s.fail(fmt.Errorf("order_by: empty field name"))
		}
		key := SortKey{Field: f, Direction: SortAsc}
		if f[0] == '-' {
			key = SortKey{Field: f[1:], Direction: SortDesc}
		}
		dup.sortKeys = append(dup.sortKeys, key)
	}
	return dup
}

// Limit caps the number of returned rows. Negative values are a build error.
func (s *Spec) Limit(n int) *Spec {
	if n < 0 {
		return s.fail(fmt.Errorf("limit must be non-negative, got %d", n))
	}
	dup := s.clone()
	dup.limit = &n
	return dup
}

// Offset skips the first n rows. Negative values are a build error.
// Pagination is only stable when an explicit OrderBy is present.
func (s *Spec) Offset(n int) *Spec {
	if n < 0 {
		return s.fail(fmt.Errorf("offset must be non-negative, got %d", n))
	}
	dup := s.clone()
	dup.offset = &n
	return dup
}

// SelectRelated declares relationships to fold into the primary round trip
// via a join. Directives accumulate and deduplicate by relationship name.
func (s *Spec) SelectRelated(names ...string) *Spec {
	return s.withEager(EagerJoin, names)
}

// PrefetchRelated declares relationships to load through a secondary batched
// round trip. Directives accumulate and deduplicate by relationship name.
func (s *Spec) PrefetchRelated(names ...string) *Spec {
	return s.withEager(EagerBatch, names)
}

func (s *Spec) withEager(strategy EagerStrategy, names []string) *Spec {
	if len(names) == 0 {
		return s
	}
	dup := s.clone()
	if dup.eager == nil {
		dup.eager = make(map[string]EagerStrategy, len(names))
	}
	for _, name := range names {
		dup.eager[name] = strategy
	}
	return dup
}

// WithScopeMode sets the suppression mode for a named scope. Modes within
// one scope are mutually exclusive; the last call wins.
func (s *Spec) WithScopeMode(scope, mode string) *Spec {
	dup := s.clone()
	if dup.scopeModes == nil {
		dup.scopeModes = make(map[string]string, 1)
	}
	dup.scopeModes[scope] = mode
	return dup
}

// WithScopeArg attaches an explicit argument for a named scope, such as the
// active tenant identifier.
func (s *Spec) WithScopeArg(scope string, value any) *Spec {
	dup := s.clone()
	if dup.scopeArgs == nil {
		dup.scopeArgs = make(map[string]any, 1)
	}
	dup.scopeArgs[scope] = value
	return dup
}

// Err returns the first build error recorded on this chain, if any.
func (s *Spec) Err() error { return s.buildErr }

// Groups returns the predicate groups in call order.
func (s *Spec) Groups() []PredicateGroup { return s.groups }

// SortKeys returns the current ordering.
func (s *Spec) SortKeys() []SortKey { return s.sortKeys }

// LimitValue returns the limit, or nil when unset.
func (s *Spec) LimitValue() *int { return s.limit }

// OffsetValue returns the offset, or nil when unset.
func (s *Spec) OffsetValue() *int { return s.offset }

// EagerDirectives returns the declared relationship loads by name.
func (s *Spec) EagerDirectives() map[string]EagerStrategy { return s.eager }

// ScopeMode returns the suppression mode recorded for a scope name.
func (s *Spec) ScopeMode(scope string) (string, bool) {
	mode, ok := s.scopeModes[scope]
	return mode, ok
}

// ScopeArg returns the explicit argument recorded for a scope name.
func (s *Spec) ScopeArg(scope string) (any, bool) {
	v, ok := s.scopeArgs[scope]
	return v, ok
}
