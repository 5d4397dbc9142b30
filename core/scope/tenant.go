package scope

import (
	"context"
	"fmt"

	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

// TenantName is the scope name under which the active tenant and suppression
// mode are recorded on a Spec.
const TenantName = "tenant"

// ModeAllTenants is the administrative escape hatch that drops the tenant
// predicate. It is the only way to bypass a mandatory tenant scope.
const ModeAllTenants = "all-tenants"

// tenantKey is the context key carrying the ambient tenant identifier.
// Unexported so the value can only be set through WithTenant.
type tenantKey struct{}

// WithTenant returns a context carrying the active tenant identifier. Each
// request/task owns its own context value, so concurrent requests for
// different tenants cannot observe each other's scope.
func WithTenant(ctx context.Context, tenant any) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom extracts the ambient tenant identifier from a context.
func TenantFrom(ctx context.Context) (any, bool) {
	v := ctx.Value(tenantKey{})
	return v, v != nil
}

// TenantNotResolvedError reports a mandatory tenant scope with no resolvable
// tenant: neither an explicit ForTenant call nor an ambient context value
// was present. The operation fails rather than silently running unscoped.
type TenantNotResolvedError struct {
	Table string
}

func (e *TenantNotResolvedError) Error() string {
	return fmt.Sprintf("no tenant resolved for model '%s' with a mandatory tenant scope", e.Table)
}

// TenantScope restricts every query to rows whose tenant key equals the
// active tenant. The tenant is resolved from an explicit scope argument
// first, then from the ambient per-request context.
type TenantScope struct{}

// NewTenantScope returns the tenant-isolation scope.
func NewTenantScope() *TenantScope { return &TenantScope{} }

// Name implements Scope.
func (s *TenantScope) Name() string { return TenantName }

// Contribute implements Scope. Models without a tenant column are left
// untouched.
func (s *TenantScope) Contribute(ctx context.Context, m *model.Model, sp *query.Spec) ([]query.PredicateGroup, error) {
	if m.Tenant == nil {
		return nil, nil
	}

	if mode, _ := sp.ScopeMode(TenantName); mode == ModeAllTenants {
		return nil, nil
	}

	tenant, err := Resolve(ctx, m, sp)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, nil
	}
	return []query.PredicateGroup{{Predicates: []query.Predicate{{
		Field:    m.Tenant.Column,
		Operator: lookup.OperatorExact,
		Value:    tenant,
	}}}}, nil
}

// Resolve returns the active tenant for a model, preferring an explicit
// scope argument over the ambient context. A mandatory scope with no
// resolvable tenant fails with *TenantNotResolvedError; a non-mandatory one
// resolves to nil and contributes nothing.
func Resolve(ctx context.Context, m *model.Model, sp *query.Spec) (any, error) {
	if m.Tenant == nil {
		return nil, nil
	}
	if v, ok := sp.ScopeArg(TenantName); ok && v != nil {
		return v, nil
	}
	if v, ok := TenantFrom(ctx); ok {
		return v, nil
	}
	if m.Tenant.Mandatory {
		return nil, &TenantNotResolvedError{Table: m.Table}
	}
	return nil, nil
}
