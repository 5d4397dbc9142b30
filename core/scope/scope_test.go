package scope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/substrate/core/lookup"
	"github.com/substratedb/substrate/core/model"
	"github.com/substratedb/substrate/core/query"
)

func scopedModel(mandatoryTenant bool) *model.Model {
	return &model.Model{
		Table:      "accounts",
		PrimaryKey: "id",
		Fields: map[string]model.Field{
			"id":         {Name: "id", Type: model.FieldTypeInteger},
			"name":       {Name: "name", Type: model.FieldTypeString},
			"deleted_at": {Name: "deleted_at", Type: model.FieldTypeTime},
			"tenant_id":  {Name: "tenant_id", Type: model.FieldTypeString},
		},
		SoftDelete: &model.SoftDeleteSpec{Column: "deleted_at"},
		Tenant:     &model.TenantSpec{Column: "tenant_id", Mandatory: mandatoryTenant},
	}
}

func TestSoftDeleteScope_Default(t *testing.T) {
	groups, err := NewSoftDeleteScope().Contribute(context.Background(), scopedModel(false), query.New())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Predicates, 1)
	assert.Equal(t, query.Predicate{
		Field:    "deleted_at",
		Operator: lookup.OperatorIsNull,
		Value:    true,
	}, groups[0].Predicates[0])
}

func TestSoftDeleteScope_IncludeDeleted(t *testing.T) {
	sp := query.New().WithScopeMode(SoftDeleteName, ModeIncludeDeleted)
	groups, err := NewSoftDeleteScope().Contribute(context.Background(), scopedModel(false), sp)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestSoftDeleteScope_OnlyDeleted(t *testing.T) {
	sp := query.New().WithScopeMode(SoftDeleteName, ModeOnlyDeleted)
	groups, err := NewSoftDeleteScope().Contribute(context.Background(), scopedModel(false), sp)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, query.Predicate{
		Field:    "deleted_at",
		Operator: lookup.OperatorIsNull,
		Value:    false,
	}, groups[0].Predicates[0])
}

func TestSoftDeleteScope_ActiveMatchesDefault(t *testing.T) {
	m := scopedModel(false)
	explicit, err := NewSoftDeleteScope().Contribute(context.Background(), m,
		query.New().WithScopeMode(SoftDeleteName, ModeActive))
	require.NoError(t, err)
	implicit, err := NewSoftDeleteScope().Contribute(context.Background(), m, query.New())
	require.NoError(t, err)
	assert.Equal(t, implicit, explicit)
}

func TestSoftDeleteScope_ModelWithoutMarker(t *testing.T) {
	m := scopedModel(false)
	m.SoftDelete = nil
	groups, err := NewSoftDeleteScope().Contribute(context.Background(), m, query.New())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestTenantScope_ExplicitArgWinsOverContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "ambient")
	sp := query.New().WithScopeArg(TenantName, "explicit")
	groups, err := NewTenantScope().Contribute(ctx, scopedModel(true), sp)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, query.Predicate{
		Field:    "tenant_id",
		Operator: lookup.OperatorExact,
		Value:    "explicit",
	}, groups[0].Predicates[0])
}

func TestTenantScope_AmbientContext(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	groups, err := NewTenantScope().Contribute(ctx, scopedModel(true), query.New())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "acme", groups[0].Predicates[0].Value)
}

func TestTenantScope_MandatoryUnresolvedFails(t *testing.T) {
	_, err := NewTenantScope().Contribute(context.Background(), scopedModel(true), query.New())
	require.Error(t, err)

	var tenantErr *TenantNotResolvedError
	require.True(t, errors.As(err, &tenantErr))
	assert.Equal(t, "accounts", tenantErr.Table)
}

func TestTenantScope_NonMandatoryUnresolvedContributesNothing(t *testing.T) {
	groups, err := NewTenantScope().Contribute(context.Background(), scopedModel(false), query.New())
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestTenantScope_AllTenantsEscapeHatch(t *testing.T) {
	sp := query.New().WithScopeMode(TenantName, ModeAllTenants)
	groups, err := NewTenantScope().Contribute(context.Background(), scopedModel(true), sp)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestCompose_ScopesIntersect(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	scopes := []Scope{NewSoftDeleteScope(), NewTenantScope()}
	groups, err := Compose(ctx, scopedModel(true), query.New(), scopes)
	require.NoError(t, err)
	// Both scopes contribute simultaneously; the composer unions them.
	require.Len(t, groups, 2)
	assert.Equal(t, "deleted_at", groups[0].Predicates[0].Field)
	assert.Equal(t, "tenant_id", groups[1].Predicates[0].Field)
}

func TestCompose_PropagatesScopeErrors(t *testing.T) {
	scopes := []Scope{NewSoftDeleteScope(), NewTenantScope()}
	_, err := Compose(context.Background(), scopedModel(true), query.New(), scopes)
	var tenantErr *TenantNotResolvedError
	require.True(t, errors.As(err, &tenantErr))
}

func TestWithTenant_RoundTrip(t *testing.T) {
	_, ok := TenantFrom(context.Background())
	assert.False(t, ok)

	ctx := WithTenant(context.Background(), int64(42))
	v, ok := TenantFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
}
