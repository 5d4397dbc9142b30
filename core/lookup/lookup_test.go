package lookup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		field    string
		operator Operator
	}{
		{name: "bare field means exact", key: "name", field: "name", operator: OperatorExact},
		{name: "explicit exact", key: "name__exact", field: "name", operator: OperatorExact},
		{name: "iexact", key: "name__iexact", field: "name", operator: OperatorIExact},
		{name: "contains", key: "title__contains", field: "title", operator: OperatorContains},
		{name: "icontains", key: "title__icontains", field: "title", operator: OperatorIContains},
		{name: "startswith", key: "email__startswith", field: "email", operator: OperatorStartsWith},
		{name: "istartswith", key: "email__istartswith", field: "email", operator: OperatorIStartsWith},
		{name: "endswith", key: "email__endswith", field: "email", operator: OperatorEndsWith},
		{name: "iendswith", key: "email__iendswith", field: "email", operator: OperatorIEndsWith},
		{name: "gt", key: "age__gt", field: "age", operator: OperatorGt},
		{name: "gte", key: "age__gte", field: "age", operator: OperatorGte},
		{name: "lt", key: "age__lt", field: "age", operator: OperatorLt},
		{name: "lte", key: "age__lte", field: "age", operator: OperatorLte},
		{name: "in", key: "id__in", field: "id", operator: OperatorIn},
		{name: "isnull", key: "deleted_at__isnull", field: "deleted_at", operator: OperatorIsNull},
		{name: "range", key: "created_at__range", field: "created_at", operator: OperatorRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, op, err := Parse(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.field, field)
			assert.Equal(t, tt.operator, op)
		})
	}
}

func TestParse_UnknownOperator(t *testing.T) {
	_, _, err := Parse("name__regex")
	require.Error(t, err)

	var lookupErr *UnsupportedLookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, "name", lookupErr.Field)
	assert.Equal(t, "regex", lookupErr.Operator)
	assert.Contains(t, err.Error(), "regex")
	assert.Contains(t, err.Error(), "name")
}

func TestParse_NeverDegradesToExact(t *testing.T) {
	// A typo'd suffix must fail loudly, not silently match on equality.
	_, _, err := Parse("age__gtee")
	var lookupErr *UnsupportedLookupError
	require.True(t, errors.As(err, &lookupErr))
}

func TestParse_EmptyFieldName(t *testing.T) {
	_, _, err := Parse("__gte")
	require.Error(t, err)
}

func TestIsStandard(t *testing.T) {
	assert.True(t, OperatorExact.IsStandard())
	assert.True(t, OperatorRange.IsStandard())
	assert.False(t, Operator("regex").IsStandard())
	assert.Len(t, StandardOperators(), 15)
}
