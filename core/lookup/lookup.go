// Package lookup defines the closed operator vocabulary used in field
// expressions such as "age__gte" or "name__icontains". Callers embed these
// suffixes directly in field-name strings, so the set is a wire-level
// contract and must stay stable across versions.
package lookup

import (
	"fmt"
	"strings"
)

// Operator identifies one comparison operator from the fixed vocabulary.
type Operator string

// Supported operators.
const (
	OperatorExact       Operator = "exact"
	OperatorIExact      Operator = "iexact"
	OperatorContains    Operator = "contains"
	OperatorIContains   Operator = "icontains"
	OperatorStartsWith  Operator = "startswith"
	OperatorIStartsWith Operator = "istartswith"
	OperatorEndsWith    Operator = "endswith"
	OperatorIEndsWith   Operator = "iendswith"
	OperatorGt          Operator = "gt"
	OperatorGte         Operator = "gte"
	OperatorLt          Operator = "lt"
	OperatorLte         Operator = "lte"
	OperatorIn          Operator = "in"
	OperatorIsNull      Operator = "isnull"
	OperatorRange       Operator = "range"
)

// separator splits a field name from its operator suffix.
const separator = "__"

// standardOperators is the set of all supported operators.
var standardOperators = map[Operator]struct{}{
	OperatorExact:       {},
	OperatorIExact:      {},
	OperatorContains:    {},
	OperatorIContains:   {},
	OperatorStartsWith:  {},
	OperatorIStartsWith: {},
	OperatorEndsWith:    {},
	OperatorIEndsWith:   {},
	OperatorGt:          {},
	OperatorGte:         {},
	OperatorLt:          {},
	OperatorLte:         {},
	OperatorIn:          {},
	OperatorIsNull:      {},
	OperatorRange:       {},
}

// IsStandard reports whether o is one of the supported operators.
func (o Operator) IsStandard() bool {
	_, ok := standardOperators[o]
	return ok
}

// StandardOperators returns the set of supported operators. Useful for
// validation and documentation tooling.
func StandardOperators() map[Operator]struct{} {
	return standardOperators
}

// UnsupportedLookupError reports an operator suffix outside the supported
// vocabulary. It is raised while a query is being assembled, before any
// connection is touched.
type UnsupportedLookupError struct {
	Field    string
	Operator string
}

func (e *UnsupportedLookupError) Error() string {
	return fmt.Sprintf("unsupported lookup '%s' for field '%s'", e.Operator, e.Field)
}

// Parse splits a field expression into its field name and operator. A key
// without a "__" separator means OperatorExact. When a separator is present
// the suffix must name a supported operator; unknown suffixes fail rather
// than degrading to exact.
func Parse(key string) (string, Operator, error) {
	idx := strings.LastIndex(key, separator)
	if idx < 0 {
		return key, OperatorExact, nil
	}

	field := key[:idx]
	op := Operator(key[idx+len(separator):])
	if field == "" {
		return "", "", fmt.Errorf("field expression '%s' has no field name", key)
	}
	if !op.IsStandard() {
		return "", "", &UnsupportedLookupError{Field: field, Operator: string(op)}
	}
	return field, op, nil
}
