package engine

import (
	"errors"
	"fmt"
)

// DoesNotExistError reports a Get that matched zero rows.
type DoesNotExistError struct {
	Table string
}

func (e *DoesNotExistError) Error() string {
	return fmt.Sprintf("%s: no row matches the query", e.Table)
}

// MultipleObjectsReturnedError reports a Get that matched more than one row.
type MultipleObjectsReturnedError struct {
	Table string
}

func (e *MultipleObjectsReturnedError) Error() string {
	return fmt.Sprintf("%s: more than one row matches the query", e.Table)
}

// IntegrityError wraps a backend constraint violation. Retrying reproduces
// the same violation, so callers should not retry these.
type IntegrityError struct {
	Table string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: constraint violation: %v", e.Table, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ErrUnorderedLast reports Last invoked on a chain without an explicit
// order; the result would be undefined, so the call fails instead.
var ErrUnorderedLast = errors.New("engine: last requires an explicit order_by")
