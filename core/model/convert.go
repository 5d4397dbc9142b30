package model

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// RecordFromStruct converts a struct or pointer to struct into a Record,
// honoring the struct's json tags. Nested structs and slices come through as
// the map and slice shapes a json field stores.
func RecordFromStruct[T any](v T) (Record, error) {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return nil, fmt.Errorf("input cannot be nil")
	}
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("input cannot be a nil pointer")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input must be a struct or pointer to struct, got %s", val.Kind())
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to build record: %w", err)
	}
	return record, nil
}

// StructFromRecord converts a Record into a new instance of T, the inverse
// of RecordFromStruct.
func StructFromRecord[T any](record Record) (T, error) {
	var zero T
	if record == nil {
		return zero, fmt.Errorf("input record cannot be nil")
	}

	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return zero, fmt.Errorf("target type must be a struct or pointer to struct")
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal record: %w", err)
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, fmt.Errorf("failed to populate struct: %w", err)
	}
	return result, nil
}
