// Package patch provides a typed optional field for partial-update request bodies.
//
// A Field distinguishes three states that a plain pointer cannot: the key was
// absent, the key was present with null, or the key was present with a value.
package patch

import (
	"encoding/json"
)

// Field is one optional member of a PATCH body.
type Field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Of returns a field that is present with v.
func Of[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// Null returns a field that is present and explicitly null.
func Null[T any]() Field[T] {
	return Field[T]{Set: true, Null: true}
}

// Get returns the value and true when the field carries a non-null value.
func (f Field[T]) Get() (T, bool) {
	return f.Value, f.Set && !f.Null
}

// Present reports whether the key appeared in the body.
func (f Field[T]) Present() bool { return f.Set }

// UnmarshalJSON is only invoked by encoding/json when the key is present.
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if string(b) == "null" {
		f.Null = true
		var zero T
		f.Value = zero
		return nil
	}
	f.Null = false
	return json.Unmarshal(b, &f.Value)
}

// MarshalJSON writes null for absent or null fields.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.Set || f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}
