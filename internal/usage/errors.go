package usage

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("usage record not found")

// FieldError names one offending input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects a single malformed record.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "invalid usage record: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// ConflictError means a record with the same id but different fields is
// already stored.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("usage record %q already exists with different fields", e.ID)
}

// StorageError wraps an infrastructure failure of the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("usage store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
