package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalid            = errors.New("invalid")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyAssigned    = errors.New("truck already assigned")
	ErrNotAvailable       = errors.New("truck not available")
	ErrSchedulingConflict = errors.New("scheduling conflict")
	ErrNotCancellable     = errors.New("request not cancellable")
	ErrNoTruckAvailable   = errors.New("no truck available")
	ErrConflict           = errors.New("conflicting concurrent update")
	ErrInvariant          = errors.New("assignment invariant violated")
)

// NotFound names the missing entity, e.g. "truck t9: not found".
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every offending input field. It matches ErrInvalid
// under errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Add appends a field error; nil-safe so callers can accumulate lazily.
func (e *ValidationError) Add(field, message string) *ValidationError {
	if e == nil {
		e = &ValidationError{}
	}
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// Err returns nil when no field failed, so a nil *ValidationError never
// escapes as a non-nil error interface.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
