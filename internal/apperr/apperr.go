// Package apperr defines the error taxonomy shared by every service package.
// Each concrete type matches its sentinel through errors.Is, so callers can
// branch on the category without caring about the payload.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrAccessDenied = errors.New("access denied")
	ErrExternal     = errors.New("external service unavailable")
)

// NotFoundError covers both absent resources and resources the caller may not see.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type ConflictError struct {
	Reason   string
	Expected any
	Current  any
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return "conflict"
	}
	return e.Reason
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type AccessDeniedError struct {
	Action string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Action)
}

func (e *AccessDeniedError) Is(target error) bool { return target == ErrAccessDenied }

type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternal }

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

func Invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

func Conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func Denied(action string) error { return &AccessDeniedError{Action: action} }

func External(service string, err error) error { return &ExternalServiceError{Service: service, Err: err} }
