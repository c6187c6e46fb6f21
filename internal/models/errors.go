package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing job or credit account.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits is the business-rule failure on debit.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidTransition signals a state-machine violation, e.g. mutating a
	// terminal job.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden signals cross-tenant access.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized signals a missing or mismatched credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports malformed trigger or update input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a failure from an external stage collaborator
// (generation, quality-check, publish target).
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
