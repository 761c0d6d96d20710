// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrDatabaseCorrupted = errors.New("database corrupted")

	// Structural violations of the category forest.
	ErrInvalidParent = errors.New("invalid parent")
	ErrCycleDetected = errors.New("cycle detected")
	ErrHasChildren   = errors.New("category has children")

	// Pipeline errors.
	ErrExhausted         = errors.New("resolution stages exhausted")
	ErrAlreadyClaimed    = errors.New("queue entry already claimed")
	ErrInvalidTransition = errors.New("invalid queue transition")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StructuralError reports a rejected category mutation. The store is left unchanged.
type StructuralError struct {
	Err        error
	Op         string
	CategoryID int64
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s category %d: %v", e.Op, e.CategoryID, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// NewStructuralError wraps one of the structural sentinels.
func NewStructuralError(op string, categoryID int64, err error) error {
	return &StructuralError{Op: op, CategoryID: categoryID, Err: err}
}

// IsStructural reports whether err is a structural violation.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
