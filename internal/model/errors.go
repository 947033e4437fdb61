package model

import (
	"context"
	"errors"
)

// Sentinel errors. Callers wrap them with context via fmt.Errorf("%w") and
// classify with errors.Is; the api layer maps them to HTTP status codes.
var (
	// ErrConflict: a ledger event already exists for (entity, trigger).
	ErrConflict = errors.New("conflict: duplicate trigger event for entity")

	// ErrMissingValuation: settlement attempted for an entity with no
	// initial_state valuation.
	ErrMissingValuation = errors.New("missing valuation")

	// ErrInsufficientCapital: a sale would drive market cap negative.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrOverdraft: a sale exceeds the holder's position.
	ErrOverdraft = errors.New("overdraft: sell quantity exceeds position")

	// ErrConcurrencyConflict: a transaction lost the race on an entity row.
	// Retried internally; surfaces only once retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrEntityNotFound = errors.New("entity not found")
	ErrEntityExists   = errors.New("entity already exists")
)

// ValidationError represents a structurally invalid request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a *ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsRetryable reports whether err means "temporarily unavailable, retry"
// rather than "structurally invalid, do not retry".
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, context.DeadlineExceeded)
}

// IsRejection reports whether err is an order/settlement rejection that
// must not be retried.
func IsRejection(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrOverdraft) ||
		errors.Is(err, ErrInsufficientCapital) ||
		errors.Is(err, ErrMissingValuation) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrEntityExists)
}
