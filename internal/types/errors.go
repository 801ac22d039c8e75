package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for attributor operations.
var (
	// ErrInvalidFilter indicates a malformed filter or filter data map.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrReservedFilterKey indicates source filter data used source_type or a "_" key.
	ErrReservedFilterKey = errors.New("filter key is reserved")

	// ErrInvalidTriggerSpecs indicates malformed flexible event-report configuration.
	ErrInvalidTriggerSpecs = errors.New("invalid trigger specs")

	// ErrInformationGainExceeded indicates a trigger spec leaks more than allowed.
	ErrInformationGainExceeded = errors.New("trigger specs exceed information gain limit")

	// ErrInvalidOrigin indicates a destination or reporting origin is not a valid URI.
	ErrInvalidOrigin = errors.New("invalid origin")

	// ErrInvalidAggregateKey indicates a key piece is not a 128-bit hex value.
	ErrInvalidAggregateKey = errors.New("invalid aggregation key piece")

	// ErrMissingField indicates a required registration field is absent.
	ErrMissingField = errors.New("required field missing")

	// ErrNotFound indicates a record lookup matched nothing.
	ErrNotFound = errors.New("record not found")

	// ErrDatastore indicates the datastore collaborator failed.
	ErrDatastore = errors.New("datastore failure")

	// ErrDelivery indicates a report could not be delivered.
	ErrDelivery = errors.New("report delivery failed")
)

// ErrorCategory classifies errors by the handling they require.
type ErrorCategory string

const (
	// CategoryValidation rejects a registration; never retried.
	CategoryValidation ErrorCategory = "VALIDATION"

	// CategoryDelivery leaves a report pending for the next sweep.
	CategoryDelivery ErrorCategory = "DELIVERY"

	// CategoryDatastore aborts the unit of work; the sweep iteration fails.
	CategoryDatastore ErrorCategory = "DATASTORE"
)

// Error carries a category and retry hint alongside the cause.
type Error struct {
	Category  ErrorCategory
	Op        string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %v", e.Category, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ValidationError wraps a registration validation failure.
func ValidationError(op string, cause error) error {
	return &Error{Category: CategoryValidation, Op: op, Cause: cause}
}

// DeliveryError wraps a retryable report delivery failure.
func DeliveryError(op string, cause error) error {
	return &Error{Category: CategoryDelivery, Op: op, Cause: fmt.Errorf("%w: %w", ErrDelivery, cause), Retryable: true}
}

// DatastoreError wraps a failed datastore call; retried wholesale by the next sweep.
func DatastoreError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) {
		return cause
	}
	return &Error{Category: CategoryDatastore, Op: op, Cause: fmt.Errorf("%w: %w", ErrDatastore, cause), Retryable: true}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CategoryOf extracts the error category; empty for uncategorized errors.
func CategoryOf(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}
