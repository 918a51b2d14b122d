/*
errors.go - Centralized error types for the revenue ledger

ERROR CATEGORIES:
  1. Client errors - illegal transitions, invalid input, duplicates
  2. Not found - unknown partner or user
  3. Consistency violations - a referenced row vanished mid-transaction;
     the whole unit of work rolls back and the caller may retry
  4. Idempotent outcomes - a duplicate payment reference is reported by the
     store as ErrDuplicatePaymentReference and turned into a no-op result
     by the Ledger; it is never surfaced as a failure

USAGE:
    if errors.Is(err, crm.ErrIllegalTransition) {
        // 422 to the caller, do not retry
    }
*/
package crm

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrPartnerNotFound = errors.New("partner not found")
	ErrUserNotFound    = errors.New("user not found")

	// ErrPartnerInactive is returned when enrolling under a disabled partner.
	ErrPartnerInactive = errors.New("partner is inactive")

	// ErrDuplicatePaymentReference is returned by stores when the processor
	// reference was already recorded. The Ledger treats it as success.
	ErrDuplicatePaymentReference = errors.New("duplicate payment reference")

	ErrDuplicateEmail = errors.New("email already registered")
	ErrDuplicateID    = errors.New("id already exists")

	// ErrIllegalTransition is returned for a status regression to added.
	ErrIllegalTransition = errors.New("illegal subscription status transition")

	ErrInvalidStatus = errors.New("invalid subscription status")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrConsistencyViolation means an aggregate update matched no row.
	ErrConsistencyViolation = errors.New("ledger consistency violation")

	// ErrConcurrentModification is returned when a compare-and-set update
	// lost against a concurrent writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError reports a rejected status change.
type TransitionError struct {
	UserID UserID
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("illegal subscription status transition for %s: %s -> %s", e.UserID, e.From, e.To)
	}
	return fmt.Sprintf("illegal subscription status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// ConsistencyError reports an aggregate write that found no partner row.
type ConsistencyError struct {
	PartnerID PartnerID
	Op        string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger consistency violation: %s matched no partner %q", e.Op, e.PartnerID)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistencyViolation
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrConsistencyViolation)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPartnerInactive) ||
		errors.Is(err, ErrDuplicateEmail) ||
		errors.Is(err, ErrDuplicateID)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPartnerNotFound) ||
		errors.Is(err, ErrUserNotFound)
}
