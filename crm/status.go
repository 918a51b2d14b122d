/*
status.go - Subscription state machine

STATES:
  added    Initial state. User provisioned, trial not yet paid.
  active   Converted (first payment) or renewed.
  expired  Paid period or trial has lapsed.

TRANSITIONS:
  added   -> active    conversion
  added   -> expired   trial lapses unpaid
  active  -> expired   sweeper or manual
  expired -> active    renewal or manual fix
  *       -> same      no-op

  active  -> added     REJECTED
  expired -> added     REJECTED

  Once a subscription has advanced it never returns to the initial state.
  The stores enforce the same rule with schema triggers, so a write that
  skips CheckTransition still fails.
*/
package crm

import "fmt"

type Status string

const (
	StatusAdded   Status = "added"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{StatusAdded, StatusActive, StatusExpired}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAdded, StatusActive, StatusExpired:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// CheckTransition returns nil when from -> to is allowed.
func CheckTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if to == StatusAdded && from != StatusAdded {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
