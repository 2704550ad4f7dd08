package issuing

import (
	"errors"
	"fmt"

	"github.com/alovak/cardbridge/ledger"
)

var (
	// ErrKYCRequired is returned when a card flow needs an approved KYC record.
	ErrKYCRequired  = errors.New("approved kyc is required")
	// ErrInvalidState is returned when a local precondition on a card or holder fails.
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientBalance is returned when a card cannot cover a withdrawal and
	// the withdrawals already pending on it.
	ErrInsufficientBalance = ledger.ErrInsufficientFunds
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func stateErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
