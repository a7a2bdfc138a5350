package billing

import (
	"errors"
	"fmt"

	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
)

var (
	// ErrInvalidInput classifies malformed or out-of-range arguments.
	ErrInvalidInput = money.ErrInvalidInput

	// ErrUnknownModel is returned when a usage charge names an unpriced model.
	ErrUnknownModel = pricing.ErrUnknownModel

	// ErrOverflow is returned when an amount leaves the int64 range.
	ErrOverflow = money.ErrOverflow

	// ErrUserNotFound is returned when no account exists for a user.
	ErrUserNotFound = errors.New("billing: user not found")

	// ErrEntryNotFound is returned when a referenced ledger entry is missing.
	ErrEntryNotFound = errors.New("billing: ledger entry not found")

	// ErrDuplicateOperation is reported by stores when an idempotency key is
	// already recorded. Service callers see a replayed result instead.
	ErrDuplicateOperation = errors.New("billing: duplicate operation")

	// ErrConflict is reported by stores when a transaction lost a
	// serialization race. It is never retried inside the ledger.
	ErrConflict = errors.New("billing: concurrent update conflict")

	// ErrInsufficientFunds matches every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("billing: insufficient funds")
)

// InsufficientFundsError reports a debit the balance cannot cover. It is a
// business outcome, not a failure.
type InsufficientFundsError struct {
	Required  money.MicroCents
	Available money.MicroCents
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("billing: insufficient funds: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// PaymentProcessingError wraps an unexpected failure while applying a
// payment provider event. The provider is told to retry.
type PaymentProcessingError struct {
	EventID   string
	EventType string
	Cause     error
}

func (e *PaymentProcessingError) Error() string {
	return fmt.Sprintf("billing: processing %s event %s: %v", e.EventType, e.EventID, e.Cause)
}

func (e *PaymentProcessingError) Unwrap() error {
	return e.Cause
}
