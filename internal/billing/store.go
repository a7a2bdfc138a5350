package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
)

// Store persists accounts and ledger entries. Every ledger operation runs
// inside one WithTx call; the store is responsible for serialising
// transactions that touch the same account.
type Store interface {
	// WithTx runs fn in a single atomic transaction. If fn returns an error
	// nothing is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetAccount reads an account outside any transaction.
	GetAccount(ctx context.Context, userID string) (*models.Account, error)

	// ListEntries returns up to limit entries for a user, newest first.
	ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)

	// FindTopUpByPaymentReference returns the (non-bonus) top-up recorded
	// for a payment reference, or ErrEntryNotFound.
	FindTopUpByPaymentReference(ctx context.Context, reference string) (*models.LedgerEntry, error)
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	// CreateAccount inserts a zero-balance account unless one exists and
	// reports whether it did.
	CreateAccount(ctx context.Context, userID string, now time.Time) (bool, error)

	// LockAccount reads the account and holds it until the transaction ends.
	// Returns ErrUserNotFound when absent.
	LockAccount(ctx context.Context, userID string) (*models.Account, error)

	// SetBalance writes the account balance.
	SetBalance(ctx context.Context, userID string, balance money.MicroCents, now time.Time) error

	// EntriesByKey returns the entries recorded under any of keys, in
	// insertion order.
	EntriesByKey(ctx context.Context, keys ...string) ([]*models.LedgerEntry, error)

	// InsertEntry appends an entry. Returns ErrDuplicateOperation if its key
	// is already recorded.
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error

	// FirstEntryOfType returns the user's oldest entry of op, or nil.
	FirstEntryOfType(ctx context.Context, userID string, op models.OperationType) (*models.LedgerEntry, error)

	// GetEntry returns an entry by id, or ErrEntryNotFound.
	GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)

	// ReversedAmount sums the reversal amounts already requested against an
	// entry.
	ReversedAmount(ctx context.Context, entryID uuid.UUID) (money.MicroCents, error)
}

// Guard is a precondition on the balance that would result from a delta.
type Guard func(next money.MicroCents) bool

// NonNegative rejects any delta that would leave a negative balance.
func NonNegative(next money.MicroCents) bool {
	return next >= 0
}

// applyDelta adds delta to the locked account if guard accepts the result
// and writes the new balance. A rejected guard returns
// *InsufficientFundsError and leaves the account untouched.
func applyDelta(ctx context.Context, tx Tx, account *models.Account, delta money.MicroCents, guard Guard, now time.Time) error {
	next, err := money.Add(account.BalanceMicroCents, delta)
	if err != nil {
		return err
	}
	if guard != nil && !guard(next) {
		return &InsufficientFundsError{Required: -delta, Available: account.BalanceMicroCents}
	}
	if err := tx.SetBalance(ctx, account.UserID, next, now); err != nil {
		return err
	}
	account.BalanceMicroCents = next
	account.UpdatedAt = now
	return nil
}
