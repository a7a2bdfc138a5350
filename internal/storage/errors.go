package storage

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"credit_ledger/internal/billing"
)

var (
	// ErrPriceNotFound is returned when deleting an unknown model price
	ErrPriceNotFound = errors.New("price not found")

	// ErrIdentityNotFound is returned when an external identity is not linked
	ErrIdentityNotFound = errors.New("identity link not found")
)

// Postgres error codes the ledger reacts to.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// mapPQError translates Postgres errors into ledger errors. Anything
// unrecognised is returned unchanged.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqUniqueViolation:
		return fmt.Errorf("%w: %w", billing.ErrDuplicateOperation, err)
	case pqSerializationFailure, pqDeadlockDetected:
		return fmt.Errorf("%w: %w", billing.ErrConflict, err)
	default:
		return err
	}
}
