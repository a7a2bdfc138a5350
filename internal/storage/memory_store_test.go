package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
)

func newEntry(userID string, op models.OperationType, amount money.MicroCents, key string, at time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:               uuid.New(),
		UserID:           userID,
		Type:             op,
		AmountMicroCents: amount,
		IdempotencyKey:   key,
		CreatedAt:        at,
	}
}

func TestMemoryStore_CommitsOnSuccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		created, err := tx.CreateAccount(ctx, "user-1", now)
		require.NoError(t, err)
		assert.True(t, created)

		if err := tx.SetBalance(ctx, "user-1", money.Dollars(2), now); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, newEntry("user-1", models.OperationSignupCredit, money.Dollars(2), "signup:user-1", now))
	})
	require.NoError(t, err)

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(2), account.BalanceMicroCents)
	assert.Equal(t, 1, store.EntryCount())
}

func TestMemoryStore_DiscardsOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		if _, err := tx.CreateAccount(ctx, "user-1", now); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, newEntry("user-1", models.OperationTopUp, 1, "k1", now)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetAccount(ctx, "user-1")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
	assert.Equal(t, 0, store.AccountCount())
	assert.Equal(t, 0, store.EntryCount())
}

func TestMemoryStore_DuplicateKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.InsertEntry(ctx, newEntry("user-1", models.OperationTopUp, 1, "k1", now))
	}))

	err := store.WithTx(ctx, func(tx billing.Tx) error {
		return tx.InsertEntry(ctx, newEntry("user-2", models.OperationTopUp, 1, "k1", now))
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateOperation)

	// duplicates inside one transaction are caught too
	err = store.WithTx(ctx, func(tx billing.Tx) error {
		if err := tx.InsertEntry(ctx, newEntry("user-1", models.OperationTopUp, 1, "k2", now)); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, newEntry("user-1", models.OperationTopUp, 1, "k2", now))
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateOperation)
	assert.Equal(t, 1, store.EntryCount())
}

func TestMemoryStore_Queries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	ref := "pi_1"

	topUp := newEntry("user-1", models.OperationTopUp, money.Dollars(10), "pi_1", base.Add(time.Minute))
	topUp.PaymentReference = &ref
	bonus := newEntry("user-1", models.OperationTopUp, money.Dollars(2), "pi_1:bonus", base.Add(time.Minute))
	bonus.PaymentReference = &ref
	bonus.Metadata.Bonus = true
	refund := newEntry("user-1", models.OperationRefund, -money.Dollars(3), "refund-1", base.Add(2*time.Minute))
	refund.ReferenceEntryID = uuid.NullUUID{UUID: topUp.ID, Valid: true}
	refund.Metadata.Requested = money.Dollars(3)

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		for _, e := range []*models.LedgerEntry{
			newEntry("user-1", models.OperationSignupCredit, money.Dollars(2), "signup:user-1", base),
			bonus, topUp, refund,
			newEntry("user-2", models.OperationSignupCredit, money.Dollars(2), "signup:user-2", base),
		} {
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := store.ListEntries(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "refund-1", entries[0].IdempotencyKey)
	assert.Equal(t, "pi_1", entries[1].IdempotencyKey)

	found, err := store.FindTopUpByPaymentReference(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, topUp.ID, found.ID)

	_, err = store.FindTopUpByPaymentReference(ctx, "pi_2")
	assert.ErrorIs(t, err, billing.ErrEntryNotFound)

	require.NoError(t, store.WithTx(ctx, func(tx billing.Tx) error {
		first, err := tx.FirstEntryOfType(ctx, "user-1", models.OperationTopUp)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.True(t, first.Metadata.Bonus || first.ID == topUp.ID)

		none, err := tx.FirstEntryOfType(ctx, "user-2", models.OperationTopUp)
		require.NoError(t, err)
		assert.Nil(t, none)

		reversed, err := tx.ReversedAmount(ctx, topUp.ID)
		require.NoError(t, err)
		assert.Equal(t, money.Dollars(3), reversed)

		got, err := tx.GetEntry(ctx, refund.ID)
		require.NoError(t, err)
		assert.Equal(t, refund.IdempotencyKey, got.IdempotencyKey)

		byKey, err := tx.EntriesByKey(ctx, "pi_1", "pi_1:bonus", "missing")
		require.NoError(t, err)
		assert.Len(t, byKey, 2)
		return nil
	}))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithTx(ctx, func(tx billing.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryIdentityLinks(t *testing.T) {
	links := NewMemoryIdentityLinks()
	ctx := context.Background()

	_, err := links.Find(ctx, "stripe", "cus_1")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	linked, err := links.Link(ctx, "stripe", "cus_1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", linked)

	// first link wins
	linked, err = links.Link(ctx, "stripe", "cus_1", "user-2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", linked)

	userID, err := links.Find(ctx, "stripe", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}
