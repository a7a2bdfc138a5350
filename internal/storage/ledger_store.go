package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
)

const entryColumns = `id, user_id, operation_type, amount_micro_cents, balance_after_micro_cents,
	idempotency_key, reference_entry_id, payment_reference, metadata, created_at`

const accountColumns = `user_id, balance_micro_cents, created_at, updated_at`

// PostgresStore implements billing.Store. Each transaction locks the
// account row with SELECT ... FOR UPDATE, which serialises all ledger
// operations of one user across instances.
type PostgresStore struct {
	db *DB
}

// NewPostgresStore creates the Postgres ledger store
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn in a READ COMMITTED transaction. The transaction commits
// only if fn returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	tx, err := s.db.conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPQError(err))
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPQError(err))
	}
	return nil
}

// GetAccount reads an account without locking it
func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	return getAccount(ctx, s.db.conn, userID, false)
}

// ListEntries returns up to limit entries, newest first
func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	var entries []*models.LedgerEntry
	if err := s.db.conn.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// FindTopUpByPaymentReference returns the non-bonus top-up of a payment
func (s *PostgresStore) FindTopUpByPaymentReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE payment_reference = $1
		  AND operation_type = 'TOPUP'
		  AND NOT COALESCE((metadata->>'bonus')::BOOLEAN, FALSE)
		ORDER BY created_at
		LIMIT 1`

	var entry models.LedgerEntry
	err := s.db.conn.GetContext(ctx, &entry, query, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find top-up: %w", err)
	}
	return &entry, nil
}

// pgTx implements billing.Tx on a sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, userID string, now time.Time) (bool, error) {
	query := `
		INSERT INTO accounts (user_id, balance_micro_cents, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`

	result, err := t.tx.ExecContext(ctx, query, userID, now)
	if err != nil {
		return false, fmt.Errorf("failed to create account: %w", mapPQError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (t *pgTx) LockAccount(ctx context.Context, userID string) (*models.Account, error) {
	return getAccount(ctx, t.tx, userID, true)
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance money.MicroCents, now time.Time) error {
	query := `UPDATE accounts SET balance_micro_cents = $2, updated_at = $3 WHERE user_id = $1`

	result, err := t.tx.ExecContext(ctx, query, userID, balance, now)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", mapPQError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

func (t *pgTx) EntriesByKey(ctx context.Context, keys ...string) ([]*models.LedgerEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE idempotency_key = ANY($1)
		ORDER BY created_at, id`

	var entries []*models.LedgerEntry
	if err := t.tx.SelectContext(ctx, &entries, query, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("failed to look up idempotency keys: %w", mapPQError(err))
	}
	return entries, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (:id, :user_id, :operation_type, :amount_micro_cents, :balance_after_micro_cents,
			:idempotency_key, :reference_entry_id, :payment_reference, :metadata, :created_at)`

	if _, err := t.tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", mapPQError(err))
	}
	return nil
}

func (t *pgTx) FirstEntryOfType(ctx context.Context, userID string, op models.OperationType) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE user_id = $1 AND operation_type = $2
		ORDER BY created_at, id
		LIMIT 1`

	var entry models.LedgerEntry
	err := t.tx.GetContext(ctx, &entry, query, userID, op)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s entry: %w", op, mapPQError(err))
	}
	return &entry, nil
}

func (t *pgTx) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`

	var entry models.LedgerEntry
	err := t.tx.GetContext(ctx, &entry, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", mapPQError(err))
	}
	return &entry, nil
}

func (t *pgTx) ReversedAmount(ctx context.Context, entryID uuid.UUID) (money.MicroCents, error) {
	query := `
		SELECT COALESCE(SUM((metadata->>'requestedMicroCents')::BIGINT), 0)
		FROM ledger_entries
		WHERE reference_entry_id = $1 AND operation_type = 'REFUND'`

	var total int64
	if err := t.tx.GetContext(ctx, &total, query, entryID); err != nil {
		return 0, fmt.Errorf("failed to sum reversals: %w", mapPQError(err))
	}
	return money.MicroCents(total), nil
}

func getAccount(ctx context.Context, q sqlx.QueryerContext, userID string, lock bool) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var account models.Account
	err := sqlx.GetContext(ctx, q, &account, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", mapPQError(err))
	}
	return &account, nil
}
