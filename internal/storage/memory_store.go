package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
)

// MemoryStore implements billing.Store in process memory. One mutex
// serialises every transaction; writes are staged and applied only when fn
// succeeds. Used by tests and single-instance development setups.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	entries  []*models.LedgerEntry
	byKey    map[string]int
	byID     map[uuid.UUID]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.Account),
		byKey:    make(map[string]int),
		byID:     make(map[uuid.UUID]int),
	}
}

// WithTx runs fn with exclusive access to the store
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, accounts: make(map[string]models.Account)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, account := range tx.accounts {
		s.accounts[id] = account
	}
	for _, entry := range tx.entries {
		s.appendEntry(entry)
	}
	return nil
}

// GetAccount reads an account
func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	return &account, nil
}

// ListEntries returns up to limit entries, newest first
func (s *MemoryStore) ListEntries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].UserID == userID {
			out = append(out, copyEntry(s.entries[i]))
		}
	}
	return out, nil
}

// FindTopUpByPaymentReference returns the non-bonus top-up of a payment
func (s *MemoryStore) FindTopUpByPaymentReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Type == models.OperationTopUp && !e.IsBonus() &&
			e.PaymentReference != nil && *e.PaymentReference == reference {
			return copyEntry(e), nil
		}
	}
	return nil, billing.ErrEntryNotFound
}

// AccountCount returns the number of accounts
func (s *MemoryStore) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// EntryCount returns the number of ledger entries
func (s *MemoryStore) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) appendEntry(entry *models.LedgerEntry) {
	s.byKey[entry.IdempotencyKey] = len(s.entries)
	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
}

// memTx stages writes on top of the committed state
type memTx struct {
	store    *MemoryStore
	accounts map[string]models.Account
	entries  []*models.LedgerEntry
}

func (t *memTx) account(userID string) (models.Account, bool) {
	if a, ok := t.accounts[userID]; ok {
		return a, true
	}
	a, ok := t.store.accounts[userID]
	return a, ok
}

func (t *memTx) CreateAccount(ctx context.Context, userID string, now time.Time) (bool, error) {
	if _, ok := t.account(userID); ok {
		return false, nil
	}
	t.accounts[userID] = models.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (t *memTx) LockAccount(ctx context.Context, userID string) (*models.Account, error) {
	a, ok := t.account(userID)
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	return &a, nil
}

func (t *memTx) SetBalance(ctx context.Context, userID string, balance money.MicroCents, now time.Time) error {
	a, ok := t.account(userID)
	if !ok {
		return billing.ErrUserNotFound
	}
	a.BalanceMicroCents = balance
	a.UpdatedAt = now
	t.accounts[userID] = a
	return nil
}

func (t *memTx) EntriesByKey(ctx context.Context, keys ...string) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	for _, key := range keys {
		if e := t.byKey(key); e != nil {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (t *memTx) byKey(key string) *models.LedgerEntry {
	if i, ok := t.store.byKey[key]; ok {
		return t.store.entries[i]
	}
	for _, e := range t.entries {
		if e.IdempotencyKey == key {
			return e
		}
	}
	return nil
}

func (t *memTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if t.byKey(entry.IdempotencyKey) != nil {
		return billing.ErrDuplicateOperation
	}
	t.entries = append(t.entries, copyEntry(entry))
	return nil
}

func (t *memTx) FirstEntryOfType(ctx context.Context, userID string, op models.OperationType) (*models.LedgerEntry, error) {
	for _, e := range t.all() {
		if e.UserID == userID && e.Type == op {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	if i, ok := t.store.byID[id]; ok {
		return copyEntry(t.store.entries[i]), nil
	}
	for _, e := range t.entries {
		if e.ID == id {
			return copyEntry(e), nil
		}
	}
	return nil, billing.ErrEntryNotFound
}

func (t *memTx) ReversedAmount(ctx context.Context, entryID uuid.UUID) (money.MicroCents, error) {
	var total money.MicroCents
	for _, e := range t.all() {
		if e.Type == models.OperationRefund && e.ReferenceEntryID.Valid && e.ReferenceEntryID.UUID == entryID {
			next, err := money.Add(total, e.Metadata.Requested)
			if err != nil {
				return 0, err
			}
			total = next
		}
	}
	return total, nil
}

// all returns committed then staged entries in insertion order
func (t *memTx) all() []*models.LedgerEntry {
	out := make([]*models.LedgerEntry, 0, len(t.store.entries)+len(t.entries))
	out = append(out, t.store.entries...)
	out = append(out, t.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyEntry(e *models.LedgerEntry) *models.LedgerEntry {
	cp := *e
	if e.PaymentReference != nil {
		ref := *e.PaymentReference
		cp.PaymentReference = &ref
	}
	return &cp
}
