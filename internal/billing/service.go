package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/logging"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
	"credit_ledger/internal/utils"
)

// Operation outcomes reported to the metrics sink.
const (
	OutcomeApplied           = "applied"
	OutcomeDuplicate         = "duplicate"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeRejected          = "rejected"
	OutcomeFailed            = "failed"
)

// Entry listing bounds.
const (
	DefaultEntryLimit = 50
	MaxEntryLimit     = 500
)

// MetricsSink observes ledger operations.
type MetricsSink interface {
	ObserveOperation(op models.OperationType, outcome string, amount money.MicroCents)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(models.OperationType, string, money.MicroCents) {}

// Options configures a Service. Zero values fall back to DefaultOptions.
type Options struct {
	SignupCredit money.MicroCents
	BonusPercent int64
	BonusCap     money.MicroCents
	Now          func() time.Time

	Metrics MetricsSink
	Audit   logging.Sink
	Spend   SpendTracker
	Logger  *utils.Logger
}

// DefaultOptions grants $2.00 at signup and a 20% first top-up bonus capped
// at $5.00.
func DefaultOptions() Options {
	return Options{
		SignupCredit: money.Dollars(2),
		BonusPercent: 20,
		BonusCap:     money.Dollars(5),
		Now:          time.Now,
	}
}

// Service implements the ledger operations. It is safe for concurrent use;
// per-account serialisation is the store's job.
type Service struct {
	store  Store
	prices pricing.Table
	opts   Options
	logger *utils.Logger
}

// NewService creates a ledger service.
func NewService(store Store, prices pricing.Table, opts Options) *Service {
	defaults := DefaultOptions()
	if opts.SignupCredit == 0 {
		opts.SignupCredit = defaults.SignupCredit
	}
	if opts.BonusPercent == 0 {
		opts.BonusPercent = defaults.BonusPercent
	}
	if opts.BonusCap == 0 {
		opts.BonusCap = defaults.BonusCap
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Audit == nil {
		opts.Audit = logging.NewNoopSink()
	}
	if opts.Spend == nil {
		opts.Spend = NoopSpendTracker{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewLogger("billing")
	}

	return &Service{
		store:  store,
		prices: prices,
		opts:   opts,
		logger: opts.Logger,
	}
}

// SignupResult is the outcome of GrantSignupCredit.
type SignupResult struct {
	Entry     *models.LedgerEntry
	Balance   money.MicroCents
	Duplicate bool
}

// GrantSignupCredit creates the user's account, if needed, and credits the
// signup grant once. key defaults to SignupKey(userID).
func (s *Service) GrantSignupCredit(ctx context.Context, userID, key string) (*SignupResult, error) {
	const op = models.OperationSignupCredit

	if err := money.ValidateRequired("userId", userID); err != nil {
		return nil, s.reject(op, err)
	}
	if key == "" {
		key = SignupKey(userID)
	}
	if err := money.ValidateIdempotencyKey(key); err != nil {
		return nil, s.reject(op, err)
	}

	var res *SignupResult
	var created []*models.LedgerEntry

	err := s.withTx(ctx, func(tx Tx) error {
		res, created = nil, nil
		now := s.now()

		if _, err := tx.CreateAccount(ctx, userID, now); err != nil {
			return err
		}
		account, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		existing, err := tx.EntriesByKey(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			entry, err := matchReplay(existing[0], userID, op)
			if err != nil {
				return err
			}
			res = &SignupResult{Entry: entry, Balance: entry.BalanceAfterMicroCents, Duplicate: true}
			return nil
		}

		// One grant per user, whatever key the caller used.
		prior, err := tx.FirstEntryOfType(ctx, userID, op)
		if err != nil {
			return err
		}
		if prior != nil {
			res = &SignupResult{Entry: prior, Balance: prior.BalanceAfterMicroCents, Duplicate: true}
			return nil
		}

		if err := applyDelta(ctx, tx, account, s.opts.SignupCredit, nil, now); err != nil {
			return err
		}
		entry := newEntry(userID, op, s.opts.SignupCredit, account.BalanceMicroCents, key, now)
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		created = []*models.LedgerEntry{entry}
		res = &SignupResult{Entry: entry, Balance: account.BalanceMicroCents}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.afterCommit(ctx, op, res.Duplicate, created)
	return res, nil
}

// TopUpRequest credits a payment to an existing account.
type TopUpRequest struct {
	UserID           string
	Amount           money.MicroCents
	Key              string
	PaymentProvider  string
	PaymentReference string
}

// TopUpResult is the outcome of ApplyTopUp. BonusEntry is set only on the
// user's first top-up.
type TopUpResult struct {
	Entry      *models.LedgerEntry
	BonusEntry *models.LedgerEntry
	Balance    money.MicroCents
	Duplicate  bool
}

// ApplyTopUp credits a top-up. The user's first top-up also earns a bonus,
// recorded as a second TOPUP entry in the same transaction.
func (s *Service) ApplyTopUp(ctx context.Context, req TopUpRequest) (*TopUpResult, error) {
	const op = models.OperationTopUp

	if err := money.ValidateRequired("userId", req.UserID); err != nil {
		return nil, s.reject(op, err)
	}
	if err := money.ValidateTopUpAmount(req.Amount); err != nil {
		return nil, s.reject(op, err)
	}
	key := req.Key
	if key == "" && req.PaymentReference != "" {
		key = PaymentReferenceKey(req.PaymentProvider, req.PaymentReference)
	}
	if err := money.ValidateIdempotencyKey(key); err != nil {
		return nil, s.reject(op, err)
	}

	var res *TopUpResult
	var created []*models.LedgerEntry

	err := s.withTx(ctx, func(tx Tx) error {
		res, created = nil, nil
		now := s.now()

		account, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}

		existing, err := tx.EntriesByKey(ctx, key, bonusKey(key))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			res = &TopUpResult{Balance: account.BalanceMicroCents, Duplicate: true}
			for _, e := range existing {
				entry, err := matchReplay(e, req.UserID, op)
				if err != nil {
					return err
				}
				if entry.IdempotencyKey == key {
					res.Entry = entry
				} else {
					res.BonusEntry = entry
				}
			}
			if res.Entry == nil {
				return money.Invalid("idempotencyKey", "already used for a different operation")
			}
			res.Balance = res.Entry.BalanceAfterMicroCents
			if res.BonusEntry != nil {
				res.Balance = res.BonusEntry.BalanceAfterMicroCents
			}
			return nil
		}

		prior, err := tx.FirstEntryOfType(ctx, req.UserID, op)
		if err != nil {
			return err
		}

		if err := applyDelta(ctx, tx, account, req.Amount, nil, now); err != nil {
			return err
		}
		entry := newEntry(req.UserID, op, req.Amount, account.BalanceMicroCents, key, now)
		entry.Metadata.PaymentProvider = req.PaymentProvider
		if req.PaymentReference != "" {
			ref := req.PaymentReference
			entry.PaymentReference = &ref
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		res = &TopUpResult{Entry: entry}
		created = append(created, entry)

		if prior == nil {
			bonus, err := s.bonusFor(req.Amount)
			if err != nil {
				return err
			}
			if bonus > 0 {
				if err := applyDelta(ctx, tx, account, bonus, nil, now); err != nil {
					return err
				}
				bonusEntry := newEntry(req.UserID, op, bonus, account.BalanceMicroCents, bonusKey(key), now)
				bonusEntry.Metadata.Bonus = true
				bonusEntry.Metadata.PaymentProvider = req.PaymentProvider
				if err := tx.InsertEntry(ctx, bonusEntry); err != nil {
					return err
				}
				res.BonusEntry = bonusEntry
				created = append(created, bonusEntry)
			}
		}

		res.Balance = account.BalanceMicroCents
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	s.afterCommit(ctx, op, res.Duplicate, created)
	return res, nil
}

// bonusFor is min(amount * BonusPercent / 100, BonusCap), rounded down.
func (s *Service) bonusFor(amount money.MicroCents) (money.MicroCents, error) {
	bonus, err := money.MulDivFloor(amount, s.opts.BonusPercent, 100)
	if err != nil {
		return 0, err
	}
	return money.Min(bonus, s.opts.BonusCap), nil
}

// UsageChargeRequest debits metered model usage.
type UsageChargeRequest struct {
	UserID         string
	Model          string
	ProviderCallID string
	TokensUsed     int64
	Key            string
}

// UsageCharge is the outcome of FinalizeUsageCharge. When Charged is false
// the balance could not cover Total and nothing was recorded.
type UsageCharge struct {
	Charged      bool
	ProviderCost money.MicroCents
	Fee          money.MicroCents
	Total        money.MicroCents
	Balance      money.MicroCents
	Entry        *models.LedgerEntry
	Duplicate    bool
}

// FinalizeUsageCharge prices a model call and debits it. Insufficient funds
// is a normal outcome (Charged=false), not an error.
func (s *Service) FinalizeUsageCharge(ctx context.Context, req UsageChargeRequest) (*UsageCharge, error) {
	const op = models.OperationUsageCharge

	if err := money.ValidateRequired("userId", req.UserID); err != nil {
		return nil, s.reject(op, err)
	}
	model := pricing.NormalizeModelID(req.Model)
	if err := money.ValidateRequired("model", model); err != nil {
		return nil, s.reject(op, err)
	}
	if err := money.ValidateTokens(req.TokensUsed); err != nil {
		return nil, s.reject(op, err)
	}
	key := req.Key
	if key == "" && req.ProviderCallID != "" {
		key = ProviderCallKey(req.UserID, req.ProviderCallID)
	}
	if err := money.ValidateIdempotencyKey(key); err != nil {
		return nil, s.reject(op, err)
	}

	price, err := s.prices.PriceFor(ctx, model)
	if err != nil {
		if errors.Is(err, ErrUnknownModel) {
			return nil, s.reject(op, err)
		}
		return nil, s.fail(op, err)
	}
	quote, err := pricing.Compute(price, req.TokensUsed)
	if err != nil {
		return nil, s.fail(op, err)
	}

	var res *UsageCharge
	var created []*models.LedgerEntry

	err = s.withTx(ctx, func(tx Tx) error {
		res, created = nil, nil
		now := s.now()

		account, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}

		existing, err := tx.EntriesByKey(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			entry, err := matchReplay(existing[0], req.UserID, op)
			if err != nil {
				return err
			}
			res = &UsageCharge{
				Charged:      true,
				ProviderCost: entry.Metadata.ProviderCost,
				Fee:          entry.Metadata.Fee,
				Total:        -entry.AmountMicroCents,
				Balance:      entry.BalanceAfterMicroCents,
				Entry:        entry,
				Duplicate:    true,
			}
			return nil
		}

		res = &UsageCharge{
			ProviderCost: quote.ProviderCost,
			Fee:          quote.Fee,
			Total:        quote.Total,
			Balance:      account.BalanceMicroCents,
		}

		err = applyDelta(ctx, tx, account, -quote.Total, NonNegative, now)
		if errors.Is(err, ErrInsufficientFunds) {
			return nil
		}
		if err != nil {
			return err
		}

		entry := newEntry(req.UserID, op, -quote.Total, account.BalanceMicroCents, key, now)
		entry.Metadata = models.EntryMetadata{
			Model:          model,
			ProviderCallID: req.ProviderCallID,
			TokensUsed:     req.TokensUsed,
			PricePerToken:  price.PerToken,
			FeeBasisPoints: price.FeeBasisPoints,
			ProviderCost:   quote.ProviderCost,
			Fee:            quote.Fee,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		res.Charged = true
		res.Balance = account.BalanceMicroCents
		res.Entry = entry
		created = []*models.LedgerEntry{entry}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	if !res.Charged {
		s.opts.Metrics.ObserveOperation(op, OutcomeInsufficientFunds, 0)
		s.logger.Info("Usage charge declined for insufficient funds",
			"user_id", req.UserID, "model", model, "total", res.Total, "balance", res.Balance)
		return res, nil
	}

	s.afterCommit(ctx, op, res.Duplicate, created)
	return res, nil
}

// RefundRequest reverses part or all of a top-up.
type RefundRequest struct {
	UserID          string
	OriginalEntryID uuid.UUID
	Amount          money.MicroCents
	Key             string
	Reason          string
	PaymentProvider string
}

// RefundResult is the outcome of Refund. Reversed is the amount counted
// against the original top-up; Shortfall is the part of it the balance
// could not cover.
type RefundResult struct {
	Entry     *models.LedgerEntry
	Reversed  money.MicroCents
	Shortfall money.MicroCents
	Balance   money.MicroCents
	Duplicate bool
}

// Refund reverses a top-up. The reversal is capped at what remains of the
// original, and the debit at the current balance.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	const op = models.OperationRefund

	if err := money.ValidateRequired("userId", req.UserID); err != nil {
		return nil, s.reject(op, err)
	}
	if req.OriginalEntryID == uuid.Nil {
		return nil, s.reject(op, money.Invalid("originalEntryId", "is required"))
	}
	if err := money.ValidateTopUpAmount(req.Amount); err != nil {
		return nil, s.reject(op, err)
	}
	if err := money.ValidateIdempotencyKey(req.Key); err != nil {
		return nil, s.reject(op, err)
	}

	var res *RefundResult
	var created []*models.LedgerEntry

	err := s.withTx(ctx, func(tx Tx) error {
		res, created = nil, nil
		now := s.now()

		account, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}

		existing, err := tx.EntriesByKey(ctx, req.Key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			entry, err := matchReplay(existing[0], req.UserID, op)
			if err != nil {
				return err
			}
			res = &RefundResult{
				Entry:     entry,
				Reversed:  entry.Metadata.Requested,
				Shortfall: entry.Metadata.Shortfall,
				Balance:   entry.BalanceAfterMicroCents,
				Duplicate: true,
			}
			return nil
		}

		original, err := tx.GetEntry(ctx, req.OriginalEntryID)
		if err != nil {
			return err
		}
		if original.UserID != req.UserID || original.Type != models.OperationTopUp || original.IsBonus() {
			return money.Invalid("originalEntryId", "is not a top-up of this user")
		}

		already, err := tx.ReversedAmount(ctx, original.ID)
		if err != nil {
			return err
		}
		remaining, err := money.Sub(original.AmountMicroCents, already)
		if err != nil {
			return err
		}
		reversal := money.Min(req.Amount, remaining)
		if reversal < 0 {
			reversal = 0
		}
		debit := money.Min(reversal, account.BalanceMicroCents)
		shortfall := reversal - debit

		if err := applyDelta(ctx, tx, account, -debit, NonNegative, now); err != nil {
			return err
		}

		entry := newEntry(req.UserID, op, -debit, account.BalanceMicroCents, req.Key, now)
		entry.ReferenceEntryID = uuid.NullUUID{UUID: original.ID, Valid: true}
		entry.PaymentReference = original.PaymentReference
		entry.Metadata = models.EntryMetadata{
			PaymentProvider: req.PaymentProvider,
			Reason:          req.Reason,
			Requested:       reversal,
			Shortfall:       shortfall,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		res = &RefundResult{
			Entry:     entry,
			Reversed:  reversal,
			Shortfall: shortfall,
			Balance:   account.BalanceMicroCents,
		}
		created = []*models.LedgerEntry{entry}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	if res.Shortfall > 0 {
		s.logger.Warn("Refund exceeded balance",
			"user_id", req.UserID, "original_entry_id", req.OriginalEntryID, "shortfall", res.Shortfall)
	}
	s.afterCommit(ctx, op, res.Duplicate, created)
	return res, nil
}

// Balance returns the user's account.
func (s *Service) Balance(ctx context.Context, userID string) (*models.Account, error) {
	if err := money.ValidateRequired("userId", userID); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, userID)
}

// Entries lists the user's ledger entries, newest first.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	if err := money.ValidateRequired("userId", userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultEntryLimit
	}
	if limit > MaxEntryLimit {
		limit = MaxEntryLimit
	}
	if _, err := s.store.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, userID, limit)
}

// TopUpByPaymentReference finds the top-up a refund or dispute refers to.
func (s *Service) TopUpByPaymentReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	if err := money.ValidateRequired("paymentReference", reference); err != nil {
		return nil, err
	}
	return s.store.FindTopUpByPaymentReference(ctx, reference)
}

// MonthlySpend returns what the user was charged for usage in the month
// containing at, as tracked by the spend tracker.
func (s *Service) MonthlySpend(ctx context.Context, userID string, at time.Time) (money.MicroCents, error) {
	return s.opts.Spend.Spend(ctx, userID, at)
}

// withTx runs fn once. A concurrent insert of the same key surfaces as
// ErrDuplicateOperation; fn then runs a second time, finds the committed
// entries and replays them.
func (s *Service) withTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.store.WithTx(ctx, fn)
	if errors.Is(err, ErrDuplicateOperation) {
		err = s.store.WithTx(ctx, fn)
	}
	return err
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Service) reject(op models.OperationType, err error) error {
	s.opts.Metrics.ObserveOperation(op, OutcomeRejected, 0)
	return err
}

func (s *Service) fail(op models.OperationType, err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrUnknownModel):
		return s.reject(op, err)
	}
	s.opts.Metrics.ObserveOperation(op, OutcomeFailed, 0)
	s.logger.Error("Ledger operation failed", "operation", op, "error", err)
	return err
}

// afterCommit reports metrics, exports audit records and tracks spend. None
// of it can affect the committed result.
func (s *Service) afterCommit(ctx context.Context, op models.OperationType, duplicate bool, created []*models.LedgerEntry) {
	if duplicate {
		s.opts.Metrics.ObserveOperation(op, OutcomeDuplicate, 0)
		return
	}

	for _, entry := range created {
		s.opts.Metrics.ObserveOperation(entry.Type, OutcomeApplied, entry.AmountMicroCents)

		if err := s.opts.Audit.Enqueue(logging.RecordFromEntry(entry)); err != nil {
			s.logger.Warn("Failed to enqueue audit record", "entry_id", entry.ID, "error", err)
		}

		if entry.Type == models.OperationUsageCharge {
			if err := s.opts.Spend.AddSpend(ctx, entry.UserID, entry.CreatedAt, -entry.AmountMicroCents); err != nil {
				s.logger.Warn("Failed to track spend", "user_id", entry.UserID, "error", err)
			}
		}
	}
}

func newEntry(userID string, op models.OperationType, amount, balanceAfter money.MicroCents, key string, now time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:                     uuid.New(),
		UserID:                 userID,
		Type:                   op,
		AmountMicroCents:       amount,
		BalanceAfterMicroCents: balanceAfter,
		IdempotencyKey:         key,
		CreatedAt:              now,
	}
}

// matchReplay checks that a recorded entry belongs to the same user and
// operation as the request replaying its key.
func matchReplay(entry *models.LedgerEntry, userID string, op models.OperationType) (*models.LedgerEntry, error) {
	if entry.UserID != userID || entry.Type != op {
		return nil, money.Invalid("idempotencyKey", "already used for a different operation")
	}
	return entry, nil
}
