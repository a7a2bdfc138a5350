package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/logging"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
	"credit_ledger/internal/storage"
)

type observation struct {
	op      models.OperationType
	outcome string
	amount  money.MicroCents
}

type recordingMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (m *recordingMetrics) ObserveOperation(op models.OperationType, outcome string, amount money.MicroCents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{op, outcome, amount})
}

func (m *recordingMetrics) outcomes(op models.OperationType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, o := range m.obs {
		if o.op == op {
			out = append(out, o.outcome)
		}
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	records []*logging.AuditRecord
}

func (a *recordingAudit) Enqueue(rec *logging.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) Shutdown(ctx context.Context) error { return nil }

type memorySpend struct {
	mu    sync.Mutex
	total map[string]money.MicroCents
}

func (s *memorySpend) AddSpend(ctx context.Context, userID string, at time.Time, amount money.MicroCents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total[userID+at.Format("2006-01")] += amount
	return nil
}

func (s *memorySpend) Spend(ctx context.Context, userID string, at time.Time) (money.MicroCents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total[userID+at.Format("2006-01")], nil
}

type fixture struct {
	svc     *billing.Service
	store   *storage.MemoryStore
	metrics *recordingMetrics
	audit   *recordingAudit
	spend   *memorySpend
	now     time.Time
}

// gpt-4o costs $0.00002 per token plus a 5% fee
func newFixture(t *testing.T) *fixture {
	t.Helper()

	prices, err := pricing.NewStaticTable(
		pricing.Price{ModelID: "gpt-4o", PerToken: 2_000, FeeBasisPoints: 500},
		pricing.Price{ModelID: "big-model", PerToken: money.Cents(1), FeeBasisPoints: 0},
	)
	require.NoError(t, err)

	f := &fixture{
		store:   storage.NewMemoryStore(),
		metrics: &recordingMetrics{},
		audit:   &recordingAudit{},
		spend:   &memorySpend{total: make(map[string]money.MicroCents)},
		now:     time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}

	opts := billing.DefaultOptions()
	opts.Now = func() time.Time {
		f.now = f.now.Add(time.Millisecond)
		return f.now
	}
	opts.Metrics = f.metrics
	opts.Audit = f.audit
	opts.Spend = f.spend
	f.svc = billing.NewService(f.store, prices, opts)
	return f
}

func (f *fixture) signup(t *testing.T, userID string) {
	t.Helper()
	_, err := f.svc.GrantSignupCredit(context.Background(), userID, "")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) money.MicroCents {
	t.Helper()
	account, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return account.BalanceMicroCents
}

func TestService_EndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	signup, err := f.svc.GrantSignupCredit(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(2), signup.Balance)
	assert.Equal(t, "signup-alice", signup.Entry.IdempotencyKey)

	topUp, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{
		UserID: "alice", Amount: money.Dollars(25), Key: "evt_1",
		PaymentProvider: "stripe", PaymentReference: "pi_1",
	})
	require.NoError(t, err)
	require.NotNil(t, topUp.BonusEntry)
	assert.Equal(t, money.Dollars(5), topUp.BonusEntry.AmountMicroCents)
	assert.Equal(t, "evt_1:bonus", topUp.BonusEntry.IdempotencyKey)
	assert.True(t, topUp.BonusEntry.Metadata.Bonus)
	assert.Equal(t, money.Dollars(32), topUp.Balance)

	charge, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
		UserID: "alice", Model: "gpt-4o", ProviderCallID: "call_1", TokensUsed: 1000,
	})
	require.NoError(t, err)
	assert.True(t, charge.Charged)
	assert.Equal(t, money.Cents(2), charge.ProviderCost)
	assert.Equal(t, money.MicroCents(100_000), charge.Fee)
	assert.Equal(t, money.MicroCents(2_100_000), charge.Total)
	assert.Equal(t, money.MicroCents(3_197_900_000), charge.Balance)
	assert.Equal(t, "31.979", money.ToDollars(charge.Balance).String())

	assert.Equal(t, charge.Balance, f.balance(t, "alice"))

	entries, err := f.svc.Entries(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, models.OperationUsageCharge, entries[0].Type)
	assert.Equal(t, models.OperationSignupCredit, entries[3].Type)

	// ledger sums to the balance
	var sum money.MicroCents
	for _, e := range entries {
		sum += e.AmountMicroCents
	}
	assert.Equal(t, charge.Balance, sum)

	assert.Len(t, f.audit.records, 4)
	spend, err := f.svc.MonthlySpend(ctx, "alice", f.now)
	require.NoError(t, err)
	assert.Equal(t, money.MicroCents(2_100_000), spend)
}

func TestService_GrantSignupCreditIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.GrantSignupCredit(ctx, "bob", "")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.svc.GrantSignupCredit(ctx, "bob", "")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	// a different key still cannot grant twice
	third, err := f.svc.GrantSignupCredit(ctx, "bob", "other-key")
	require.NoError(t, err)
	assert.True(t, third.Duplicate)

	assert.Equal(t, money.Dollars(2), f.balance(t, "bob"))
	assert.Equal(t, 1, f.store.EntryCount())
	assert.Equal(t, []string{billing.OutcomeApplied, billing.OutcomeDuplicate, billing.OutcomeDuplicate},
		f.metrics.outcomes(models.OperationSignupCredit))
}

func TestService_SignupReplayReportsOriginalBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "bea")

	_, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "bea", Amount: money.Dollars(10), Key: "evt_bea"})
	require.NoError(t, err)
	require.Equal(t, money.Dollars(14), f.balance(t, "bea"))

	for _, key := range []string{"", "another-signup-key"} {
		res, err := f.svc.GrantSignupCredit(ctx, "bea", key)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, money.Dollars(2), res.Balance)
	}
	assert.Equal(t, money.Dollars(14), f.balance(t, "bea"))
}

func TestService_ConcurrentSignup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GrantSignupCredit(ctx, "carol", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.AccountCount())
	assert.Equal(t, 1, f.store.EntryCount())
	assert.Equal(t, money.Dollars(2), f.balance(t, "carol"))
}

func TestService_TopUpBonus(t *testing.T) {
	tests := []struct {
		name      string
		amount    money.MicroCents
		wantBonus money.MicroCents
	}{
		{name: "twenty percent", amount: money.Dollars(10), wantBonus: money.Dollars(2)},
		{name: "capped at five dollars", amount: money.Dollars(100), wantBonus: money.Dollars(5)},
		{name: "rounds down", amount: money.MicroCents(7), wantBonus: money.MicroCents(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.signup(t, "dave")

			res, err := f.svc.ApplyTopUp(context.Background(), billing.TopUpRequest{
				UserID: "dave", Amount: tt.amount, Key: "evt_" + tt.name,
			})
			require.NoError(t, err)
			require.NotNil(t, res.BonusEntry)
			assert.Equal(t, tt.wantBonus, res.BonusEntry.AmountMicroCents)
			assert.Equal(t, money.Dollars(2)+tt.amount+tt.wantBonus, res.Balance)
		})
	}
}

func TestService_BonusOnlyOnFirstTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "erin")

	_, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "erin", Amount: money.Dollars(10), Key: "evt_1"})
	require.NoError(t, err)

	second, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "erin", Amount: money.Dollars(10), Key: "evt_2"})
	require.NoError(t, err)
	assert.Nil(t, second.BonusEntry)
	assert.Equal(t, money.Dollars(24), second.Balance)
}

func TestService_TopUpReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "frank")

	req := billing.TopUpRequest{UserID: "frank", Amount: money.Dollars(10), PaymentProvider: "stripe", PaymentReference: "pi_9"}
	first, err := f.svc.ApplyTopUp(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "topup:stripe:pi_9", first.Entry.IdempotencyKey)

	// a later charge moves the balance; the replay still reports the original result
	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "frank", Model: "gpt-4o", ProviderCallID: "c", TokensUsed: 10})
	require.NoError(t, err)

	replay, err := f.svc.ApplyTopUp(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Entry.ID, replay.Entry.ID)
	require.NotNil(t, replay.BonusEntry)
	assert.Equal(t, first.BonusEntry.ID, replay.BonusEntry.ID)
	assert.Equal(t, first.Balance, replay.Balance)
}

func TestService_KeyReuseAcrossOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "gina")
	f.signup(t, "hank")

	_, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "gina", Amount: money.Dollars(1), Key: "shared"})
	require.NoError(t, err)

	_, err = f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "hank", Amount: money.Dollars(1), Key: "shared"})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "gina", Model: "gpt-4o", TokensUsed: 1, Key: "shared"})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	assert.Equal(t, money.Dollars(2), f.balance(t, "hank"))
}

func TestService_TopUpValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "ivan")

	tests := []struct {
		name  string
		req   billing.TopUpRequest
		field string
	}{
		{name: "zero amount", req: billing.TopUpRequest{UserID: "ivan", Amount: 0, Key: "k"}, field: "amount"},
		{name: "negative amount", req: billing.TopUpRequest{UserID: "ivan", Amount: -1, Key: "k"}, field: "amount"},
		{name: "over ceiling", req: billing.TopUpRequest{UserID: "ivan", Amount: money.MaxTopUp + 1, Key: "k"}, field: "amount"},
		{name: "missing key", req: billing.TopUpRequest{UserID: "ivan", Amount: 1}, field: "idempotencyKey"},
		{name: "missing user", req: billing.TopUpRequest{Amount: 1, Key: "k"}, field: "userId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ApplyTopUp(ctx, tt.req)
			require.ErrorIs(t, err, billing.ErrInvalidInput)

			var invalid *money.InvalidInputError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.field, invalid.Field)
		})
	}

	assert.Equal(t, money.Dollars(2), f.balance(t, "ivan"))
}

func TestService_TopUpUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApplyTopUp(context.Background(), billing.TopUpRequest{UserID: "nobody", Amount: 1, Key: "k"})
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
	assert.Equal(t, []string{billing.OutcomeRejected}, f.metrics.outcomes(models.OperationTopUp))
}

func TestService_UsageChargeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "judy")

	// 300 tokens at one cent is $3.00, more than the $2.00 signup credit
	res, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
		UserID: "judy", Model: "big-model", ProviderCallID: "call_1", TokensUsed: 300,
	})
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Nil(t, res.Entry)
	assert.Equal(t, money.Dollars(3), res.Total)
	assert.Equal(t, money.Dollars(2), res.Balance)

	assert.Equal(t, money.Dollars(2), f.balance(t, "judy"))
	assert.Equal(t, 1, f.store.EntryCount())
	assert.Equal(t, []string{billing.OutcomeInsufficientFunds}, f.metrics.outcomes(models.OperationUsageCharge))

	// the same call may be retried once funds arrive
	_, err = f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "judy", Amount: money.Dollars(5), Key: "evt"})
	require.NoError(t, err)
	res, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
		UserID: "judy", Model: "big-model", ProviderCallID: "call_1", TokensUsed: 300,
	})
	require.NoError(t, err)
	assert.True(t, res.Charged)
}

func TestService_UsageChargeExactBalance(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "kate")

	res, err := f.svc.FinalizeUsageCharge(context.Background(), billing.UsageChargeRequest{
		UserID: "kate", Model: "big-model", ProviderCallID: "all", TokensUsed: 200,
	})
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, money.MicroCents(0), res.Balance)
}

func TestService_UsageChargeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "leo")

	_, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "leo", Model: "unpriced", ProviderCallID: "c", TokensUsed: 1})
	assert.ErrorIs(t, err, billing.ErrUnknownModel)

	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "leo", Model: "gpt-4o", ProviderCallID: "c", TokensUsed: 0})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "leo", Model: "gpt-4o", ProviderCallID: "c", TokensUsed: money.MaxTokensPerCall + 1})
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{UserID: "ghost", Model: "gpt-4o", ProviderCallID: "c", TokensUsed: 1})
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	assert.Equal(t, money.Dollars(2), f.balance(t, "leo"))
}

func TestService_ConcurrentUsageChargeSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "mia")

	var wg sync.WaitGroup
	results := make([]*billing.UsageCharge, 25)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
				UserID: "mia", Model: "gpt-4o", ProviderCallID: "call_once", TokensUsed: 1000,
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.True(t, res.Charged)
		if !res.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, money.Dollars(2)-2_100_000, f.balance(t, "mia"))
}

func TestService_UsageChargeReplayAfterBalanceChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "max")

	req := billing.UsageChargeRequest{UserID: "max", Model: "gpt-4o", ProviderCallID: "call_replay", TokensUsed: 1000}
	first, err := f.svc.FinalizeUsageCharge(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Charged)
	require.False(t, first.Duplicate)

	_, err = f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "max", Amount: money.Dollars(10), Key: "evt_max"})
	require.NoError(t, err)
	after := f.balance(t, "max")
	require.NotEqual(t, first.Balance, after)

	replay, err := f.svc.FinalizeUsageCharge(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.True(t, replay.Charged)
	assert.Equal(t, first.Entry.ID, replay.Entry.ID)
	assert.Equal(t, first.Total, replay.Total)
	assert.Equal(t, first.Balance, replay.Balance)
	assert.Equal(t, after, f.balance(t, "max"))
}

func TestService_ConcurrentChargesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "ned")

	// each charge is $0.50; only four fit in $2.00
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
				UserID: "ned", Model: "big-model", ProviderCallID: fmt.Sprintf("call_%d", i), TokensUsed: 50,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, money.MicroCents(0), f.balance(t, "ned"))
	assert.Equal(t, 5, f.store.EntryCount())
}

func TestService_Refund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "olga")

	topUp, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{
		UserID: "olga", Amount: money.Dollars(10), Key: "evt_1", PaymentProvider: "stripe", PaymentReference: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(14), topUp.Balance)

	partial, err := f.svc.Refund(ctx, billing.RefundRequest{
		UserID: "olga", OriginalEntryID: topUp.Entry.ID, Amount: money.Dollars(4), Key: "re_1", Reason: "requested_by_customer",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(4), partial.Reversed)
	assert.Equal(t, money.MicroCents(0), partial.Shortfall)
	assert.Equal(t, money.Dollars(10), partial.Balance)
	assert.Equal(t, -money.Dollars(4), partial.Entry.AmountMicroCents)
	assert.Equal(t, topUp.Entry.ID, partial.Entry.ReferenceEntryID.UUID)
	require.NotNil(t, partial.Entry.PaymentReference)
	assert.Equal(t, "pi_1", *partial.Entry.PaymentReference)

	// cumulative refunds never exceed the original top-up
	rest, err := f.svc.Refund(ctx, billing.RefundRequest{
		UserID: "olga", OriginalEntryID: topUp.Entry.ID, Amount: money.Dollars(100), Key: "re_2",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(6), rest.Reversed)
	assert.Equal(t, money.Dollars(4), rest.Balance)

	// nothing left to reverse still records the request
	none, err := f.svc.Refund(ctx, billing.RefundRequest{
		UserID: "olga", OriginalEntryID: topUp.Entry.ID, Amount: money.Dollars(1), Key: "re_3",
	})
	require.NoError(t, err)
	assert.Equal(t, money.MicroCents(0), none.Reversed)
	assert.Equal(t, money.MicroCents(0), none.Entry.AmountMicroCents)
	assert.Equal(t, money.Dollars(4), none.Balance)

	replay, err := f.svc.Refund(ctx, billing.RefundRequest{
		UserID: "olga", OriginalEntryID: topUp.Entry.ID, Amount: money.Dollars(4), Key: "re_1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, partial.Entry.ID, replay.Entry.ID)
	assert.Equal(t, money.Dollars(4), f.balance(t, "olga"))
}

func TestService_RefundShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "pete")

	topUp, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "pete", Amount: money.Dollars(10), Key: "evt_1"})
	require.NoError(t, err)

	// spend $13.50 of the $14.00 balance
	_, err = f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
		UserID: "pete", Model: "big-model", ProviderCallID: "c", TokensUsed: 1350,
	})
	require.NoError(t, err)

	res, err := f.svc.Refund(ctx, billing.RefundRequest{
		UserID: "pete", OriginalEntryID: topUp.Entry.ID, Amount: money.Dollars(10), Key: "re_1",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(10), res.Reversed)
	assert.Equal(t, money.Cents(950), res.Shortfall)
	assert.Equal(t, -money.Cents(50), res.Entry.AmountMicroCents)
	assert.Equal(t, money.MicroCents(0), res.Balance)
	assert.Equal(t, money.Cents(950), res.Entry.Metadata.Shortfall)
}

func TestService_RefundRejectsNonTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	signup, err := f.svc.GrantSignupCredit(ctx, "quinn", "")
	require.NoError(t, err)
	f.signup(t, "rita")
	topUp, err := f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "rita", Amount: money.Dollars(10), Key: "evt_r"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		userID   string
		original uuid.UUID
		want     error
	}{
		{name: "signup credit", userID: "quinn", original: signup.Entry.ID, want: billing.ErrInvalidInput},
		{name: "bonus entry", userID: "rita", original: topUp.BonusEntry.ID, want: billing.ErrInvalidInput},
		{name: "other user's top-up", userID: "quinn", original: topUp.Entry.ID, want: billing.ErrInvalidInput},
		{name: "unknown entry", userID: "quinn", original: uuid.New(), want: billing.ErrEntryNotFound},
		{name: "missing entry id", userID: "quinn", original: uuid.Nil, want: billing.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Refund(ctx, billing.RefundRequest{
				UserID: tt.userID, OriginalEntryID: tt.original, Amount: money.Dollars(1), Key: "re_" + tt.name,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestService_EntriesAndLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Entries(ctx, "nobody", 10)
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	f.signup(t, "sam")
	for i := 0; i < 3; i++ {
		_, err := f.svc.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
			UserID: "sam", Model: "gpt-4o", ProviderCallID: fmt.Sprintf("c%d", i), TokensUsed: 1,
		})
		require.NoError(t, err)
	}

	entries, err := f.svc.Entries(ctx, "sam", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = f.svc.ApplyTopUp(ctx, billing.TopUpRequest{UserID: "sam", Amount: money.Dollars(1), Key: "evt", PaymentReference: "pi_sam"})
	require.NoError(t, err)

	found, err := f.svc.TopUpByPaymentReference(ctx, "pi_sam")
	require.NoError(t, err)
	assert.False(t, found.IsBonus())
	assert.Equal(t, money.Dollars(1), found.AmountMicroCents)

	_, err = f.svc.TopUpByPaymentReference(ctx, "")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

// racingStore simulates losing an insert race: the first transaction
// commits, then reports the duplicate a concurrent winner would cause.
type racingStore struct {
	*storage.MemoryStore
	raced bool
}

func (s *racingStore) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if !s.raced {
		s.raced = true
		if err := s.MemoryStore.WithTx(ctx, fn); err != nil {
			return err
		}
		return billing.ErrDuplicateOperation
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestService_ReplaysAfterLosingRace(t *testing.T) {
	prices, err := pricing.NewStaticTable()
	require.NoError(t, err)

	store := &racingStore{MemoryStore: storage.NewMemoryStore()}
	svc := billing.NewService(store, prices, billing.Options{})

	res, err := svc.GrantSignupCredit(context.Background(), "tina", "")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, money.Dollars(2), res.Balance)
	assert.Equal(t, 1, store.EntryCount())
}
