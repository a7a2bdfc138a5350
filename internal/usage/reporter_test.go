package usage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
	"credit_ledger/internal/storage"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []*models.RawUsageEvent
	err    error
}

func (q *recordingQueue) Enqueue(ctx context.Context, event *models.RawUsageEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

type countingObserver struct {
	counts map[string]int
}

func (o *countingObserver) ObserveUsage(outcome string) {
	o.counts[outcome]++
}

type fixture struct {
	svc      *billing.Service
	queue    *recordingQueue
	observer *countingObserver
	reporter *Reporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prices, err := pricing.NewStaticTable(pricing.Price{ModelID: "gpt-4o", PerToken: 2_000, FeeBasisPoints: 500})
	require.NoError(t, err)

	f := &fixture{
		svc:      billing.NewService(storage.NewMemoryStore(), prices, billing.DefaultOptions()),
		queue:    &recordingQueue{},
		observer: &countingObserver{counts: make(map[string]int)},
	}
	f.reporter = NewReporter(f.svc, f.queue, f.observer)

	_, err = f.svc.GrantSignupCredit(context.Background(), "user-1", "")
	require.NoError(t, err)
	return f
}

func sampleReport() Report {
	return Report{
		ThreadID:     "thread-1",
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  600,
		OutputTokens: 400,
	}
}

func TestReporter_ChargesAndQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.reporter.Report(ctx, Caller{UserID: "user-1"}, sampleReport())
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.True(t, res.Charge.Charged)
	// 1000 tokens at $0.00002 plus 5%
	assert.Equal(t, money.MicroCents(2_100_000), res.Charge.Total)
	assert.Equal(t, "usage:thread-1:openai:gpt-4o:1000", res.Key)

	require.Len(t, f.queue.events, 1)
	event := f.queue.events[0]
	assert.Equal(t, res.EventID, event.ID)
	assert.Equal(t, int64(1000), event.TotalTokens)
	assert.True(t, event.Charged)
	assert.Equal(t, models.BillingPeriod(event.CreatedAt), event.BillingPeriod)
	assert.Equal(t, 1, f.observer.counts[OutcomeCharged])
}

func TestReporter_ReplayIsNotQueuedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reporter.Report(ctx, Caller{UserID: "user-1"}, sampleReport())
	require.NoError(t, err)
	second, err := f.reporter.Report(ctx, Caller{UserID: "user-1"}, sampleReport())
	require.NoError(t, err)

	assert.True(t, second.Charge.Duplicate)
	assert.Equal(t, first.Charge.Balance, second.Charge.Balance)
	assert.Len(t, f.queue.events, 1)

	acct, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Dollars(2)-2_100_000, acct.BalanceMicroCents)
}

func TestReporter_Skips(t *testing.T) {
	tests := []struct {
		name   string
		caller Caller
		report func(Report) Report
	}{
		{name: "anonymous", caller: Caller{}, report: func(r Report) Report { return r }},
		{name: "blank user", caller: Caller{UserID: "  "}, report: func(r Report) Report { return r }},
		{name: "no thread", caller: Caller{UserID: "user-1"}, report: func(r Report) Report { r.ThreadID = ""; return r }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.reporter.Report(context.Background(), tt.caller, tt.report(sampleReport()))
			require.NoError(t, err)
			assert.True(t, res.Skipped)
			assert.Nil(t, res.Charge)
			assert.Empty(t, f.queue.events)
			assert.Equal(t, 1, f.observer.counts[OutcomeSkipped])
		})
	}
}

func TestReporter_InsufficientFundsStillRecordsUsage(t *testing.T) {
	f := newFixture(t)

	report := sampleReport()
	report.InputTokens, report.OutputTokens = 0, 0
	report.TotalTokens = 10_000_000 // $210

	res, err := f.reporter.Report(context.Background(), Caller{UserID: "user-1"}, report)
	require.NoError(t, err)
	assert.False(t, res.Charge.Charged)
	assert.Equal(t, money.Dollars(2), res.Charge.Balance)

	require.Len(t, f.queue.events, 1)
	assert.False(t, f.queue.events[0].Charged)
	assert.Equal(t, 1, f.observer.counts[OutcomeInsufficientFunds])
}

func TestReporter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		caller  Caller
		mutate  func(*Report)
		wantErr error
	}{
		{name: "unknown model", caller: Caller{UserID: "user-1"}, mutate: func(r *Report) { r.Model = "mystery" }, wantErr: billing.ErrUnknownModel},
		{name: "negative tokens", caller: Caller{UserID: "user-1"}, mutate: func(r *Report) { r.OutputTokens = -1 }, wantErr: billing.ErrInvalidInput},
		{name: "no tokens", caller: Caller{UserID: "user-1"}, mutate: func(r *Report) { r.InputTokens, r.OutputTokens = 0, 0 }, wantErr: billing.ErrInvalidInput},
		{name: "missing provider", caller: Caller{UserID: "user-1"}, mutate: func(r *Report) { r.Provider = "" }, wantErr: billing.ErrInvalidInput},
		{name: "unknown user", caller: Caller{UserID: "ghost"}, mutate: func(r *Report) {}, wantErr: billing.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			report := sampleReport()
			tt.mutate(&report)

			_, err := f.reporter.Report(context.Background(), tt.caller, report)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.queue.events)
			assert.Equal(t, 1, f.observer.counts[OutcomeRejected])
		})
	}
}

func TestReporter_QueueFailureDoesNotFailReport(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")

	res, err := f.reporter.Report(context.Background(), Caller{UserID: "user-1"}, sampleReport())
	require.NoError(t, err)
	assert.True(t, res.Charge.Charged)
	assert.Equal(t, uuid.Nil, res.EventID)
}

func TestReport_Key(t *testing.T) {
	r := sampleReport()
	assert.Equal(t, "usage:thread-1:openai:gpt-4o:1000", r.Key("user-1"))

	r.ProviderCallID = "call_9"
	assert.Equal(t, "usage:user-1:call_9", r.Key("user-1"))

	r.IdempotencyKey = "explicit"
	assert.Equal(t, "explicit", r.Key("user-1"))
}
