// Package usage turns model-call usage reports into ledger charges and raw
// usage events.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/utils"
)

// Report outcomes.
const (
	OutcomeSkipped           = "skipped"
	OutcomeCharged           = "charged"
	OutcomeDuplicate         = "duplicate"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeRejected          = "rejected"
	OutcomeFailed            = "failed"
)

// Caller is who the usage belongs to. An empty UserID is an anonymous
// visitor and is never billed.
type Caller struct {
	UserID string
}

// Anonymous reports whether there is no user to bill.
func (c Caller) Anonymous() bool {
	return strings.TrimSpace(c.UserID) == ""
}

// Report is the usage of one model invocation.
type Report struct {
	ThreadID          string `json:"threadId"`
	AgentName         string `json:"agentName,omitempty"`
	Provider          string `json:"provider" validate:"required"`
	Model             string `json:"model" validate:"required"`
	InputTokens       int64  `json:"inputTokens" validate:"gte=0"`
	OutputTokens      int64  `json:"outputTokens" validate:"gte=0"`
	ReasoningTokens   int64  `json:"reasoningTokens,omitempty" validate:"gte=0"`
	CachedInputTokens int64  `json:"cachedInputTokens,omitempty" validate:"gte=0"`
	TotalTokens       int64  `json:"totalTokens" validate:"gte=0"`
	ProviderCallID    string `json:"providerCallId,omitempty"`
	IdempotencyKey    string `json:"idempotencyKey,omitempty"`
}

// Result is the outcome of Reporter.Report. Charge is nil when Skipped.
type Result struct {
	Skipped bool
	Key     string
	Charge  *billing.UsageCharge
	EventID uuid.UUID
}

// Charger is the billing operation behind a report.
type Charger interface {
	FinalizeUsageCharge(ctx context.Context, req billing.UsageChargeRequest) (*billing.UsageCharge, error)
}

// EventQueue accepts raw usage events for asynchronous persistence.
type EventQueue interface {
	Enqueue(ctx context.Context, event *models.RawUsageEvent) error
}

// Observer records report outcomes.
type Observer interface {
	ObserveUsage(outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveUsage(string) {}

// Reporter charges reported usage and records it.
type Reporter struct {
	charger  Charger
	queue    EventQueue
	observer Observer
	logger   *utils.Logger
	now      func() time.Time
}

// NewReporter creates a reporter. queue and observer may be nil.
func NewReporter(charger Charger, queue EventQueue, observer Observer) *Reporter {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Reporter{
		charger:  charger,
		queue:    queue,
		observer: observer,
		logger:   utils.NewLogger("usage"),
		now:      time.Now,
	}
}

// Total is the billable token count: TotalTokens when given, otherwise the
// sum of input and output tokens.
func (r Report) Total() int64 {
	if r.TotalTokens > 0 {
		return r.TotalTokens
	}
	return r.InputTokens + r.OutputTokens
}

// Key is the idempotency key of the report's charge. An explicit key wins,
// then the provider call id, then the call's natural identity.
func (r Report) Key(userID string) string {
	switch {
	case r.IdempotencyKey != "":
		return r.IdempotencyKey
	case r.ProviderCallID != "":
		return billing.ProviderCallKey(userID, r.ProviderCallID)
	default:
		return billing.UsageKey(r.ThreadID, r.Provider, r.Model, r.Total())
	}
}

func (r Report) validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return money.Invalid("provider", "is required")
	}
	for field, n := range map[string]int64{
		"inputTokens":       r.InputTokens,
		"outputTokens":      r.OutputTokens,
		"reasoningTokens":   r.ReasoningTokens,
		"cachedInputTokens": r.CachedInputTokens,
		"totalTokens":       r.TotalTokens,
	} {
		if n < 0 {
			return money.Invalid(field, "must not be negative")
		}
	}
	return nil
}

// Report charges the caller for one invocation. Anonymous callers and
// reports without a thread are skipped. The raw event is queued whether or
// not the charge went through; queue failures are only logged.
func (r *Reporter) Report(ctx context.Context, caller Caller, report Report) (*Result, error) {
	if caller.Anonymous() || strings.TrimSpace(report.ThreadID) == "" {
		r.observer.ObserveUsage(OutcomeSkipped)
		return &Result{Skipped: true}, nil
	}
	if err := report.validate(); err != nil {
		r.observer.ObserveUsage(OutcomeRejected)
		return nil, err
	}

	key := report.Key(caller.UserID)
	charge, err := r.charger.FinalizeUsageCharge(ctx, billing.UsageChargeRequest{
		UserID:         caller.UserID,
		Model:          report.Model,
		ProviderCallID: report.ProviderCallID,
		TokensUsed:     report.Total(),
		Key:            key,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) || errors.Is(err, billing.ErrUnknownModel) ||
			errors.Is(err, billing.ErrUserNotFound) {
			r.observer.ObserveUsage(OutcomeRejected)
		} else {
			r.observer.ObserveUsage(OutcomeFailed)
		}
		return nil, err
	}

	res := &Result{Key: key, Charge: charge}
	switch {
	case charge.Duplicate:
		r.observer.ObserveUsage(OutcomeDuplicate)
		// the first delivery already queued the event
		return res, nil
	case charge.Charged:
		r.observer.ObserveUsage(OutcomeCharged)
	default:
		r.observer.ObserveUsage(OutcomeInsufficientFunds)
	}

	res.EventID = r.enqueue(ctx, caller, report, key, charge.Charged)
	return res, nil
}

func (r *Reporter) enqueue(ctx context.Context, caller Caller, report Report, key string, charged bool) uuid.UUID {
	if r.queue == nil {
		return uuid.Nil
	}

	now := r.now().UTC()
	event := &models.RawUsageEvent{
		ID:                uuid.New(),
		UserID:            caller.UserID,
		ThreadID:          report.ThreadID,
		AgentName:         report.AgentName,
		Provider:          report.Provider,
		Model:             report.Model,
		InputTokens:       report.InputTokens,
		OutputTokens:      report.OutputTokens,
		ReasoningTokens:   report.ReasoningTokens,
		CachedInputTokens: report.CachedInputTokens,
		TotalTokens:       report.Total(),
		ProviderCallID:    report.ProviderCallID,
		IdempotencyKey:    key,
		Charged:           charged,
		BillingPeriod:     models.BillingPeriod(now),
		CreatedAt:         now,
	}
	if err := r.queue.Enqueue(ctx, event); err != nil {
		r.logger.Error("Failed to queue raw usage event", "user_id", caller.UserID, "key", key, "error", err)
		return uuid.Nil
	}
	return event.ID
}
