package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/money"
)

// RawUsageEvent is reported token usage for one model invocation. It is
// recorded whether or not the matching charge succeeded and is grouped by
// BillingPeriod for reconciliation.
type RawUsageEvent struct {
	ID                uuid.UUID `db:"id" json:"id"`
	UserID            string    `db:"user_id" json:"userId"`
	ThreadID          string    `db:"thread_id" json:"threadId"`
	AgentName         string    `db:"agent_name" json:"agentName,omitempty"`
	Provider          string    `db:"provider" json:"provider"`
	Model             string    `db:"model" json:"model"`
	InputTokens       int64     `db:"input_tokens" json:"inputTokens"`
	OutputTokens      int64     `db:"output_tokens" json:"outputTokens"`
	ReasoningTokens   int64     `db:"reasoning_tokens" json:"reasoningTokens"`
	CachedInputTokens int64     `db:"cached_input_tokens" json:"cachedInputTokens"`
	TotalTokens       int64     `db:"total_tokens" json:"totalTokens"`
	ProviderCallID    string    `db:"provider_call_id" json:"providerCallId,omitempty"`
	IdempotencyKey    string    `db:"idempotency_key" json:"idempotencyKey"`
	Charged           bool      `db:"charged" json:"charged"`
	BillingPeriod     time.Time `db:"billing_period" json:"billingPeriod"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// BillingPeriod returns the first day of t's calendar month in UTC.
func BillingPeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ParseBillingPeriod parses a "YYYY-MM" period.
func ParseBillingPeriod(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid billing period %q: %w", s, err)
	}
	return t, nil
}

// UsageSummary aggregates raw usage for one model within a billing period.
type UsageSummary struct {
	Model        string `db:"model" json:"model"`
	Events       int64  `db:"events" json:"events"`
	TotalTokens  int64  `db:"total_tokens" json:"totalTokens"`
	ChargedCalls int64  `db:"charged_calls" json:"chargedCalls"`
}

//
// UsagePrice (usage_prices table)
//

// UsagePrice is the configured price of one billable model.
type UsagePrice struct {
	ModelID        string           `db:"model_id" json:"modelId"`
	PricePerToken  money.MicroCents `db:"price_micro_cents_per_token" json:"providerPriceMicroCentsPerToken"`
	FeeBasisPoints int64            `db:"fee_basis_points" json:"feeBasisPoints"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updatedAt"`
}

//
// IdentityLink (identity_links table)
//

// IdentityLink maps an identity held by an external system, such as a
// payment provider customer id, to a billing account.
type IdentityLink struct {
	Provider   string    `db:"provider" json:"provider"`
	ExternalID string    `db:"external_id" json:"externalId"`
	UserID     string    `db:"user_id" json:"userId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
