package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"credit_ledger/internal/models"
)

// UsageEventRepository persists raw usage events
type UsageEventRepository struct {
	db *DB
}

// NewUsageEventRepository creates a new raw usage event repository
func NewUsageEventRepository(db *DB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

const insertUsageEvent = `
	INSERT INTO raw_usage_events (
		id, user_id, thread_id, agent_name, provider, model,
		input_tokens, output_tokens, reasoning_tokens, cached_input_tokens, total_tokens,
		provider_call_id, idempotency_key, charged, billing_period, created_at
	) VALUES (
		:id, :user_id, :thread_id, :agent_name, :provider, :model,
		:input_tokens, :output_tokens, :reasoning_tokens, :cached_input_tokens, :total_tokens,
		:provider_call_id, :idempotency_key, :charged, :billing_period, :created_at
	)
	ON CONFLICT (id) DO NOTHING`

// Create inserts one event. Re-inserting the same id is a no-op, so queue
// redeliveries are harmless.
func (r *UsageEventRepository) Create(ctx context.Context, event *models.RawUsageEvent) error {
	if _, err := r.db.conn.NamedExecContext(ctx, insertUsageEvent, event); err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// CreateBatch inserts events in a single transaction
func (r *UsageEventRepository) CreateBatch(ctx context.Context, events []*models.RawUsageEvent) error {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		if _, err := sqlx.NamedExecContext(ctx, tx, insertUsageEvent, event); err != nil {
			return fmt.Errorf("failed to insert usage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Summary aggregates a user's events in one billing period per model
func (r *UsageEventRepository) Summary(ctx context.Context, userID string, period time.Time) ([]*models.UsageSummary, error) {
	query := `
		SELECT model,
		       COUNT(*)                             AS events,
		       COALESCE(SUM(total_tokens), 0)       AS total_tokens,
		       COUNT(*) FILTER (WHERE charged)      AS charged_calls
		FROM raw_usage_events
		WHERE user_id = $1 AND billing_period = $2
		GROUP BY model
		ORDER BY model`

	var rows []*models.UsageSummary
	if err := r.db.conn.SelectContext(ctx, &rows, query, userID, models.BillingPeriod(period)); err != nil {
		return nil, fmt.Errorf("failed to summarise usage: %w", err)
	}
	return rows, nil
}
