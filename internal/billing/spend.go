package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credit_ledger/internal/money"
)

// SpendTracker keeps running monthly usage totals per user. It is a fast
// read model beside the ledger, never the source of truth.
type SpendTracker interface {
	AddSpend(ctx context.Context, userID string, at time.Time, amount money.MicroCents) error
	Spend(ctx context.Context, userID string, at time.Time) (money.MicroCents, error)
}

// NoopSpendTracker discards spend.
type NoopSpendTracker struct{}

func (NoopSpendTracker) AddSpend(ctx context.Context, userID string, at time.Time, amount money.MicroCents) error {
	return nil
}

func (NoopSpendTracker) Spend(ctx context.Context, userID string, at time.Time) (money.MicroCents, error) {
	return 0, nil
}

// spendTTL keeps two months of totals.
const spendTTL = 60 * 24 * time.Hour

var addSpendScript = redis.NewScript(`
	local total = redis.call('INCRBY', KEYS[1], ARGV[1])
	redis.call('EXPIRE', KEYS[1], ARGV[2])
	return total
`)

// RedisSpendTracker tracks monthly spend in Redis integer counters.
type RedisSpendTracker struct {
	redis *redis.Client
}

// NewRedisSpendTracker creates a tracker on an existing client.
func NewRedisSpendTracker(client *redis.Client) *RedisSpendTracker {
	return &RedisSpendTracker{redis: client}
}

// AddSpend adds amount to the month containing at.
func (t *RedisSpendTracker) AddSpend(ctx context.Context, userID string, at time.Time, amount money.MicroCents) error {
	at = at.UTC()
	key := monthlyKey(userID, at.Year(), at.Month())

	_, err := addSpendScript.Run(ctx, t.redis, []string{key}, int64(amount), int64(spendTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("failed to add spend: %w", err)
	}
	return nil
}

// Spend returns the total for the month containing at.
func (t *RedisSpendTracker) Spend(ctx context.Context, userID string, at time.Time) (money.MicroCents, error) {
	at = at.UTC()
	key := monthlyKey(userID, at.Year(), at.Month())

	val, err := t.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get spend: %w", err)
	}
	return money.MicroCents(val), nil
}

// Reset clears the total for the month containing at.
func (t *RedisSpendTracker) Reset(ctx context.Context, userID string, at time.Time) error {
	at = at.UTC()
	return t.redis.Del(ctx, monthlyKey(userID, at.Year(), at.Month())).Err()
}

func monthlyKey(userID string, year int, month time.Month) string {
	return fmt.Sprintf("spend:%s:%d:%02d", userID, year, int(month))
}
