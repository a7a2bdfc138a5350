package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit_ledger/internal/money"
)

func TestRedisSpendTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tracker := NewRedisSpendTracker(client)
	ctx := context.Background()
	oct := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	nov := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	spend, err := tracker.Spend(ctx, "user-1", oct)
	require.NoError(t, err)
	assert.Equal(t, money.MicroCents(0), spend)

	require.NoError(t, tracker.AddSpend(ctx, "user-1", oct, 2_100_000))
	require.NoError(t, tracker.AddSpend(ctx, "user-1", oct.Add(time.Hour), 900_000))
	require.NoError(t, tracker.AddSpend(ctx, "user-1", nov, 5))

	spend, err = tracker.Spend(ctx, "user-1", oct)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(3), spend)

	spend, err = tracker.Spend(ctx, "user-1", nov)
	require.NoError(t, err)
	assert.Equal(t, money.MicroCents(5), spend)

	assert.True(t, mr.Exists("spend:user-1:2026:10"))
	assert.Equal(t, spendTTL, mr.TTL("spend:user-1:2026:10"))

	require.NoError(t, tracker.Reset(ctx, "user-1", oct))
	spend, err = tracker.Spend(ctx, "user-1", oct)
	require.NoError(t, err)
	assert.Equal(t, money.MicroCents(0), spend)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "signup-u1", SignupKey("u1"))
	assert.Equal(t, "usage:t1:openai:gpt-4o:1500", UsageKey("t1", "openai", "gpt-4o", 1500))
	assert.Equal(t, "usage:u1:call_1", ProviderCallKey("u1", "call_1"))
	assert.Equal(t, "topup:stripe:pi_1", PaymentReferenceKey("stripe", "pi_1"))
	assert.Equal(t, "evt_1:bonus", bonusKey("evt_1"))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	key := SignupKey(string(long))
	assert.LessOrEqual(t, len(key), money.MaxIdempotencyKeyLength)
	assert.Equal(t, key, SignupKey(string(long)))
	assert.NoError(t, money.ValidateIdempotencyKey(key))
}

func TestApplyDeltaGuard(t *testing.T) {
	err := (&InsufficientFundsError{Required: 5, Available: 3})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "required")

	assert.True(t, NonNegative(0))
	assert.False(t, NonNegative(-1))
}
