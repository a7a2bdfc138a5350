package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_GetSet(t *testing.T) {
	cache := NewLRUCache[int](2, time.Minute)

	_, ok := cache.Get("a")
	assert.False(t, ok)

	cache.Set("a", 1)
	v, ok := cache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	cache.Set("a", 2)
	v, _ = cache.Get("a")
	assert.Equal(t, 2, v)

	stats := cache.GetStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache[string](2, time.Minute)

	cache.Set("a", "A")
	cache.Set("b", "B")
	cache.Get("a")
	cache.Set("c", "C")

	_, ok := cache.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestLRUCache_Expiry(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	cache := NewLRUCache[int](10, time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set("a", 1)
	cache.Set("b", 2)

	now = now.Add(2 * time.Minute)
	cache.Set("c", 3)

	assert.Equal(t, 2, cache.CleanupExpired())
	assert.Equal(t, 1, cache.Len())

	now = now.Add(2 * time.Minute)
	_, ok := cache.Get("c")
	assert.False(t, ok)
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	cache := NewLRUCache[int](0, time.Minute)
	assert.Equal(t, 1, cache.GetStats().Capacity)

	cache.Set("a", 1)
	cache.Delete("a")
	assert.Equal(t, 0, cache.Len())

	cache.Set("b", 2)
	cache.Clear()
	_, ok := cache.Get("b")
	assert.False(t, ok)
}
