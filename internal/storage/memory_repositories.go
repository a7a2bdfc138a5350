package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
)

// MemoryUsageEvents keeps raw usage events in memory
type MemoryUsageEvents struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.RawUsageEvent
}

// NewMemoryUsageEvents creates an empty event store
func NewMemoryUsageEvents() *MemoryUsageEvents {
	return &MemoryUsageEvents{events: make(map[uuid.UUID]*models.RawUsageEvent)}
}

// Create inserts one event; an existing id is left untouched
func (m *MemoryUsageEvents) Create(ctx context.Context, event *models.RawUsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; !ok {
		cp := *event
		m.events[event.ID] = &cp
	}
	return nil
}

// CreateBatch inserts events
func (m *MemoryUsageEvents) CreateBatch(ctx context.Context, events []*models.RawUsageEvent) error {
	for _, e := range events {
		if err := m.Create(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Summary aggregates a user's events in one billing period per model
func (m *MemoryUsageEvents) Summary(ctx context.Context, userID string, period time.Time) ([]*models.UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	period = models.BillingPeriod(period)
	byModel := make(map[string]*models.UsageSummary)
	for _, e := range m.events {
		if e.UserID != userID || !models.BillingPeriod(e.BillingPeriod).Equal(period) {
			continue
		}
		s, ok := byModel[e.Model]
		if !ok {
			s = &models.UsageSummary{Model: e.Model}
			byModel[e.Model] = s
		}
		s.Events++
		s.TotalTokens += e.TotalTokens
		if e.Charged {
			s.ChargedCalls++
		}
	}

	out := make([]*models.UsageSummary, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// Len returns the number of stored events
func (m *MemoryUsageEvents) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// MemoryIdentityLinks keeps identity links in memory
type MemoryIdentityLinks struct {
	mu    sync.Mutex
	links map[string]string
}

// NewMemoryIdentityLinks creates an empty link table
func NewMemoryIdentityLinks() *MemoryIdentityLinks {
	return &MemoryIdentityLinks{links: make(map[string]string)}
}

// Find returns the linked account or ErrIdentityNotFound
func (m *MemoryIdentityLinks) Find(ctx context.Context, provider, externalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.links[provider+"\x00"+externalID]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return userID, nil
}

// Link records the mapping unless one exists; the first link wins
func (m *MemoryIdentityLinks) Link(ctx context.Context, provider, externalID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := provider + "\x00" + externalID
	if existing, ok := m.links[key]; ok {
		return existing, nil
	}
	m.links[key] = userID
	return userID, nil
}
