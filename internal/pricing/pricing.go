package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"credit_ledger/internal/money"
)

// ErrUnknownModel is returned when no price is configured for a model.
// Usage is never charged at a guessed or zero price.
var ErrUnknownModel = errors.New("billing: unknown model")

// Price is the billing configuration of one model.
type Price struct {
	ModelID        string
	PerToken       money.MicroCents
	FeeBasisPoints int64
}

// Validate checks the price against the money ceilings.
func (p Price) Validate() error {
	if err := money.ValidateRequired("modelId", p.ModelID); err != nil {
		return err
	}
	if err := money.ValidatePricePerToken(p.PerToken); err != nil {
		return err
	}
	return money.ValidateFeeBasisPoints(p.FeeBasisPoints)
}

// Table resolves model prices. Implementations must be safe for concurrent
// use.
type Table interface {
	PriceFor(ctx context.Context, modelID string) (Price, error)
}

// Quote is the cost breakdown of a usage charge.
type Quote struct {
	Price        Price
	Tokens       int64
	ProviderCost money.MicroCents
	Fee          money.MicroCents
	Total        money.MicroCents
}

// Compute prices tokens:
//
//	providerCost = tokens * perToken
//	fee          = floor(providerCost * feeBasisPoints / 10000)
//	total        = providerCost + fee
//
// The fee is rounded down; a fractional micro-cent is never charged.
func Compute(price Price, tokens int64) (Quote, error) {
	if err := money.ValidateTokens(tokens); err != nil {
		return Quote{}, err
	}
	if err := price.Validate(); err != nil {
		return Quote{}, err
	}

	providerCost, err := money.Mul(price.PerToken, tokens)
	if err != nil {
		return Quote{}, fmt.Errorf("provider cost: %w", err)
	}
	fee, err := money.MulDivFloor(providerCost, price.FeeBasisPoints, money.MaxFeeBasisPoints)
	if err != nil {
		return Quote{}, fmt.Errorf("fee: %w", err)
	}
	total, err := money.Add(providerCost, fee)
	if err != nil {
		return Quote{}, fmt.Errorf("total: %w", err)
	}

	return Quote{
		Price:        price,
		Tokens:       tokens,
		ProviderCost: providerCost,
		Fee:          fee,
		Total:        total,
	}, nil
}

// NormalizeModelID trims surrounding whitespace from a model id.
func NormalizeModelID(modelID string) string {
	return strings.TrimSpace(modelID)
}

// StaticTable is an in-memory Table, typically loaded from a YAML file.
type StaticTable struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewStaticTable creates a table holding prices.
func NewStaticTable(prices ...Price) (*StaticTable, error) {
	t := &StaticTable{prices: make(map[string]Price, len(prices))}
	for _, p := range prices {
		if err := t.Set(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// PriceFor implements Table.
func (t *StaticTable) PriceFor(ctx context.Context, modelID string) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.prices[NormalizeModelID(modelID)]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return p, nil
}

// Set adds or replaces a price.
func (t *StaticTable) Set(p Price) error {
	p.ModelID = NormalizeModelID(p.ModelID)
	if err := p.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[p.ModelID] = p
	return nil
}

// List returns all prices ordered by model id.
func (t *StaticTable) List() []Price {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Price, 0, len(t.prices))
	for _, p := range t.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
