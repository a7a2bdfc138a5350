package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/pricing"
)

// PriceRepository reads and writes usage_prices. It implements
// pricing.Table with a read-through LRU cache.
type PriceRepository struct {
	db    *DB
	cache *LRUCache[pricing.Price]
	now   func() time.Time
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *DB) *PriceRepository {
	return &PriceRepository{
		db:    db,
		cache: db.priceCache,
		now:   time.Now,
	}
}

// PriceFor returns the price of a model, or pricing.ErrUnknownModel
func (r *PriceRepository) PriceFor(ctx context.Context, modelID string) (pricing.Price, error) {
	modelID = pricing.NormalizeModelID(modelID)

	if cached, found := r.cache.Get(modelID); found {
		return cached, nil
	}

	query := `
		SELECT model_id, price_micro_cents_per_token, fee_basis_points, updated_at
		FROM usage_prices
		WHERE model_id = $1`

	var row models.UsagePrice
	err := r.db.conn.GetContext(ctx, &row, query, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Price{}, fmt.Errorf("%w: %q", pricing.ErrUnknownModel, modelID)
	}
	if err != nil {
		return pricing.Price{}, fmt.Errorf("failed to get price: %w", err)
	}

	price := toPrice(&row)
	r.cache.Set(modelID, price)
	return price, nil
}

// Upsert adds or replaces a model price
func (r *PriceRepository) Upsert(ctx context.Context, price pricing.Price) (*models.UsagePrice, error) {
	price.ModelID = pricing.NormalizeModelID(price.ModelID)
	if err := price.Validate(); err != nil {
		return nil, err
	}

	row, err := upsertPrice(ctx, r.db.conn, price, r.now().UTC())
	if err != nil {
		return nil, err
	}

	r.cache.Delete(price.ModelID)
	return row, nil
}

// Import upserts a whole price table in one transaction
func (r *PriceRepository) Import(ctx context.Context, prices []pricing.Price) (int, error) {
	for i := range prices {
		prices[i].ModelID = pricing.NormalizeModelID(prices[i].ModelID)
		if err := prices[i].Validate(); err != nil {
			return 0, fmt.Errorf("model %q: %w", prices[i].ModelID, err)
		}
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now().UTC()
	for _, p := range prices {
		if _, err := upsertPrice(ctx, tx, p, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.cache.Clear()
	return len(prices), nil
}

// List returns every configured price ordered by model id
func (r *PriceRepository) List(ctx context.Context) ([]*models.UsagePrice, error) {
	query := `
		SELECT model_id, price_micro_cents_per_token, fee_basis_points, updated_at
		FROM usage_prices
		ORDER BY model_id`

	var rows []*models.UsagePrice
	if err := r.db.conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list prices: %w", err)
	}
	return rows, nil
}

// Delete removes a model price
func (r *PriceRepository) Delete(ctx context.Context, modelID string) error {
	modelID = pricing.NormalizeModelID(modelID)

	result, err := r.db.conn.ExecContext(ctx, "DELETE FROM usage_prices WHERE model_id = $1", modelID)
	if err != nil {
		return fmt.Errorf("failed to delete price: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPriceNotFound
	}

	r.cache.Delete(modelID)
	return nil
}

// InvalidateCache drops a cached price
func (r *PriceRepository) InvalidateCache(modelID string) {
	r.cache.Delete(pricing.NormalizeModelID(modelID))
}

type execQueryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func upsertPrice(ctx context.Context, q execQueryer, price pricing.Price, now time.Time) (*models.UsagePrice, error) {
	query := `
		INSERT INTO usage_prices (model_id, price_micro_cents_per_token, fee_basis_points, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_id) DO UPDATE SET
			price_micro_cents_per_token = EXCLUDED.price_micro_cents_per_token,
			fee_basis_points = EXCLUDED.fee_basis_points,
			updated_at = EXCLUDED.updated_at
		RETURNING model_id, price_micro_cents_per_token, fee_basis_points, updated_at`

	var row models.UsagePrice
	if err := q.GetContext(ctx, &row, query, price.ModelID, price.PerToken, price.FeeBasisPoints, now); err != nil {
		return nil, fmt.Errorf("failed to upsert price: %w", err)
	}
	return &row, nil
}

func toPrice(row *models.UsagePrice) pricing.Price {
	return pricing.Price{
		ModelID:        row.ModelID,
		PerToken:       row.PricePerToken,
		FeeBasisPoints: row.FeeBasisPoints,
	}
}
