package httpapi

import (
	"context"
	"net/http"
	"time"

	"credit_ledger/internal/middleware"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/pricing"
	"credit_ledger/internal/utils"
)

// PriceAdmin lists and changes model prices
type PriceAdmin interface {
	List(ctx context.Context) ([]*models.UsagePrice, error)
	Upsert(ctx context.Context, price pricing.Price) (*models.UsagePrice, error)
}

// StaticPriceAdmin edits an in-memory price table
type StaticPriceAdmin struct {
	table *pricing.StaticTable
	now   func() time.Time
}

// NewStaticPriceAdmin wraps a static table
func NewStaticPriceAdmin(table *pricing.StaticTable) *StaticPriceAdmin {
	return &StaticPriceAdmin{table: table, now: time.Now}
}

func (a *StaticPriceAdmin) List(ctx context.Context) ([]*models.UsagePrice, error) {
	prices := a.table.List()
	out := make([]*models.UsagePrice, 0, len(prices))
	for _, p := range prices {
		out = append(out, &models.UsagePrice{ModelID: p.ModelID, PricePerToken: p.PerToken, FeeBasisPoints: p.FeeBasisPoints})
	}
	return out, nil
}

func (a *StaticPriceAdmin) Upsert(ctx context.Context, price pricing.Price) (*models.UsagePrice, error) {
	price.ModelID = pricing.NormalizeModelID(price.ModelID)
	if err := a.table.Set(price); err != nil {
		return nil, err
	}
	return &models.UsagePrice{
		ModelID:        price.ModelID,
		PricePerToken:  price.PerToken,
		FeeBasisPoints: price.FeeBasisPoints,
		UpdatedAt:      a.now().UTC(),
	}, nil
}

// UpsertPriceRequest is the body of PUT /admin/prices. The price is a
// dollar string so it never passes through a float.
type UpsertPriceRequest struct {
	ModelID        string `json:"modelId" validate:"required,max=255"`
	PricePerToken  string `json:"pricePerToken" validate:"required"`
	FeeBasisPoints int64  `json:"feeBasisPoints" validate:"gte=0,lte=10000"`
}

// PriceResponse presents a price in dollars and micro-cents
type PriceResponse struct {
	ModelID                 string           `json:"modelId"`
	PricePerToken           string           `json:"pricePerToken"`
	PricePerTokenMicroCents money.MicroCents `json:"pricePerTokenMicroCents"`
	FeeBasisPoints          int64            `json:"feeBasisPoints"`
	UpdatedAt               *time.Time       `json:"updatedAt,omitempty"`
}

func toPriceResponse(p *models.UsagePrice) PriceResponse {
	resp := PriceResponse{
		ModelID:                 p.ModelID,
		PricePerToken:           money.ToDollars(p.PricePerToken).String(),
		PricePerTokenMicroCents: p.PricePerToken,
		FeeBasisPoints:          p.FeeBasisPoints,
	}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// handleListPrices handles GET /admin/prices
func (d *Dependencies) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := d.Prices.List(r.Context())
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	out := make([]PriceResponse, 0, len(prices))
	for _, p := range prices {
		out = append(out, toPriceResponse(p))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"prices": out})
}

// handleUpsertPrice handles PUT /admin/prices
func (d *Dependencies) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	var req UpsertPriceRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		respondWithLedgerError(w, err)
		return
	}

	perToken, err := money.ParseDollars(req.PricePerToken)
	if err != nil {
		respondWithLedgerError(w, money.Invalid("pricePerToken", err.Error()))
		return
	}

	row, err := d.Prices.Upsert(r.Context(), pricing.Price{
		ModelID:        req.ModelID,
		PerToken:       perToken,
		FeeBasisPoints: req.FeeBasisPoints,
	})
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	admin := "unknown"
	if id, ok := middleware.GetUserID(r.Context()); ok {
		admin = id
	}
	logger.Info("Price updated", "model", row.ModelID, "price_per_token", row.PricePerToken,
		"fee_basis_points", row.FeeBasisPoints, "admin", admin)
	utils.RespondWithJSON(w, http.StatusOK, toPriceResponse(row))
}
