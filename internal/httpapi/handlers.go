package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/middleware"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/usage"
	"credit_ledger/internal/utils"
)

// ChargeRequest is the body of POST /v1/charges
type ChargeRequest struct {
	Model          string `json:"model" validate:"required"`
	TokensUsed     int64  `json:"tokensUsed" validate:"gt=0"`
	ProviderCallID string `json:"providerCallId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"max=255"`
}

// UsageReportRequest is the body of POST /v1/usage
type UsageReportRequest struct {
	UserID    string `json:"userId"`
	ThreadID  string `json:"threadId"`
	AgentName string `json:"agentName,omitempty"`
	Provider  string `json:"provider" validate:"required"`
	Model     string `json:"model" validate:"required"`
	Usage     struct {
		InputTokens       int64 `json:"inputTokens" validate:"gte=0"`
		OutputTokens      int64 `json:"outputTokens" validate:"gte=0"`
		ReasoningTokens   int64 `json:"reasoningTokens,omitempty" validate:"gte=0"`
		CachedInputTokens int64 `json:"cachedInputTokens,omitempty" validate:"gte=0"`
		TotalTokens       int64 `json:"totalTokens" validate:"gte=0"`
	} `json:"usage"`
	ProviderMetadata struct {
		CallID string `json:"callId,omitempty"`
	} `json:"providerMetadata"`
	IdempotencyKey string `json:"idempotencyKey,omitempty" validate:"max=255"`
}

// ChargeResponse presents a usage charge in cents
type ChargeResponse struct {
	Charged           bool             `json:"charged"`
	Duplicate         bool             `json:"duplicate"`
	EntryID           *uuid.UUID       `json:"entryId,omitempty"`
	ProviderCostCents decimal.Decimal  `json:"providerCostCents"`
	FeeCents          decimal.Decimal  `json:"feeCents"`
	TotalCents        decimal.Decimal  `json:"totalCents"`
	NewBalanceCents   decimal.Decimal  `json:"newBalanceCents"`
	NewBalance        money.MicroCents `json:"newBalanceMicroCents"`
}

func toChargeResponse(c *billing.UsageCharge) ChargeResponse {
	resp := ChargeResponse{
		Charged:           c.Charged,
		Duplicate:         c.Duplicate,
		ProviderCostCents: money.ToCents(c.ProviderCost),
		FeeCents:          money.ToCents(c.Fee),
		TotalCents:        money.ToCents(c.Total),
		NewBalanceCents:   money.ToCents(c.Balance),
		NewBalance:        c.Balance,
	}
	if c.Entry != nil {
		id := c.Entry.ID
		resp.EntryID = &id
	}
	return resp
}

// UsageReportResponse is the reply to a usage report
type UsageReportResponse struct {
	Skipped bool            `json:"skipped"`
	Key     string          `json:"idempotencyKey,omitempty"`
	Charge  *ChargeResponse `json:"charge,omitempty"`
}

// EntryResponse presents a ledger entry
type EntryResponse struct {
	*models.LedgerEntry
	AmountCents       decimal.Decimal `json:"amountCents"`
	BalanceAfterCents decimal.Decimal `json:"resultBalanceCents"`
}

// BalanceResponse is the reply to GET /v1/balance. BalanceCents is null for
// anonymous callers and for users without an account.
type BalanceResponse struct {
	Authenticated bool             `json:"authenticated"`
	BalanceCents  *decimal.Decimal `json:"balanceCents"`
	Balance       *int64           `json:"balanceMicroCents,omitempty"`
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
	}
	return userID, ok
}

// handleUsageReport handles POST /v1/usage from backend services. The
// per-user limit is applied here because the user is named in the body.
func (d *Dependencies) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	var req UsageReportRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		respondWithLedgerError(w, err)
		return
	}

	if req.UserID != "" && d.Limits.UsagePerMinute > 0 {
		allowed, remaining, resetAt, err := d.RateLimit.AllowWithDetails(r.Context(), "usage:"+req.UserID, d.Limits.UsagePerMinute)
		if err != nil {
			logger.Warn("Rate limiter unavailable, allowing usage report", "user_id", req.UserID, "error", err)
		} else {
			var reset int64
			if !resetAt.IsZero() {
				reset = resetAt.Unix()
			}
			middleware.SetRateLimitHeaders(w, d.Limits.UsagePerMinute, remaining, reset)
			if !allowed {
				utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
		}
	}

	res, err := d.Reporter.Report(r.Context(), usage.Caller{UserID: req.UserID}, usage.Report{
		ThreadID:          req.ThreadID,
		AgentName:         req.AgentName,
		Provider:          req.Provider,
		Model:             req.Model,
		InputTokens:       req.Usage.InputTokens,
		OutputTokens:      req.Usage.OutputTokens,
		ReasoningTokens:   req.Usage.ReasoningTokens,
		CachedInputTokens: req.Usage.CachedInputTokens,
		TotalTokens:       req.Usage.TotalTokens,
		ProviderCallID:    req.ProviderMetadata.CallID,
		IdempotencyKey:    req.IdempotencyKey,
	})
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	resp := UsageReportResponse{Skipped: res.Skipped, Key: res.Key}
	if res.Charge != nil {
		charge := toChargeResponse(res.Charge)
		resp.Charge = &charge
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleCharge handles POST /v1/charges. Insufficient funds is reported in
// the body with charged=false, not as an error status.
func (d *Dependencies) handleCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req ChargeRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		respondWithLedgerError(w, err)
		return
	}

	charge, err := d.Ledger.FinalizeUsageCharge(r.Context(), billing.UsageChargeRequest{
		UserID:         userID,
		Model:          req.Model,
		ProviderCallID: req.ProviderCallID,
		TokensUsed:     req.TokensUsed,
		Key:            req.IdempotencyKey,
	})
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, toChargeResponse(charge))
}

// handleSignupCredit handles POST /v1/account/signup-credit
func (d *Dependencies) handleSignupCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	res, err := d.Ledger.GrantSignupCredit(r.Context(), userID, "")
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	utils.RespondWithJSON(w, status, map[string]any{
		"granted":      !res.Duplicate,
		"duplicate":    res.Duplicate,
		"entryId":      res.Entry.ID,
		"amountCents":  money.ToCents(res.Entry.AmountMicroCents),
		"balanceCents": money.ToCents(res.Balance),
	})
}

// handleBalance handles GET /v1/balance
func (d *Dependencies) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{Authenticated: false})
		return
	}

	acct, err := d.Ledger.Balance(r.Context(), userID)
	if errors.Is(err, billing.ErrUserNotFound) {
		utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{Authenticated: true})
		return
	}
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	cents := money.ToCents(acct.BalanceMicroCents)
	micro := int64(acct.BalanceMicroCents)
	utils.RespondWithJSON(w, http.StatusOK, BalanceResponse{
		Authenticated: true,
		BalanceCents:  &cents,
		Balance:       &micro,
	})
}

// handleLedger handles GET /v1/ledger?limit=
func (d *Dependencies) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithLedgerError(w, money.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	entries, err := d.Ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryResponse{
			LedgerEntry:       e,
			AmountCents:       money.ToCents(e.AmountMicroCents),
			BalanceAfterCents: money.ToCents(e.BalanceAfterMicroCents),
		})
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// handleUsageSummary handles GET /v1/usage/summary?period=YYYY-MM. The
// current month is the default.
func (d *Dependencies) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	period := models.BillingPeriod(time.Now())
	if v := r.URL.Query().Get("period"); v != "" {
		p, err := models.ParseBillingPeriod(v)
		if err != nil {
			respondWithLedgerError(w, money.Invalid("period", "must be YYYY-MM"))
			return
		}
		period = p
	}

	summary, err := d.Usage.Summary(r.Context(), userID, period)
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}

	resp := map[string]any{
		"period": period.Format("2006-01"),
		"models": summary,
	}
	if spend, err := d.Ledger.MonthlySpend(r.Context(), userID, period); err == nil && spend > 0 {
		resp["chargedCents"] = money.ToCents(spend)
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleListDeadLetters handles GET /admin/usage-dlq?limit=
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := d.DeadLetters.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		respondWithLedgerError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRetryDeadLetter handles POST /admin/usage-dlq/retry?id=
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondWithLedgerError(w, money.Invalid("id", "is required"))
		return
	}

	if err := d.DeadLetters.RetryDeadLetterItem(r.Context(), id); err != nil {
		respondWithLedgerError(w, err)
		return
	}
	logger.Info("Dead-lettered usage event re-queued", "id", id)
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"requeued": id})
}
