package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
	"credit_ledger/internal/utils"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// CurrencyUSD is the only currency credited to accounts.
const CurrencyUSD = "usd"

// ErrUnsupportedCurrency is returned for payments not made in USD.
var ErrUnsupportedCurrency = errors.New("payments: unsupported currency")

// ErrTopUpNotRecorded is returned when a reversal names a payment whose
// checkout has not been applied yet. Stripe retries until it has.
var ErrTopUpNotRecorded = errors.New("payments: top-up not recorded yet")

// Event types the ledger acts on.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventRefundCreated     = "refund.created"
	EventDisputeCreated    = "charge.dispute.created"
)

// Webhook outcomes reported to the observer.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Ledger is the part of the billing service the webhook drives.
type Ledger interface {
	GrantSignupCredit(ctx context.Context, userID, key string) (*billing.SignupResult, error)
	ApplyTopUp(ctx context.Context, req billing.TopUpRequest) (*billing.TopUpResult, error)
	Refund(ctx context.Context, req billing.RefundRequest) (*billing.RefundResult, error)
	TopUpByPaymentReference(ctx context.Context, reference string) (*models.LedgerEntry, error)
}

// Observer records webhook outcomes.
type Observer interface {
	ObserveWebhook(eventType, outcome string)
}

type noopObserver struct{}

func (noopObserver) ObserveWebhook(string, string) {}

// WebhookHandler verifies Stripe events and applies them to the ledger.
type WebhookHandler struct {
	secret   string
	ledger   Ledger
	links    IdentityLinks
	observer Observer
	logger   *utils.Logger
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. observer may be nil.
func NewWebhookHandler(secret string, ledger Ledger, links IdentityLinks, observer Observer) *WebhookHandler {
	if observer == nil {
		observer = noopObserver{}
	}
	return &WebhookHandler{
		secret:   secret,
		ledger:   ledger,
		links:    links,
		observer: observer,
		logger:   utils.NewLogger("stripe-webhook"),
	}
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// checkoutSession is the part of a checkout.session object we read.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// reversal covers both refund and dispute objects.
type reversal struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentIntent string `json:"payment_intent"`
	Charge        string `json:"charge"`
	Reason        string `json:"reason"`
}

// rejection is an event we understood but will not apply. Stripe must not
// retry it.
type rejection struct {
	err error
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		h.observer.ObserveWebhook("unknown", OutcomeRejected)
		utils.RespondWithError(w, http.StatusBadRequest, "missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.observer.ObserveWebhook("unknown", OutcomeRejected)
		utils.RespondWithError(w, http.StatusBadRequest, "invalid Stripe signature")
		return
	}
	eventType := string(event.Type)

	outcome, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			h.logger.Warn("Stripe event rejected", "event_id", event.ID, "type", eventType, "error", err)
			h.observer.ObserveWebhook(eventType, OutcomeRejected)
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		perr := &billing.PaymentProcessingError{EventID: event.ID, EventType: eventType, Cause: err}
		h.logger.Error("Stripe webhook processing failed", "event_id", event.ID, "type", eventType, "error", perr)
		h.observer.ObserveWebhook(eventType, OutcomeFailed)
		utils.RespondWithError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	h.observer.ObserveWebhook(eventType, outcome)
	utils.RespondWithJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Outcome: outcome})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (string, error) {
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", &rejection{fmt.Errorf("decode checkout.session: %w", err)}
		}
		return h.handleCheckout(ctx, event.ID, session)

	case EventRefundCreated, EventDisputeCreated:
		var rev reversal
		if err := json.Unmarshal(event.Data.Raw, &rev); err != nil {
			return "", &rejection{fmt.Errorf("decode %s: %w", event.Type, err)}
		}
		reason := "refund"
		if string(event.Type) == EventDisputeCreated {
			reason = "chargeback"
		}
		return h.handleReversal(ctx, event.ID, rev, reason)

	default:
		h.logger.Info("Stripe webhook ignored (unhandled type)", "type", event.Type, "event_id", event.ID)
		return OutcomeIgnored, nil
	}
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, eventID string, session checkoutSession) (string, error) {
	if session.PaymentStatus != "paid" {
		h.logger.Info("Checkout session not paid, ignoring", "event_id", eventID, "payment_status", session.PaymentStatus)
		return OutcomeIgnored, nil
	}

	if !strings.EqualFold(session.Currency, CurrencyUSD) {
		return "", &rejection{fmt.Errorf("%w: %q", ErrUnsupportedCurrency, session.Currency)}
	}

	subject, err := subjectOf(session.ClientReferenceID, session.Metadata, session.Customer)
	if err != nil {
		return "", &rejection{err}
	}
	amount, err := money.FromMinorUnits(session.AmountTotal)
	if err != nil {
		return "", &rejection{err}
	}
	if err := money.ValidateTopUpAmount(amount); err != nil {
		return "", &rejection{err}
	}

	userID, err := resolve(ctx, h.links, subject)
	if err != nil {
		return "", fmt.Errorf("resolve customer: %w", err)
	}

	if _, err := h.ledger.GrantSignupCredit(ctx, userID, ""); err != nil {
		return "", classify(err)
	}

	reference := session.PaymentIntent
	if reference == "" {
		reference = session.ID
	}
	res, err := h.ledger.ApplyTopUp(ctx, billing.TopUpRequest{
		UserID:           userID,
		Amount:           amount,
		Key:              eventID,
		PaymentProvider:  ProviderStripe,
		PaymentReference: reference,
	})
	if err != nil {
		return "", classify(err)
	}

	if res.Duplicate {
		return OutcomeDuplicate, nil
	}
	h.logger.Info("Top-up applied", "event_id", eventID, "user_id", userID, "amount", amount, "bonus", res.BonusEntry != nil)
	return OutcomeApplied, nil
}

func (h *WebhookHandler) handleReversal(ctx context.Context, eventID string, rev reversal, reason string) (string, error) {
	if rev.PaymentIntent == "" {
		return "", &rejection{errors.New("payments: reversal has no payment_intent")}
	}
	if rev.Currency != "" && !strings.EqualFold(rev.Currency, CurrencyUSD) {
		return "", &rejection{fmt.Errorf("%w: %q", ErrUnsupportedCurrency, rev.Currency)}
	}
	amount, err := money.FromMinorUnits(rev.Amount)
	if err != nil {
		return "", &rejection{err}
	}

	original, err := h.ledger.TopUpByPaymentReference(ctx, rev.PaymentIntent)
	if errors.Is(err, billing.ErrEntryNotFound) {
		h.logger.Warn("Reversal arrived before its top-up", "event_id", eventID, "payment_intent", rev.PaymentIntent)
		return "", fmt.Errorf("%w: %s", ErrTopUpNotRecorded, rev.PaymentIntent)
	}
	if err != nil {
		return "", classify(err)
	}

	res, err := h.ledger.Refund(ctx, billing.RefundRequest{
		UserID:          original.UserID,
		OriginalEntryID: original.ID,
		Amount:          amount,
		Key:             eventID,
		Reason:          reason,
		PaymentProvider: ProviderStripe,
	})
	if err != nil {
		return "", classify(err)
	}

	if res.Duplicate {
		return OutcomeDuplicate, nil
	}
	h.logger.Info("Reversal applied", "event_id", eventID, "user_id", original.UserID, "reason", reason,
		"reversed", res.Reversed, "shortfall", res.Shortfall)
	return OutcomeApplied, nil
}

// classify marks business rejections; everything else is retried by Stripe.
func classify(err error) error {
	if errors.Is(err, billing.ErrInvalidInput) {
		return &rejection{err}
	}
	return err
}
