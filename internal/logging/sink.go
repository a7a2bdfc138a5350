package logging

import (
	"context"
	"time"

	"credit_ledger/internal/models"
	"credit_ledger/internal/money"
)

// AuditRecord is one committed ledger entry as exported to the audit
// archive.
type AuditRecord struct {
	Timestamp        time.Time            `json:"timestamp"`
	EntryID          string               `json:"entry_id"`
	UserID           string               `json:"user_id"`
	Operation        models.OperationType `json:"operation"`
	AmountMicroCents money.MicroCents     `json:"amount_micro_cents"`
	BalanceAfter     money.MicroCents     `json:"balance_after_micro_cents"`
	IdempotencyKey   string               `json:"idempotency_key"`
	ReferenceEntryID string               `json:"reference_entry_id,omitempty"`
	PaymentReference string               `json:"payment_reference,omitempty"`
	Metadata         models.EntryMetadata `json:"metadata"`
}

// BillingPeriod is the month the record belongs to.
func (r *AuditRecord) BillingPeriod() time.Time {
	return models.BillingPeriod(r.Timestamp)
}

// RecordFromEntry builds the audit record of a ledger entry.
func RecordFromEntry(e *models.LedgerEntry) *AuditRecord {
	rec := &AuditRecord{
		Timestamp:        e.CreatedAt,
		EntryID:          e.ID.String(),
		UserID:           e.UserID,
		Operation:        e.Type,
		AmountMicroCents: e.AmountMicroCents,
		BalanceAfter:     e.BalanceAfterMicroCents,
		IdempotencyKey:   e.IdempotencyKey,
		Metadata:         e.Metadata,
	}
	if e.ReferenceEntryID.Valid {
		rec.ReferenceEntryID = e.ReferenceEntryID.UUID.String()
	}
	if e.PaymentReference != nil {
		rec.PaymentReference = *e.PaymentReference
	}
	return rec
}

// Sink receives audit records after the ledger commits them. Enqueue must
// not block the ledger.
type Sink interface {
	Enqueue(rec *AuditRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records. Used when the archive is disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *AuditRecord) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}
