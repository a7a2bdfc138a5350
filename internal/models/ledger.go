package models

import (
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/money"
)

// OperationType is the kind of monetary operation a ledger entry records
// (stored as TEXT in Postgres).
type OperationType string

const (
	OperationSignupCredit OperationType = "SIGNUP_CREDIT"
	OperationTopUp        OperationType = "TOPUP"
	OperationUsageCharge  OperationType = "USAGE_CHARGE"
	OperationRefund       OperationType = "REFUND"
)

// IsValid reports whether o is one of the known operation types.
func (o OperationType) IsValid() bool {
	switch o {
	case OperationSignupCredit, OperationTopUp, OperationUsageCharge, OperationRefund:
		return true
	default:
		return false
	}
}

// IsCredit reports whether entries of this type add to the balance.
func (o OperationType) IsCredit() bool {
	return o == OperationSignupCredit || o == OperationTopUp
}

//
// Account (accounts table)
//

// Account is a user's prepaid balance. It is created once, together with
// the signup credit, and only mutated by ledger operations.
type Account struct {
	UserID            string           `db:"user_id" json:"userId"`
	BalanceMicroCents money.MicroCents `db:"balance_micro_cents" json:"balanceMicroCents"`
	CreatedAt         time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updatedAt"`
}

//
// LedgerEntry (ledger_entries table)
//

// LedgerEntry is the append-only record of one committed monetary
// operation. Its IdempotencyKey is globally unique.
type LedgerEntry struct {
	ID                     uuid.UUID        `db:"id" json:"id"`
	UserID                 string           `db:"user_id" json:"userId"`
	Type                   OperationType    `db:"operation_type" json:"operationType"`
	AmountMicroCents       money.MicroCents `db:"amount_micro_cents" json:"amountMicroCents"`
	BalanceAfterMicroCents money.MicroCents `db:"balance_after_micro_cents" json:"resultBalanceMicroCents"`
	IdempotencyKey         string           `db:"idempotency_key" json:"idempotencyKey"`
	ReferenceEntryID       uuid.NullUUID    `db:"reference_entry_id" json:"referenceEntryId,omitempty"`
	PaymentReference       *string          `db:"payment_reference" json:"paymentReference,omitempty"`
	Metadata               EntryMetadata    `db:"metadata" json:"metadata"`
	CreatedAt              time.Time        `db:"created_at" json:"createdAt"`
}

// IsBonus reports whether the entry is a first-top-up bonus credit.
func (e *LedgerEntry) IsBonus() bool {
	return e.Type == OperationTopUp && e.Metadata.Bonus
}

// EntryMetadata carries the operation details stored alongside an entry.
type EntryMetadata struct {
	// Usage charges
	Model          string           `json:"model,omitempty"`
	ProviderCallID string           `json:"providerCallId,omitempty"`
	TokensUsed     int64            `json:"tokensUsed,omitempty"`
	PricePerToken  money.MicroCents `json:"pricePerTokenMicroCents,omitempty"`
	FeeBasisPoints int64            `json:"feeBasisPoints,omitempty"`
	ProviderCost   money.MicroCents `json:"providerCostMicroCents,omitempty"`
	Fee            money.MicroCents `json:"feeMicroCents,omitempty"`

	// Top-ups
	PaymentProvider string `json:"paymentProvider,omitempty"`
	Bonus           bool   `json:"bonus,omitempty"`

	// Refunds
	Reason    string           `json:"reason,omitempty"`
	Requested money.MicroCents `json:"requestedMicroCents,omitempty"`
	Shortfall money.MicroCents `json:"shortfallMicroCents,omitempty"`
}
