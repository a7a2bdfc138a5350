package money

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Input ceilings.
const (
	MaxTopUp                MicroCents = 1_000_000 * MicroCentsPerDollar
	MaxTokensPerCall        int64      = 10_000_000
	MaxPricePerToken        MicroCents = MicroCentsPerDollar
	MaxFeeBasisPoints       int64      = 10_000
	MaxIdempotencyKeyLength            = 255
)

// ErrInvalidInput classifies every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// InvalidInputError names the offending field. It matches ErrInvalidInput
// under errors.Is.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Invalid builds an InvalidInputError.
func Invalid(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// ValidateAmount checks that amount lies in [0, ceiling].
func ValidateAmount(field string, amount, ceiling MicroCents) error {
	if amount < 0 {
		return Invalid(field, "must not be negative")
	}
	if amount > ceiling {
		return Invalid(field, fmt.Sprintf("must not exceed %s", ceiling))
	}
	return nil
}

// ValidateTopUpAmount checks a credit amount: positive and at most MaxTopUp.
func ValidateTopUpAmount(amount MicroCents) error {
	if amount == 0 {
		return Invalid("amount", "must be positive")
	}
	return ValidateAmount("amount", amount, MaxTopUp)
}

// ValidateTokens checks a per-call token count.
func ValidateTokens(tokens int64) error {
	if tokens <= 0 {
		return Invalid("tokensUsed", "must be positive")
	}
	if tokens > MaxTokensPerCall {
		return Invalid("tokensUsed", fmt.Sprintf("must not exceed %d", MaxTokensPerCall))
	}
	return nil
}

// ValidatePricePerToken checks a configured per-token price.
func ValidatePricePerToken(price MicroCents) error {
	return ValidateAmount("pricePerToken", price, MaxPricePerToken)
}

// ValidateFeeBasisPoints checks a fee in the range 0..10000.
func ValidateFeeBasisPoints(bps int64) error {
	if bps < 0 || bps > MaxFeeBasisPoints {
		return Invalid("feeBasisPoints", fmt.Sprintf("must be between 0 and %d", MaxFeeBasisPoints))
	}
	return nil
}

// ValidateIdempotencyKey checks a supplied key. Callers that derive keys
// when none is supplied skip this for the empty string.
func ValidateIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return Invalid("idempotencyKey", "must not be empty")
	}
	if !utf8.ValidString(key) {
		return Invalid("idempotencyKey", "must be valid UTF-8")
	}
	if len(key) > MaxIdempotencyKeyLength {
		return Invalid("idempotencyKey", fmt.Sprintf("must not exceed %d bytes", MaxIdempotencyKeyLength))
	}
	return nil
}

// ValidateRequired checks that an identifier is present.
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Invalid(field, "is required")
	}
	return nil
}
