package billing

import (
	"fmt"

	"credit_ledger/internal/money"
	"credit_ledger/internal/utils"
)

// bonusKeySuffix marks the second entry of a first top-up.
const bonusKeySuffix = ":bonus"

// SignupKey is the idempotency key of a user's signup credit.
func SignupKey(userID string) string {
	return boundKey("signup-" + userID)
}

// UsageKey derives a usage charge key from the call's natural identity.
func UsageKey(threadID, provider, model string, totalTokens int64) string {
	return boundKey(fmt.Sprintf("usage:%s:%s:%s:%d", threadID, provider, model, totalTokens))
}

// ProviderCallKey derives a usage charge key from a provider call id.
func ProviderCallKey(userID, providerCallID string) string {
	return boundKey(fmt.Sprintf("usage:%s:%s", userID, providerCallID))
}

// PaymentReferenceKey derives a top-up key when a caller supplies only the
// payment reference.
func PaymentReferenceKey(provider, reference string) string {
	return boundKey(fmt.Sprintf("topup:%s:%s", provider, reference))
}

func bonusKey(key string) string {
	return key + bonusKeySuffix
}

// boundKey keeps derived keys within the key length ceiling. Long keys are
// replaced by their digest, which is just as deterministic.
func boundKey(key string) string {
	if len(key) <= money.MaxIdempotencyKeyLength {
		return key
	}
	return "sha256:" + utils.HashString(key)
}
