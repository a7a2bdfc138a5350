package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"credit_ledger/internal/storage"
)

// ProviderStripe names Stripe in identity links and ledger entries.
const ProviderStripe = "stripe"

// ErrMissingSubject is returned when an event names no account and no
// customer.
var ErrMissingSubject = errors.New("payments: event has no account or customer")

// accountNamespace seeds deterministic account ids for external identities.
var accountNamespace = uuid.MustParse("5b0d7c1e-3f5a-4c55-9a0e-6f1f3c2d8a41")

// SubjectKind tells how an event identifies the paying user.
type SubjectKind int

const (
	// SubjectAccountID is a ledger account id set by our checkout page.
	SubjectAccountID SubjectKind = iota + 1
	// SubjectExternalIdentity is a payment provider customer id.
	SubjectExternalIdentity
)

// Subject is the payer named by an event.
type Subject struct {
	Kind  SubjectKind
	Value string
}

// IdentityLinks maps payment provider customers to accounts.
type IdentityLinks interface {
	Find(ctx context.Context, provider, externalID string) (string, error)
	Link(ctx context.Context, provider, externalID, userID string) (string, error)
}

// subjectOf picks the account reference first and falls back to the
// customer id.
func subjectOf(clientReferenceID string, metadata map[string]string, customer string) (Subject, error) {
	if id := strings.TrimSpace(clientReferenceID); id != "" {
		return Subject{Kind: SubjectAccountID, Value: id}, nil
	}
	if id := strings.TrimSpace(metadata["userId"]); id != "" {
		return Subject{Kind: SubjectAccountID, Value: id}, nil
	}
	if id := strings.TrimSpace(customer); id != "" {
		return Subject{Kind: SubjectExternalIdentity, Value: id}, nil
	}
	return Subject{}, ErrMissingSubject
}

// ExternalAccountID is the account id given to an unlinked customer. The
// same customer always maps to the same id.
func ExternalAccountID(provider, externalID string) string {
	return uuid.NewSHA1(accountNamespace, []byte(provider+":"+externalID)).String()
}

// resolve turns a subject into an account id, linking new customers.
func resolve(ctx context.Context, links IdentityLinks, subject Subject) (string, error) {
	switch subject.Kind {
	case SubjectAccountID:
		return subject.Value, nil
	case SubjectExternalIdentity:
		userID, err := links.Find(ctx, ProviderStripe, subject.Value)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, storage.ErrIdentityNotFound) {
			return "", err
		}
		return links.Link(ctx, ProviderStripe, subject.Value, ExternalAccountID(ProviderStripe, subject.Value))
	default:
		return "", fmt.Errorf("payments: unknown subject kind %d", subject.Kind)
	}
}
