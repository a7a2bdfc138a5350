package middleware

import (
	"context"
	"errors"
	"net/http"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// ServiceKeyRecordKey is the context key for the authenticated service key
	ServiceKeyRecordKey ContextKey = "serviceKeyRecord"
)

// ServiceKeyMiddleware authenticates backend callers by their X-API-Key
// header and adds the key record to the request context
func ServiceKeyMiddleware(store auth.ServiceKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			ctx := r.Context()
			keyRecord, err := store.Lookup(ctx, apiKey)
			if err != nil {
				if errors.Is(err, auth.ErrKeyNotFound) {
					utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				logger.Error("Service key lookup failed", "error", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key")
				return
			}

			if keyRecord.Revoked {
				utils.RespondWithError(w, http.StatusUnauthorized, "API key has been revoked")
				return
			}

			ctx = context.WithValue(ctx, ServiceKeyRecordKey, keyRecord)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServiceKeyRecord retrieves the service key record from the request context
func GetServiceKeyRecord(ctx context.Context) (*auth.ServiceKeyRecord, bool) {
	record, ok := ctx.Value(ServiceKeyRecordKey).(*auth.ServiceKeyRecord)
	return record, ok
}
