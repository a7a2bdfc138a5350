package httpapi

import (
	"errors"
	"net/http"

	"credit_ledger/internal/billing"
	"credit_ledger/internal/money"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

var logger = utils.NewLogger("httpapi")

// Error codes in response bodies
const (
	CodeInvalidInput      = "invalid_input"
	CodeUserNotFound      = "user_not_found"
	CodeEntryNotFound     = "entry_not_found"
	CodeUnknownModel      = "unknown_model"
	CodeInsufficientFunds = "insufficient_funds"
	CodeConflict          = "conflict"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal_error"
)

// respondWithLedgerError maps ledger errors onto HTTP statuses
func respondWithLedgerError(w http.ResponseWriter, err error) {
	var fieldErr *utils.FieldError
	var invalid *money.InvalidInputError

	switch {
	case errors.As(err, &fieldErr):
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidInput, fieldErr.Message, fieldErr.Field)
	case errors.As(err, &invalid):
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidInput, invalid.Error(), invalid.Field)
	case errors.Is(err, billing.ErrInvalidInput), errors.Is(err, billing.ErrOverflow):
		utils.RespondWithErrorCode(w, http.StatusBadRequest, CodeInvalidInput, err.Error(), "")
	case errors.Is(err, billing.ErrUserNotFound):
		utils.RespondWithErrorCode(w, http.StatusNotFound, CodeUserNotFound, "user not found", "")
	case errors.Is(err, billing.ErrEntryNotFound):
		utils.RespondWithErrorCode(w, http.StatusNotFound, CodeEntryNotFound, "ledger entry not found", "")
	case errors.Is(err, queue.ErrItemNotFound):
		utils.RespondWithErrorCode(w, http.StatusNotFound, CodeNotFound, "dead letter item not found", "")
	case errors.Is(err, billing.ErrUnknownModel):
		utils.RespondWithErrorCode(w, http.StatusUnprocessableEntity, CodeUnknownModel, err.Error(), "model")
	case errors.Is(err, billing.ErrInsufficientFunds):
		utils.RespondWithErrorCode(w, http.StatusPaymentRequired, CodeInsufficientFunds, err.Error(), "")
	case errors.Is(err, billing.ErrConflict):
		utils.RespondWithErrorCode(w, http.StatusConflict, CodeConflict, "concurrent update, retry the request", "")
	default:
		logger.Error("Request failed", "error", err)
		utils.RespondWithErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal error", "")
	}
}
