package http

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

const (
	codeMethodNotAllowed      = "method_not_allowed"
	codeNotFound              = "not_found"
	codeInvalidRequestBody    = "invalid_request_body"
	codeValidationFailed      = "validation_failed"
	codeInvalidID             = "invalid_id"
	codeInvalidQuantity       = "invalid_quantity"
	codeInvalidAmount         = "invalid_amount"
	codeTitleRequired         = "title_required"
	codeInsufficientInventory = "insufficient_inventory"
	codeProductNotFound       = "product_not_found"
	codeCartNotFound          = "cart_not_found"
	codeEmptyCart             = "empty_cart"
	codeOrderNotFound         = "order_not_found"
	codePaymentNotFound       = "payment_not_found"
	codeOrderNotCancellable   = "order_not_cancellable"
	codeOrderNotRedeliverable = "order_not_redeliverable"
	codeConflict              = "conflict"
	codeInvalidSignature      = "invalid_signature"
	codeProviderUnavailable   = "provider_unavailable"
	codeFulfillmentFailed     = "fulfillment_failed"
	codeUnauthorized          = "unauthorized"
	codeRateLimited           = "rate_limited"
	codeInternalError         = "internal_error"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: w.Header().Get(requestIDHeader),
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrInvalidID, http.StatusBadRequest, codeInvalidID},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codeInvalidQuantity},
	{domain.ErrInvalidAmount, http.StatusBadRequest, codeInvalidAmount},
	{domain.ErrTitleRequired, http.StatusBadRequest, codeTitleRequired},
	{domain.ErrEmptyCart, http.StatusBadRequest, codeEmptyCart},
	{domain.ErrInsufficientInventory, http.StatusConflict, codeInsufficientInventory},
	{domain.ErrOrderNotCancellable, http.StatusConflict, codeOrderNotCancellable},
	{domain.ErrOrderNotRedeliverable, http.StatusConflict, codeOrderNotRedeliverable},
	{domain.ErrConflict, http.StatusConflict, codeConflict},
	{domain.ErrProductNotFound, http.StatusNotFound, codeProductNotFound},
	{domain.ErrCartNotFound, http.StatusNotFound, codeCartNotFound},
	{domain.ErrOrderNotFound, http.StatusNotFound, codeOrderNotFound},
	{domain.ErrPaymentNotFound, http.StatusNotFound, codePaymentNotFound},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, codeInvalidSignature},
	{domain.ErrProviderUnavailable, http.StatusServiceUnavailable, codeProviderUnavailable},
}

// writeServiceError maps a service error to a response. Fulfillment failures
// get a generic message pointing the buyer at support; anything unmapped is
// logged and hidden behind a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if domain.NeedsOperator(err) {
		logging.Ctx(r.Context(), logging.Logger()).Error().Err(err).Msg("request hit a fulfillment failure")
		writeError(w, http.StatusInternalServerError, codeFulfillmentFailed,
			"your order could not be completed automatically, please contact support")
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, m.err.Error())
			return
		}
	}
	logging.Ctx(r.Context(), logging.Logger()).Error().Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
