package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

// WebhookParser verifies a provider push and turns it into a payment signal.
// ok is false for pushes that carry no invoice state.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (sig domain.PaymentSignal, ok bool, err error)
}

type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig domain.PaymentSignal) error
}

type webhookResponse struct {
	Status string `json:"status"`
}

// HandlePaymentWebhook accepts provider pushes. The signal is queued, not
// processed inline, so the provider gets its 200 quickly; a queueing failure
// answers 503 so the provider retries.
func HandlePaymentWebhook(parser WebhookParser, publisher SignalPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		log := logging.Ctx(r.Context(), logging.Logger())

		sig, ok, err := parser.ParseWebhook(r.Header, body)
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			log.Warn().Msg("webhook rejected, bad signature")
			writeError(w, http.StatusUnauthorized, codeInvalidSignature, "invalid signature")
			return
		case err != nil:
			log.Warn().Err(err).Msg("webhook rejected, unreadable payload")
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid webhook payload")
			return
		case !ok:
			writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
			return
		}

		sig.Source = domain.SignalSourceWebhook
		if err := publisher.PublishSignal(r.Context(), sig); err != nil {
			log.Error().Err(err).Str("invoice_id", sig.InvoiceID).Msg("queue webhook signal failed")
			writeError(w, http.StatusServiceUnavailable, codeInternalError, "try again later")
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{Status: "accepted"})
	}
}
