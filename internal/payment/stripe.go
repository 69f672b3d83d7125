package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

const stripeSignatureHeader = "Stripe-Signature"

// Stripe issues payment intents as invoices. The intent id is the invoice id
// and its client secret is handed out as the pay reference.
type Stripe struct {
	intents       *paymentintent.Client
	webhookSecret string
	guard         *guard
	logger        zerolog.Logger
}

type StripeOption func(*Stripe)

// WithStripeBackend points the client at another API backend, e.g. stripe-mock.
func WithStripeBackend(b stripe.Backend) StripeOption {
	return func(s *Stripe) {
		if b != nil {
			s.intents.B = b
		}
	}
}

func WithStripeLogger(l zerolog.Logger) StripeOption {
	return func(s *Stripe) {
		s.logger = l
	}
}

func NewStripe(secretKey, webhookSecret string, guardCfg GuardConfig, opts ...StripeOption) *Stripe {
	s := &Stripe{
		intents:       &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookSecret: webhookSecret,
		logger:        logging.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = newGuard("stripe", guardCfg, s.logger)
	return s
}

func (s *Stripe) Name() string { return "stripe" }

// minorUnits converts amount to the currency's smallest unit (cents).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (s *Stripe) CreateInvoice(ctx context.Context, amount decimal.Decimal, currency, description string) (domain.Invoice, error) {
	return call(ctx, s.guard, "create_invoice", func(ctx context.Context) (domain.Invoice, error) {
		params := &stripe.PaymentIntentParams{
			Amount:      stripe.Int64(minorUnits(amount)),
			Currency:    stripe.String(strings.ToLower(currency)),
			Description: stripe.String(description),
		}
		params.Context = ctx
		pi, err := s.intents.New(params)
		if err != nil {
			return domain.Invoice{}, stripeError("create payment intent", err)
		}
		return domain.Invoice{ID: pi.ID, PayURL: pi.ClientSecret}, nil
	})
}

func (s *Stripe) GetInvoiceStatus(ctx context.Context, invoiceID string) (domain.InvoiceState, error) {
	return call(ctx, s.guard, "get_invoice", func(ctx context.Context) (domain.InvoiceState, error) {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := s.intents.Get(invoiceID, params)
		if err != nil {
			var se *stripe.Error
			if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
				return domain.InvoiceState{}, domain.ErrUnknownInvoice
			}
			return domain.InvoiceState{}, stripeError("get payment intent", err)
		}
		return domain.InvoiceState{Status: intentStatus(pi.Status)}, nil
	})
}

func intentStatus(s stripe.PaymentIntentStatus) domain.InvoiceStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.InvoiceStatusPaid
	case stripe.PaymentIntentStatusCanceled:
		return domain.InvoiceStatusExpired
	default:
		return domain.InvoiceStatusActive
	}
}

// stripeError keeps 4xx answers out of the breaker and marks the rest as
// provider outages.
func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
		return fmt.Errorf("stripe %s: %w: %v", op, errRejected, err)
	}
	return fmt.Errorf("stripe %s: %w: %v", op, domain.ErrProviderUnavailable, err)
}

// ParseWebhook verifies the Stripe-Signature header and turns payment intent
// events into signals. ok is false for other event types.
func (s *Stripe) ParseWebhook(header http.Header, body []byte) (domain.PaymentSignal, bool, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get(stripeSignatureHeader), s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("stripe webhook signature verification failed")
		return domain.PaymentSignal{}, false, domain.ErrInvalidSignature
	}

	var status domain.InvoiceStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = domain.InvoiceStatusPaid
	case "payment_intent.canceled":
		status = domain.InvoiceStatusExpired
	default:
		s.logger.Debug().Str("event_type", string(event.Type)).Str("event_id", event.ID).Msg("ignoring stripe event")
		return domain.PaymentSignal{}, false, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return domain.PaymentSignal{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	return domain.PaymentSignal{
		InvoiceID: pi.ID,
		Status:    status,
		Source:    domain.SignalSourceWebhook,
	}, true, nil
}
