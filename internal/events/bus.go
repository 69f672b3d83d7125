// Package events carries payment signals from their sources (webhook, poller)
// to the fulfillment service over an in-process watermill bus.
//
// Webhook pushes and poll results take the same path, so the fulfillment
// side sees one stream of at-least-once signals regardless of where they came
// from. Handler errors are retried with backoff; a signal that still fails
// after the last retry is acked and counted. A failure before any unit was
// sold reopens the payment gate, so the poller picks the invoice up again on
// its next pass; later failures leave the order paid for Redeliver.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/metrics"
)

const (
	SignalTopic = "payment.signals"

	handlerName      = "fulfillment"
	metaRequestID    = "request_id"
	metaSignalSource = "source"
)

// SignalHandler consumes payment signals. app.FulfillmentService implements it.
type SignalHandler interface {
	OnPaymentConfirmed(ctx context.Context, sig domain.PaymentSignal) (app.FulfillmentResult, error)
}

type Config struct {
	RetryMax             int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	CloseTimeout         time.Duration
	BufferSize           int64
}

func DefaultConfig() Config {
	return Config{
		RetryMax:             5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
		CloseTimeout:         10 * time.Second,
		BufferSize:           64,
	}
}

// Bus publishes payment signals and runs the router that feeds them to a SignalHandler.
type Bus struct {
	pubsub  *gochannel.GoChannel
	router  *message.Router
	handler SignalHandler
	logger  zerolog.Logger
}

type Option func(*Bus)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

func New(handler SignalHandler, cfg Config, opts ...Option) (*Bus, error) {
	if handler == nil {
		return nil, errors.New("signal handler is required")
	}
	def := DefaultConfig()
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	b := &Bus{
		handler: handler,
		logger:  logging.Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	wmLogger := newLoggerAdapter(b.logger)

	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.BufferSize,
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create signal router: %w", err)
	}

	// Outermost first: give up, recover panics, retry.
	router.AddMiddleware(b.dropExhausted)
	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMax,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      2,
		Logger:          wmLogger,
	}
	router.AddMiddleware(retry.Middleware)

	router.AddConsumerHandler(handlerName, SignalTopic, b.pubsub, b.handle)
	b.router = router
	return b, nil
}

// PublishSignal queues sig for the fulfillment handler. It waits for the
// router to be subscribed, since the in-memory channel drops messages that
// have no subscriber.
func (b *Bus) PublishSignal(ctx context.Context, sig domain.PaymentSignal) error {
	select {
	case <-b.router.Running():
	case <-ctx.Done():
		return fmt.Errorf("publish signal: %w", ctx.Err())
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaSignalSource, sig.Source)
	if id := logging.RequestID(ctx); id != "" {
		msg.Metadata.Set(metaRequestID, id)
	}
	if err := b.pubsub.Publish(SignalTopic, msg); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

func (b *Bus) handle(msg *message.Message) error {
	var sig domain.PaymentSignal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("malformed payment signal dropped")
		return nil
	}

	ctx := logging.WithRequestID(msg.Context(), msg.Metadata.Get(metaRequestID))
	log := logging.Ctx(ctx, b.logger).With().
		Str("invoice_id", sig.InvoiceID).
		Str("source", sig.Source).
		Logger()

	res, err := b.handler.OnPaymentConfirmed(ctx, sig)
	switch {
	case err == nil:
		log.Debug().Str("outcome", string(res.Outcome)).Str("order_id", res.OrderID).Msg("payment signal handled")
		return nil
	case isFinal(err):
		log.Warn().Err(err).Str("order_id", res.OrderID).Msg("payment signal settled with error")
		return nil
	default:
		return err
	}
}

// isFinal reports errors that retrying the same signal cannot change.
func isFinal(err error) bool {
	return errors.Is(err, domain.ErrUnknownInvoice) ||
		errors.Is(err, domain.ErrPaymentCancelled) ||
		domain.NeedsOperator(err)
}

// dropExhausted acks a message whose retries ran out. The in-memory channel
// would otherwise redeliver a nacked message forever.
func (b *Bus) dropExhausted(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			metrics.SignalsDropped.Inc()
			b.logger.Error().Err(err).
				Str("message_id", msg.UUID).
				Str("source", msg.Metadata.Get(metaSignalSource)).
				Msg("payment signal dropped after retries")
			return nil, nil
		}
		return out, nil
	}
}

// Run subscribes the router and blocks until ctx is cancelled or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the router is subscribed.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	return errors.Join(b.router.Close(), b.pubsub.Close())
}

func (b *Bus) String() string {
	return "signal-bus"
}
