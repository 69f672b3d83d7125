package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

const defaultConfirmTimeout = 5 * time.Second

var errNotConfirmed = errors.New("delivery not confirmed by broker")

// publisher is the part of *amqp.Channel the notifier uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes each delivery as a persistent message and waits for
// the broker's publisher confirm. Publishes are serialized; confirms left over
// from a publish that timed out are skipped by delivery tag.
type AMQPNotifier struct {
	mu             sync.Mutex
	conn           *amqp.Connection
	ch             publisher
	confirms       chan amqp.Confirmation
	seq            uint64
	exchange       string
	routingKey     string
	confirmTimeout time.Duration
	clock          clock.Clock
	logger         zerolog.Logger
}

type AMQPOption func(*AMQPNotifier)

func WithConfirmTimeout(d time.Duration) AMQPOption {
	return func(n *AMQPNotifier) {
		if d > 0 {
			n.confirmTimeout = d
		}
	}
}

func WithAMQPLogger(l zerolog.Logger) AMQPOption {
	return func(n *AMQPNotifier) {
		n.logger = l
	}
}

// DialAMQP connects to url, puts a channel in confirm mode and declares a
// durable topic exchange.
func DialAMQP(url, exchange, routingKey string, clk clock.Clock, opts ...AMQPOption) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 16))

	n := newAMQPNotifier(ch, confirms, exchange, routingKey, clk, opts...)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, confirms chan amqp.Confirmation, exchange, routingKey string, clk clock.Clock, opts ...AMQPOption) *AMQPNotifier {
	n := &AMQPNotifier{
		ch:             ch,
		confirms:       confirms,
		exchange:       exchange,
		routingKey:     routingKey,
		confirmTimeout: defaultConfirmTimeout,
		clock:          clk,
		logger:         logging.Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *AMQPNotifier) Notify(ctx context.Context, channelRef string, b domain.Bundle) error {
	body, err := json.Marshal(newMessage(channelRef, b, n.clock.Now()))
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.ch.Publish(n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     b.OrderID,
		CorrelationId: logging.RequestID(ctx),
		Timestamp:     n.clock.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	n.seq++

	timer := time.NewTimer(n.confirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-n.confirms:
			if !ok {
				return fmt.Errorf("publish delivery: %w: channel closed", errNotConfirmed)
			}
			if c.DeliveryTag < n.seq {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("publish delivery: %w: nack", errNotConfirmed)
			}
			logging.Ctx(ctx, n.logger).Debug().Str("order_id", b.OrderID).Uint64("delivery_tag", c.DeliveryTag).Msg("delivery confirmed")
			return nil
		case <-timer.C:
			return fmt.Errorf("publish delivery: %w: timeout", errNotConfirmed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.ch.Close()
	if n.conn != nil {
		err = errors.Join(err, n.conn.Close())
	}
	return err
}
