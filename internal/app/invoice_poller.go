package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

// PaymentProvider is the external invoicing service.
type PaymentProvider interface {
	Name() string
	CreateInvoice(ctx context.Context, amount decimal.Decimal, currency, description string) (domain.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (domain.InvoiceState, error)
}

// SignalPublisher hands a payment signal to whatever consumes them.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig domain.PaymentSignal) error
}

// InvoicePoller assigns invoices to new payments and polls pending ones,
// publishing a signal when the provider reports them paid.
type InvoicePoller struct {
	payments  PaymentRepository
	orders    OrderRepository
	provider  PaymentProvider
	publisher SignalPublisher
	index     InvoiceIndex
	clock     clock.Clock
	interval  time.Duration
	batch     int
	logger    zerolog.Logger
}

const (
	defaultPollInterval = 15 * time.Second
	defaultPollBatch    = 100
)

type PollerOption func(*InvoicePoller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *InvoicePoller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPollBatch(n int) PollerOption {
	return func(p *InvoicePoller) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithPollerIndex(idx InvoiceIndex) PollerOption {
	return func(p *InvoicePoller) {
		if idx != nil {
			p.index = idx
		}
	}
}

func WithPollerLogger(l zerolog.Logger) PollerOption {
	return func(p *InvoicePoller) {
		p.logger = l
	}
}

func NewInvoicePoller(payments PaymentRepository, orders OrderRepository, provider PaymentProvider, publisher SignalPublisher, clk clock.Clock, opts ...PollerOption) *InvoicePoller {
	p := &InvoicePoller{
		payments:  payments,
		orders:    orders,
		provider:  provider,
		publisher: publisher,
		index:     noopIndex{},
		clock:     clk,
		interval:  defaultPollInterval,
		batch:     defaultPollBatch,
		logger:    logging.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AssignInvoices creates an invoice for every payment still waiting for one.
// It returns how many payments moved to pending.
func (p *InvoicePoller) AssignInvoices(ctx context.Context) (int, error) {
	waiting, err := p.payments.ListPaymentsByStatus(ctx, domain.PaymentStatusAwaitingInvoice, p.batch)
	if err != nil {
		return 0, fmt.Errorf("list payments awaiting invoice: %w", err)
	}

	assigned := 0
	for _, payment := range waiting {
		if ctx.Err() != nil {
			break
		}
		log := p.logger.With().Str("order_id", payment.OrderID).Str("payment_id", payment.ID).Logger()

		inv, err := p.provider.CreateInvoice(ctx, payment.Amount, payment.Currency, "Order "+payment.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.provider.Name()).Msg("create invoice failed")
			if errors.Is(err, domain.ErrProviderUnavailable) {
				break
			}
			continue
		}

		if _, err := p.payments.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentUpdate{
			From:      []domain.PaymentStatus{domain.PaymentStatusAwaitingInvoice},
			To:        domain.PaymentStatusPending,
			InvoiceID: inv.ID,
			PayURL:    inv.PayURL,
		}); err != nil {
			// Cancelled meanwhile; the invoice simply expires at the provider.
			log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("attach invoice failed")
			continue
		}
		if _, err := p.orders.UpdateOrderStatus(ctx, payment.OrderID, domain.OrderUpdate{
			From: []domain.OrderStatus{domain.OrderStatusPending},
			To:   domain.OrderStatusAwaitingPayment,
		}); err != nil && !errors.Is(err, domain.ErrConflict) {
			log.Warn().Err(err).Msg("mark order awaiting payment failed")
		}
		p.index.Remember(ctx, inv.ID, InvoiceRef{PaymentID: payment.ID, OrderID: payment.OrderID})
		assigned++
		log.Info().Str("invoice_id", inv.ID).Msg("invoice assigned")
	}
	return assigned, nil
}

// CheckPending asks the provider about every pending invoice and publishes a
// signal for those reported paid. It returns how many signals were published.
func (p *InvoicePoller) CheckPending(ctx context.Context) (int, error) {
	pending, err := p.payments.ListPaymentsByStatus(ctx, domain.PaymentStatusPending, p.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}

	published := 0
	for _, payment := range pending {
		if ctx.Err() != nil {
			break
		}
		ok, err := p.check(ctx, payment)
		if err != nil {
			p.logger.Warn().Err(err).Str("invoice_id", payment.InvoiceID).Msg("check invoice failed")
			if errors.Is(err, domain.ErrProviderUnavailable) {
				break
			}
			continue
		}
		if ok {
			published++
		}
	}
	return published, nil
}

// CheckPayment polls the provider for one order's payment. A paid invoice is
// published like any other signal; the returned payment is the stored record.
func (p *InvoicePoller) CheckPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	if orderID == "" {
		return domain.Payment{}, domain.ErrInvalidID
	}
	payment, err := p.payments.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return payment, nil
	}
	if _, err := p.check(ctx, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

func (p *InvoicePoller) check(ctx context.Context, payment domain.Payment) (bool, error) {
	if payment.InvoiceID == "" {
		return false, nil
	}
	state, err := p.provider.GetInvoiceStatus(ctx, payment.InvoiceID)
	if err != nil {
		return false, err
	}
	if state.Status != domain.InvoiceStatusPaid {
		return false, nil
	}
	sig := domain.PaymentSignal{
		InvoiceID: payment.InvoiceID,
		Status:    domain.InvoiceStatusPaid,
		PaidAt:    state.PaidAt,
		Source:    domain.SignalSourcePoll,
	}
	if err := p.publisher.PublishSignal(ctx, sig); err != nil {
		return false, fmt.Errorf("publish payment signal: %w", err)
	}
	return true, nil
}

// Run polls immediately and then every interval until ctx is done.
func (p *InvoicePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *InvoicePoller) Serve(ctx context.Context) error {
	return p.Run(ctx)
}

func (p *InvoicePoller) String() string {
	return "invoice-poller"
}

func (p *InvoicePoller) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("invoice poll panicked")
		}
	}()
	if _, err := p.AssignInvoices(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Msg("assign invoices failed")
	}
	if _, err := p.CheckPending(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Msg("check pending invoices failed")
	}
}
