package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/metrics"
)

// Notifier delivers a finalized bundle to the buyer's channel.
type Notifier interface {
	Notify(ctx context.Context, channelRef string, bundle domain.Bundle) error
}

type Reserver interface {
	Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error)
	ConfirmHolds(ctx context.Context, cartID, buyerID string, unitIDs []string) ([]string, error)
}

type SaleFinalizer interface {
	MarkSold(ctx context.Context, unitIDs []string, orderID, buyerID string) (map[string]string, error)
}

type CartReleaser interface {
	ReleaseCart(ctx context.Context, cartID string) (int, error)
}

// FulfillmentDeps groups what the fulfillment service talks to. Index may be nil.
type FulfillmentDeps struct {
	Orders    OrderRepository
	Payments  PaymentRepository
	Carts     CartRepository
	Units     UnitRepository
	Sold      SoldRecordRepository
	Products  ProductRepository
	Reserver  Reserver
	Finalizer SaleFinalizer
	Releaser  CartReleaser
	Notifier  Notifier
	Index     InvoiceIndex
}

// FulfillmentService drives an order from a paid signal to delivery.
type FulfillmentService struct {
	orders    OrderRepository
	payments  PaymentRepository
	carts     CartRepository
	units     UnitRepository
	sold      SoldRecordRepository
	products  ProductRepository
	reserver  Reserver
	finalizer SaleFinalizer
	releaser  CartReleaser
	notifier  Notifier
	index     InvoiceIndex
	clock     clock.Clock
	logger    zerolog.Logger
}

type FulfillmentOption func(*FulfillmentService)

func WithFulfillmentLogger(l zerolog.Logger) FulfillmentOption {
	return func(s *FulfillmentService) {
		s.logger = l
	}
}

func NewFulfillmentService(deps FulfillmentDeps, clk clock.Clock, opts ...FulfillmentOption) *FulfillmentService {
	s := &FulfillmentService{
		orders:    deps.Orders,
		payments:  deps.Payments,
		carts:     deps.Carts,
		units:     deps.Units,
		sold:      deps.Sold,
		products:  deps.Products,
		reserver:  deps.Reserver,
		finalizer: deps.Finalizer,
		releaser:  deps.Releaser,
		notifier:  deps.Notifier,
		index:     deps.Index,
		clock:     clk,
		logger:    logging.Logger(),
	}
	if s.index == nil {
		s.index = noopIndex{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type FulfillmentOutcome string

const (
	OutcomeDelivered FulfillmentOutcome = "delivered"
	OutcomeDuplicate FulfillmentOutcome = "duplicate"
	OutcomeIgnored   FulfillmentOutcome = "ignored"
	OutcomeFailed    FulfillmentOutcome = "failed"
)

type FulfillmentResult struct {
	OrderID   string
	Outcome   FulfillmentOutcome
	Delivered int
}

// errNothingSold marks a fulfillment failure that happened before any unit
// was finalized.
var errNothingSold = errors.New("no unit finalized")

// heldUnitsScanLimit caps how many of a cart's held units are read when
// line items have to be topped up.
const heldUnitsScanLimit = 1000

// OnPaymentConfirmed processes one payment signal. Signals may arrive more
// than once and from several sources; only the first one that passes the
// payment gate does any work. Duplicates return OutcomeDuplicate and no error.
func (s *FulfillmentService) OnPaymentConfirmed(ctx context.Context, sig domain.PaymentSignal) (FulfillmentResult, error) {
	source := sig.Source
	if source == "" {
		source = "unknown"
	}
	log := logging.Ctx(ctx, s.logger).With().Str("invoice_id", sig.InvoiceID).Str("source", source).Logger()

	if sig.Status != domain.InvoiceStatusPaid {
		metrics.PaymentSignals.WithLabelValues(source, string(OutcomeIgnored)).Inc()
		return FulfillmentResult{Outcome: OutcomeIgnored}, nil
	}

	payment, err := s.lookupPayment(ctx, sig.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownInvoice) {
			metrics.PaymentSignals.WithLabelValues(source, "unknown").Inc()
			log.Warn().Msg("payment signal for unknown invoice")
		}
		return FulfillmentResult{}, err
	}
	log = log.With().Str("order_id", payment.OrderID).Logger()

	// The gate: moving to processing succeeds for exactly one caller.
	if _, err := s.payments.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentUpdate{
		From: domain.ConfirmableStatuses,
		To:   domain.PaymentStatusProcessing,
	}); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return FulfillmentResult{}, fmt.Errorf("gate payment %s: %w", payment.ID, err)
		}
		current, gerr := s.payments.GetPayment(ctx, payment.ID)
		if gerr == nil && current.Status == domain.PaymentStatusCancelled {
			metrics.PaymentSignals.WithLabelValues(source, "cancelled").Inc()
			log.Error().Msg("paid signal for a cancelled payment, refund required")
			return FulfillmentResult{OrderID: payment.OrderID}, domain.ErrPaymentCancelled
		}
		metrics.PaymentSignals.WithLabelValues(source, string(OutcomeDuplicate)).Inc()
		log.Info().Msg("duplicate payment signal ignored")
		return FulfillmentResult{OrderID: payment.OrderID, Outcome: OutcomeDuplicate}, nil
	}
	metrics.PaymentSignals.WithLabelValues(source, "accepted").Inc()

	paidAt := s.clock.Now()
	if sig.PaidAt != nil {
		paidAt = *sig.PaidAt
	}

	order, err := s.orders.UpdateOrderStatus(ctx, payment.OrderID, domain.OrderUpdate{
		From:   []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment, domain.OrderStatusPaid},
		To:     domain.OrderStatusPaid,
		PaidAt: &paidAt,
	})
	if err != nil {
		s.reopenGate(ctx, payment, log)
		return FulfillmentResult{}, fmt.Errorf("mark order %s paid: %w", payment.OrderID, err)
	}
	if _, err := s.payments.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentUpdate{
		From:   []domain.PaymentStatus{domain.PaymentStatusProcessing},
		To:     domain.PaymentStatusPaid,
		PaidAt: &paidAt,
	}); err != nil {
		log.Error().Err(err).Msg("mark payment paid failed, payment stays processing")
	}

	result, err := s.fulfill(ctx, order, log)
	if errors.Is(err, errNothingSold) {
		// Nothing left the pool, so the next signal may start over.
		s.reopenGate(ctx, payment, log)
	}
	return result, err
}

func (s *FulfillmentService) lookupPayment(ctx context.Context, invoiceID string) (domain.Payment, error) {
	if invoiceID == "" {
		return domain.Payment{}, domain.ErrUnknownInvoice
	}
	if ref, ok := s.index.Lookup(ctx, invoiceID); ok {
		p, err := s.payments.GetPayment(ctx, ref.PaymentID)
		if err == nil && p.InvoiceID == invoiceID {
			return p, nil
		}
	}
	p, err := s.payments.GetPaymentByInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return domain.Payment{}, domain.ErrUnknownInvoice
		}
		return domain.Payment{}, err
	}
	s.index.Remember(ctx, invoiceID, InvoiceRef{PaymentID: p.ID, OrderID: p.OrderID})
	return p, nil
}

// reopenGate puts the payment back to its pre-gate status when no unit has
// been sold yet, so a retried or re-polled signal passes the gate again.
func (s *FulfillmentService) reopenGate(ctx context.Context, payment domain.Payment, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.payments.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentUpdate{
		From: []domain.PaymentStatus{domain.PaymentStatusProcessing, domain.PaymentStatusPaid},
		To:   payment.Status,
	}); err != nil {
		log.Error().Err(err).Msg("reopen payment gate failed, payment stuck in processing")
	}
}

func (s *FulfillmentService) fulfill(ctx context.Context, order domain.Order, log zerolog.Logger) (FulfillmentResult, error) {
	result := FulfillmentResult{OrderID: order.ID, Outcome: OutcomeFailed}

	buyerID := s.resolveBuyer(ctx, order, log)
	if buyerID == "" {
		return result, s.failOrder(ctx, order.ID, domain.ErrMissingBuyerReference, nil, log)
	}
	log = log.With().Str("buyer_id", buyerID).Logger()

	items, err := s.lineItems(ctx, order)
	if err != nil {
		return result, fmt.Errorf("gather line items for order %s: %w: %w", order.ID, errNothingSold, err)
	}
	if len(items) == 0 {
		return result, s.failOrder(ctx, order.ID, domain.ErrUnreconcilableOrder, nil, log)
	}

	for i := range items {
		items[i].UnitIDs = s.secureUnits(ctx, order, buyerID, items[i], log)
	}

	soldIDs, err := s.finalizer.MarkSold(ctx, unitIDsOf(items), order.ID, buyerID)
	if err != nil && len(soldIDs) == 0 {
		return result, fmt.Errorf("finalize order %s: %w: %w", order.ID, errNothingSold, err)
	}

	// The cart aggregate counts held and sold units alike, so a sale leaves it as is.
	for i := range items {
		ids := make([]string, 0, len(items[i].UnitIDs))
		for _, unitID := range items[i].UnitIDs {
			if recID, ok := soldIDs[unitID]; ok {
				ids = append(ids, recID)
			}
		}
		items[i].UnitIDs = ids
	}
	if err := s.orders.UpdateOrderItems(ctx, order.ID, items); err != nil {
		log.Error().Err(err).Msg("store sold record ids on order failed")
	}

	want := domain.TotalQuantity(items)
	partial := len(soldIDs) < want

	if len(soldIDs) > 0 {
		bundle, err := s.buildBundle(ctx, order.ID)
		if err != nil {
			return result, fmt.Errorf("build bundle for order %s: %w", order.ID, err)
		}
		if err := s.notifier.Notify(ctx, buyerID, bundle); err != nil {
			metrics.FulfillmentFailures.WithLabelValues("delivery").Inc()
			log.Error().Err(err).Int("sold", len(soldIDs)).Msg("delivery failed, order needs redelivery")
			return result, &domain.FulfillmentError{OrderID: order.ID, Kind: domain.ErrDeliveryFailure, Err: err}
		}
		result.Delivered = bundle.Count()
	}

	if partial {
		metrics.FulfillmentFailures.WithLabelValues("partial").Inc()
		log.Error().Int("wanted", want).Int("sold", len(soldIDs)).Msg("order only partially fulfilled")
		return result, &domain.FulfillmentError{
			OrderID: order.ID,
			Kind:    domain.ErrPartialFulfillment,
			Err:     fmt.Errorf("sold %d of %d units", len(soldIDs), want),
		}
	}

	if err := s.markDelivered(ctx, order.ID); err != nil {
		return result, err
	}
	result.Outcome = OutcomeDelivered
	log.Info().Int("delivered", result.Delivered).Msg("order delivered")
	return result, nil
}

func (s *FulfillmentService) resolveBuyer(ctx context.Context, order domain.Order, log zerolog.Logger) string {
	if order.BuyerID != "" {
		return order.BuyerID
	}
	if order.CartID == "" {
		return ""
	}
	cart, err := s.carts.GetCart(ctx, order.CartID)
	if err != nil {
		if !errors.Is(err, domain.ErrCartNotFound) {
			log.Warn().Err(err).Msg("read cart for buyer reference failed")
		}
		return ""
	}
	return cart.BuyerID
}

func (s *FulfillmentService) lineItems(ctx context.Context, order domain.Order) ([]domain.LineItem, error) {
	var cartItems []domain.CartItem
	if len(order.Items) == 0 && order.CartID != "" {
		var err error
		cartItems, err = s.carts.ListCartItems(ctx, order.CartID)
		if err != nil {
			return nil, err
		}
	}

	var held []domain.Unit
	if order.CartID != "" {
		unsold := false
		var err error
		held, err = s.units.ListUnits(ctx, domain.UnitFilter{CartID: order.CartID, Sold: &unsold}, heldUnitsScanLimit)
		if err != nil {
			return nil, err
		}
	}
	return CanonicalLineItems(order, cartItems, held), nil
}

// secureUnits re-asserts the cart's holds for an item and reserves fresh
// units for whatever is missing. It returns the unit ids it could secure.
func (s *FulfillmentService) secureUnits(ctx context.Context, order domain.Order, buyerID string, item domain.LineItem, log zerolog.Logger) []string {
	log = log.With().Str("product_id", item.ProductID).Logger()

	kept := []string{}
	if len(item.UnitIDs) > 0 {
		confirmed, err := s.reserver.ConfirmHolds(ctx, order.CartID, buyerID, item.UnitIDs)
		if err != nil {
			log.Error().Err(err).Msg("confirm holds failed")
		}
		kept = append(kept, confirmed...)
	}

	short := item.Quantity - len(kept)
	if short <= 0 {
		return kept[:item.Quantity]
	}
	cartID := order.CartID
	if cartID == "" {
		cartID = "order:" + order.ID
	}
	res, err := s.reserver.Reserve(ctx, ReserveInput{
		CartID:    cartID,
		ProductID: item.ProductID,
		BuyerID:   buyerID,
		Quantity:  short,
	})
	if err != nil {
		log.Warn().Err(err).Int("missing", short).Msg("could not reserve missing units")
		return kept
	}
	return append(kept, res.UnitIDs...)
}

func (s *FulfillmentService) failOrder(ctx context.Context, orderID string, kind error, cause error, log zerolog.Logger) error {
	metrics.FulfillmentFailures.WithLabelValues(failureLabel(kind)).Inc()
	log.Error().Err(kind).Msg("order cannot be fulfilled, operator attention required")
	if _, err := s.orders.UpdateOrderStatus(context.WithoutCancel(ctx), orderID, domain.OrderUpdate{
		From: []domain.OrderStatus{domain.OrderStatusPaid},
		To:   domain.OrderStatusFailed,
	}); err != nil {
		log.Error().Err(err).Msg("mark order failed failed")
	}
	return &domain.FulfillmentError{OrderID: orderID, Kind: kind, Err: cause}
}

func failureLabel(kind error) string {
	switch {
	case errors.Is(kind, domain.ErrMissingBuyerReference):
		return "missing_buyer"
	case errors.Is(kind, domain.ErrUnreconcilableOrder):
		return "unreconcilable"
	case errors.Is(kind, domain.ErrPartialFulfillment):
		return "partial"
	default:
		return "delivery"
	}
}

func (s *FulfillmentService) markDelivered(ctx context.Context, orderID string) error {
	now := s.clock.Now()
	if _, err := s.orders.UpdateOrderStatus(ctx, orderID, domain.OrderUpdate{
		From:        []domain.OrderStatus{domain.OrderStatusPaid},
		To:          domain.OrderStatusDelivered,
		DeliveredAt: &now,
	}); err != nil {
		return fmt.Errorf("mark order %s delivered: %w", orderID, err)
	}
	return nil
}

// buildBundle groups the order's sold records by product.
func (s *FulfillmentService) buildBundle(ctx context.Context, orderID string) (domain.Bundle, error) {
	records, err := s.sold.ListSoldRecordsByOrder(ctx, orderID)
	if err != nil {
		return domain.Bundle{}, err
	}
	byProduct := lo.GroupBy(records, func(r domain.SoldRecord) string { return r.ProductID })
	productIDs := lo.Keys(byProduct)
	sort.Strings(productIDs)

	bundle := domain.Bundle{OrderID: orderID}
	for _, productID := range productIDs {
		recs := byProduct[productID]
		sort.Slice(recs, func(i, j int) bool { return recs[i].UnitID < recs[j].UnitID })

		label := productID
		if p, err := s.products.GetProduct(ctx, productID); err == nil && p.Title != "" {
			label = p.Title
		}
		bundle.Sections = append(bundle.Sections, domain.BundleSection{
			ProductID: productID,
			Label:     label,
			Payloads:  lo.Map(recs, func(r domain.SoldRecord, _ int) string { return r.Payload }),
		})
	}
	return bundle, nil
}

// Redeliver resends the bundle of a paid order whose delivery failed. Units
// are never finalized again. A paid order with nothing sold yet is resumed
// through fulfillment instead.
func (s *FulfillmentService) Redeliver(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPaid {
		return domain.Order{}, domain.ErrOrderNotRedeliverable
	}
	log := logging.Ctx(ctx, s.logger).With().Str("order_id", orderID).Logger()

	buyerID := s.resolveBuyer(ctx, order, log)
	if buyerID == "" {
		return domain.Order{}, &domain.FulfillmentError{OrderID: orderID, Kind: domain.ErrMissingBuyerReference}
	}
	bundle, err := s.buildBundle(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if bundle.Count() == 0 {
		return s.resume(ctx, order, log)
	}
	if err := s.notifier.Notify(ctx, buyerID, bundle); err != nil {
		metrics.FulfillmentFailures.WithLabelValues("delivery").Inc()
		log.Error().Err(err).Msg("redelivery failed")
		return domain.Order{}, &domain.FulfillmentError{OrderID: orderID, Kind: domain.ErrDeliveryFailure, Err: err}
	}
	if err := s.markDelivered(ctx, orderID); err != nil {
		return domain.Order{}, err
	}
	log.Info().Int("delivered", bundle.Count()).Msg("order redelivered")
	return s.orders.GetOrder(ctx, orderID)
}

// resume re-runs fulfillment for a paid order whose earlier attempt sold
// nothing. A reopened payment goes back through the gate; a payment already
// past it is fulfilled directly.
func (s *FulfillmentService) resume(ctx context.Context, order domain.Order, log zerolog.Logger) (domain.Order, error) {
	payment, err := s.payments.GetPaymentByOrder(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	log.Info().Str("payment_status", string(payment.Status)).Msg("nothing sold yet, resuming fulfillment")

	switch {
	case lo.Contains(domain.ConfirmableStatuses, payment.Status):
		if payment.InvoiceID == "" {
			return domain.Order{}, domain.ErrOrderNotRedeliverable
		}
		res, err := s.OnPaymentConfirmed(ctx, domain.PaymentSignal{
			InvoiceID: payment.InvoiceID,
			Status:    domain.InvoiceStatusPaid,
			PaidAt:    order.PaidAt,
			Source:    domain.SignalSourceResume,
		})
		if err != nil {
			return domain.Order{}, err
		}
		if res.Outcome == OutcomeDuplicate {
			return domain.Order{}, domain.ErrOrderNotRedeliverable
		}
	case payment.Status == domain.PaymentStatusPaid, payment.Status == domain.PaymentStatusProcessing:
		if _, err := s.fulfill(ctx, order, log); err != nil {
			return domain.Order{}, err
		}
	default:
		return domain.Order{}, domain.ErrOrderNotRedeliverable
	}
	return s.orders.GetOrder(ctx, order.ID)
}

// Cancel cancels an unpaid order and releases its cart's holds. Cancelling
// twice returns the cancelled order.
func (s *FulfillmentService) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusCancelled {
		return order, nil
	}
	if !order.Status.Cancellable() {
		return domain.Order{}, domain.ErrOrderNotCancellable
	}
	log := logging.Ctx(ctx, s.logger).With().Str("order_id", orderID).Logger()

	// The payment moves first so a racing paid signal loses at the gate.
	payment, err := s.payments.GetPaymentByOrder(ctx, orderID)
	switch {
	case err == nil:
		if _, err := s.payments.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentUpdate{
			From: domain.ConfirmableStatuses,
			To:   domain.PaymentStatusCancelled,
		}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return domain.Order{}, domain.ErrOrderNotCancellable
			}
			return domain.Order{}, fmt.Errorf("cancel payment for order %s: %w", orderID, err)
		}
	case errors.Is(err, domain.ErrPaymentNotFound):
	default:
		return domain.Order{}, err
	}

	updated, err := s.orders.UpdateOrderStatus(ctx, orderID, domain.OrderUpdate{
		From: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusAwaitingPayment},
		To:   domain.OrderStatusCancelled,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Order{}, domain.ErrOrderNotCancellable
		}
		return domain.Order{}, err
	}

	if order.CartID != "" {
		if n, err := s.releaser.ReleaseCart(ctx, order.CartID); err != nil {
			log.Warn().Err(err).Msg("release cart after cancel failed, holds will expire by ttl")
		} else {
			log.Info().Int("released", n).Msg("order cancelled")
		}
	}
	return updated, nil
}
