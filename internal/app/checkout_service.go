package app

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

type CheckoutService struct {
	tx              Transactor
	orders          OrderRepository
	payments        PaymentRepository
	carts           CartRepository
	units           UnitRepository
	clock           clock.Clock
	defaultCurrency string
	logger          zerolog.Logger
}

type CheckoutOption func(*CheckoutService)

func WithDefaultCurrency(c string) CheckoutOption {
	return func(s *CheckoutService) {
		if c != "" {
			s.defaultCurrency = strings.ToUpper(c)
		}
	}
}

func WithCheckoutLogger(l zerolog.Logger) CheckoutOption {
	return func(s *CheckoutService) {
		s.logger = l
	}
}

func NewCheckoutService(tx Transactor, orders OrderRepository, payments PaymentRepository, carts CartRepository, units UnitRepository, clk clock.Clock, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		tx:              tx,
		orders:          orders,
		payments:        payments,
		carts:           carts,
		units:           units,
		clock:           clk,
		defaultCurrency: "USDT",
		logger:          logging.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CheckoutInput struct {
	CartID      string
	BuyerID     string
	TotalAmount decimal.Decimal
	Currency    string
}

type CheckoutResult struct {
	Order   domain.Order
	Payment domain.Payment
}

const maxOrderIDAttempts = 5

// Checkout turns the cart's current holds into a pending order and a payment
// awaiting its invoice.
func (s *CheckoutService) Checkout(ctx context.Context, in CheckoutInput) (CheckoutResult, error) {
	if in.CartID == "" {
		return CheckoutResult{}, domain.ErrInvalidID
	}
	if !in.TotalAmount.IsPositive() {
		return CheckoutResult{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := s.clock.Now()
	cartItems, err := s.carts.ListCartItems(ctx, in.CartID)
	if err != nil {
		return CheckoutResult{}, err
	}
	unsold := false
	held, err := s.units.ListUnits(ctx, domain.UnitFilter{CartID: in.CartID, Sold: &unsold}, heldUnitsScanLimit)
	if err != nil {
		return CheckoutResult{}, err
	}
	active := held[:0]
	for _, u := range held {
		if u.Hold.ActiveAt(now) {
			active = append(active, u)
		}
	}
	items := CanonicalLineItems(domain.Order{}, cartItems, active)
	if len(items) == 0 {
		return CheckoutResult{}, domain.ErrEmptyCart
	}

	buyerID := in.BuyerID
	if buyerID == "" {
		if cart, err := s.carts.GetCart(ctx, in.CartID); err == nil {
			buyerID = cart.BuyerID
		}
	}

	var result CheckoutResult
	for attempt := 0; attempt < maxOrderIDAttempts; attempt++ {
		order := domain.Order{
			ID:          newOrderID(),
			CartID:      in.CartID,
			BuyerID:     buyerID,
			Items:       items,
			Status:      domain.OrderStatusPending,
			TotalAmount: in.TotalAmount,
			Currency:    currency,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		payment := domain.Payment{
			ID:        newID(),
			OrderID:   order.ID,
			Status:    domain.PaymentStatusAwaitingInvoice,
			Amount:    in.TotalAmount,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}

		err = s.tx.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.CreateOrder(txCtx, order); err != nil {
				return err
			}
			return s.payments.CreatePayment(txCtx, payment)
		})
		if err == nil {
			result = CheckoutResult{Order: order, Payment: payment}
			break
		}
		if !errors.Is(err, domain.ErrConflict) {
			return CheckoutResult{}, err
		}
	}
	if err != nil {
		return CheckoutResult{}, err
	}

	logging.Ctx(ctx, s.logger).Info().
		Str("order_id", result.Order.ID).
		Str("cart_id", in.CartID).
		Int("units", domain.TotalQuantity(items)).
		Msg("order created")
	return result, nil
}

func (s *CheckoutService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, domain.ErrInvalidID
	}
	return s.orders.GetOrder(ctx, orderID)
}
