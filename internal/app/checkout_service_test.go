package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
)

func TestCheckoutService_Checkout(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("creates pending order and payment from active holds", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		store.addUnits("P", "u1", "u2", "u3")
		clk := clock.NewFixed(now)
		buyer := gofakeit.Email()
		reservations := NewReservationService(store, store, clk)
		if _, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart-1", ProductID: "P", BuyerID: buyer, Quantity: 2}); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		svc := NewCheckoutService(store, store, store, store, store, clk)

		res, err := svc.Checkout(context.Background(), CheckoutInput{CartID: "cart-1", TotalAmount: decimal.RequireFromString("19.90")})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(res.Order.ID) != 8 {
			t.Fatalf("expected 8 character order id, got %q", res.Order.ID)
		}
		if res.Order.Status != domain.OrderStatusPending || res.Payment.Status != domain.PaymentStatusAwaitingInvoice {
			t.Fatalf("unexpected statuses %s / %s", res.Order.Status, res.Payment.Status)
		}
		if res.Order.BuyerID != buyer {
			t.Fatalf("expected buyer from cart %s, got %s", buyer, res.Order.BuyerID)
		}
		if res.Payment.OrderID != res.Order.ID || !res.Payment.Amount.Equal(decimal.RequireFromString("19.90")) || res.Payment.Currency != "USDT" {
			t.Fatalf("unexpected payment %+v", res.Payment)
		}
		if len(res.Order.Items) != 1 || res.Order.Items[0].Quantity != 2 || len(res.Order.Items[0].UnitIDs) != 2 {
			t.Fatalf("unexpected items %+v", res.Order.Items)
		}
		stored, err := svc.GetOrder(context.Background(), res.Order.ID)
		if err != nil || stored.ID != res.Order.ID {
			t.Fatalf("expected stored order, got %+v (err %v)", stored, err)
		}
	})

	t.Run("retries on order id collision", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		store.addUnits("P", "u1")
		store.createOrderErrs = []error{domain.ErrConflict}
		clk := clock.NewFixed(now)
		reservations := NewReservationService(store, store, clk)
		if _, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart-1", ProductID: "P", Quantity: 1}); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		svc := NewCheckoutService(store, store, store, store, store, clk, WithDefaultCurrency("eur"))

		res, err := svc.Checkout(context.Background(), CheckoutInput{CartID: "cart-1", BuyerID: "b", TotalAmount: decimal.NewFromInt(5)})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Order.Currency != "EUR" {
			t.Fatalf("expected default currency EUR, got %s", res.Order.Currency)
		}
	})

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		store := newFakeStore()
		svc := NewCheckoutService(store, store, store, store, store, clock.NewFixed(now))

		if _, err := svc.Checkout(context.Background(), CheckoutInput{TotalAmount: decimal.NewFromInt(1)}); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
		if _, err := svc.Checkout(context.Background(), CheckoutInput{CartID: "c", TotalAmount: decimal.Zero}); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
		if _, err := svc.Checkout(context.Background(), CheckoutInput{CartID: "c", TotalAmount: decimal.NewFromInt(1)}); !errors.Is(err, domain.ErrEmptyCart) {
			t.Fatalf("expected ErrEmptyCart, got %v", err)
		}
	})
}
