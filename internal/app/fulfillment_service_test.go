package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
)

type fulfillmentHarness struct {
	store        *fakeStore
	clk          *clock.Manual
	reservations *ReservationService
	reclaimer    *Reclaimer
	notifier     *fakeNotifier
	index        *memIndex
	svc          *FulfillmentService
}

func newFulfillmentHarness(t *testing.T) *fulfillmentHarness {
	t.Helper()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := &fulfillmentHarness{
		store:    newFakeStore(),
		clk:      clock.NewManual(now),
		notifier: &fakeNotifier{},
		index:    newMemIndex(),
	}
	h.store.products["P"] = domain.Product{ID: "P", Title: "Gift Card 10"}
	h.reservations = NewReservationService(h.store, h.store, h.clk)
	h.reclaimer = NewReclaimer(h.store, h.store, h.clk)
	h.svc = NewFulfillmentService(FulfillmentDeps{
		Orders:    h.store,
		Payments:  h.store,
		Carts:     h.store,
		Units:     h.store,
		Sold:      h.store,
		Products:  h.store,
		Reserver:  h.reservations,
		Finalizer: NewFinalizer(h.store, h.store, h.clk),
		Releaser:  h.reclaimer,
		Notifier:  h.notifier,
		Index:     h.index,
	}, h.clk)
	return h
}

// seedOrder reserves qty units of P for cartID and stores an order awaiting
// payment on invoice INV1.
func (h *fulfillmentHarness) seedOrder(t *testing.T, cartID, buyerID string, qty int, embedItems bool) domain.Order {
	t.Helper()
	res, err := h.reservations.Reserve(context.Background(), ReserveInput{CartID: cartID, ProductID: "P", BuyerID: buyerID, Quantity: qty})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	order := domain.Order{
		ID:          "ORD1",
		CartID:      cartID,
		BuyerID:     buyerID,
		Status:      domain.OrderStatusAwaitingPayment,
		TotalAmount: decimal.NewFromInt(10),
		Currency:    "USDT",
	}
	if embedItems {
		order.Items = []domain.LineItem{{ProductID: "P", Quantity: qty, UnitIDs: res.UnitIDs}}
	}
	h.store.orders[order.ID] = order
	h.store.payments["pay-1"] = domain.Payment{
		ID:        "pay-1",
		OrderID:   order.ID,
		InvoiceID: "INV1",
		Status:    domain.PaymentStatusPending,
		Amount:    order.TotalAmount,
		Currency:  "USDT",
	}
	return order
}

func paidSignal() domain.PaymentSignal {
	return domain.PaymentSignal{InvoiceID: "INV1", Status: domain.InvoiceStatusPaid, Source: domain.SignalSourceWebhook}
}

func TestFulfillmentService_OnPaymentConfirmed(t *testing.T) {
	t.Parallel()

	t.Run("duplicate signal delivers exactly once", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2", "u3")
		h.seedOrder(t, "cart-1", "buyer-1", 2, true)

		first, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil {
			t.Fatalf("first signal: %v", err)
		}
		if first.Outcome != OutcomeDelivered || first.Delivered != 2 {
			t.Fatalf("expected delivered with 2 units, got %+v", first)
		}

		second, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil {
			t.Fatalf("second signal: %v", err)
		}
		if second.Outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate outcome, got %+v", second)
		}

		order, _ := h.store.GetOrder(context.Background(), "ORD1")
		if order.Status != domain.OrderStatusDelivered || order.PaidAt == nil || order.DeliveredAt == nil {
			t.Fatalf("expected delivered order with timestamps, got %+v", order)
		}
		recs, _ := h.store.ListSoldRecordsByOrder(context.Background(), "ORD1")
		if len(recs) != 2 {
			t.Fatalf("expected exactly 2 sold records, got %d", len(recs))
		}
		if h.notifier.count() != 1 {
			t.Fatalf("expected one notification, got %d", h.notifier.count())
		}
		call := h.notifier.calls[0]
		if call.channel != "buyer-1" || call.bundle.Sections[0].Label != "Gift Card 10" {
			t.Fatalf("unexpected notification %+v", call)
		}
		payment, _ := h.store.GetPayment(context.Background(), "pay-1")
		if payment.Status != domain.PaymentStatusPaid {
			t.Fatalf("expected payment paid, got %s", payment.Status)
		}
		if n, ok := h.store.cartQuantity("cart-1", "P"); !ok || n != 2 {
			t.Fatalf("expected cart aggregate to keep counting sold units, got %d (present %v)", n, ok)
		}
		for _, it := range order.Items {
			for _, id := range it.UnitIDs {
				if strings.HasPrefix(id, "u") {
					t.Fatalf("expected sold record ids on order, got unit id %s", id)
				}
			}
		}
	})

	t.Run("concurrent duplicates deliver once", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, true)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err != nil {
					t.Errorf("signal: %v", err)
				}
			}()
		}
		wg.Wait()
		if h.notifier.count() != 1 {
			t.Fatalf("expected one notification, got %d", h.notifier.count())
		}
	})

	t.Run("unknown invoice", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)

		_, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrUnknownInvoice) {
			t.Fatalf("expected ErrUnknownInvoice, got %v", err)
		}
		if len(h.store.orders) != 0 || len(h.store.payments) != 0 {
			t.Fatalf("expected no state fabricated")
		}
	})

	t.Run("non-paid status is ignored", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)

		res, err := h.svc.OnPaymentConfirmed(context.Background(), domain.PaymentSignal{InvoiceID: "INV1", Status: domain.InvoiceStatusExpired})
		if err != nil || res.Outcome != OutcomeIgnored {
			t.Fatalf("expected ignored, got %+v (err %v)", res, err)
		}
		if p, _ := h.store.GetPayment(context.Background(), "pay-1"); p.Status != domain.PaymentStatusPending {
			t.Fatalf("expected payment untouched, got %s", p.Status)
		}
	})

	t.Run("missing buyer fails the order", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "", 1, true)

		_, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrMissingBuyerReference) || !domain.NeedsOperator(err) {
			t.Fatalf("expected MissingBuyerReference fulfillment error, got %v", err)
		}
		order, _ := h.store.GetOrder(context.Background(), "ORD1")
		if order.Status != domain.OrderStatusFailed {
			t.Fatalf("expected failed order, got %s", order.Status)
		}
		if h.notifier.count() != 0 {
			t.Fatalf("expected no delivery")
		}
		if u, ok := h.store.unit("u1"); !ok || u.Sold {
			t.Fatalf("expected unit not finalized")
		}
	})

	t.Run("buyer falls back to cart", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		order := h.seedOrder(t, "cart-1", "buyer-cart", 1, true)
		order.BuyerID = ""
		h.store.orders[order.ID] = order

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if h.notifier.calls[0].channel != "buyer-cart" {
			t.Fatalf("expected delivery to cart buyer, got %s", h.notifier.calls[0].channel)
		}
	})

	t.Run("items reconstructed from cart and holds", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2", "u3")
		h.seedOrder(t, "cart-1", "buyer-1", 2, false)

		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Delivered != 2 {
			t.Fatalf("expected 2 delivered, got %d", res.Delivered)
		}
		if u, ok := h.store.unit("u3"); !ok || u.Hold != nil {
			t.Fatalf("expected u3 untouched")
		}
	})

	t.Run("lapsed holds are re-reserved", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)
		h.clk.Advance(30 * time.Minute)
		if _, err := h.reclaimer.ReclaimExpired(context.Background()); err != nil {
			t.Fatalf("reclaim: %v", err)
		}

		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Outcome != OutcomeDelivered || res.Delivered != 1 {
			t.Fatalf("expected 1 delivered, got %+v", res)
		}
	})

	t.Run("unreconcilable order fails", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, false)
		if _, err := h.reclaimer.ReleaseCart(context.Background(), "cart-1"); err != nil {
			t.Fatalf("release: %v", err)
		}

		_, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrUnreconcilableOrder) {
			t.Fatalf("expected ErrUnreconcilableOrder, got %v", err)
		}
		if o, _ := h.store.GetOrder(context.Background(), "ORD1"); o.Status != domain.OrderStatusFailed {
			t.Fatalf("expected failed, got %s", o.Status)
		}
	})

	t.Run("partial fulfillment keeps order paid", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, true)
		if err := h.store.MarkUnitSold(context.Background(), "u2"); err != nil {
			t.Fatalf("mark sold: %v", err)
		}

		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrPartialFulfillment) || !domain.NeedsOperator(err) {
			t.Fatalf("expected PartialFulfillment, got %v", err)
		}
		if res.Delivered != 1 || h.notifier.count() != 1 {
			t.Fatalf("expected the sold unit delivered, got %+v", res)
		}
		if o, _ := h.store.GetOrder(context.Background(), "ORD1"); o.Status != domain.OrderStatusPaid {
			t.Fatalf("expected order to stay paid, got %s", o.Status)
		}
	})

	t.Run("delivery failure then redeliver", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, true)
		h.notifier.err = errors.New("smtp down")

		_, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrDeliveryFailure) {
			t.Fatalf("expected DeliveryFailure, got %v", err)
		}
		var fe *domain.FulfillmentError
		if !errors.As(err, &fe) || fe.OrderID != "ORD1" {
			t.Fatalf("expected fulfillment error for ORD1, got %v", err)
		}
		if o, _ := h.store.GetOrder(context.Background(), "ORD1"); o.Status != domain.OrderStatusPaid {
			t.Fatalf("expected order paid, got %s", o.Status)
		}

		h.notifier.err = nil
		order, err := h.svc.Redeliver(context.Background(), "ORD1")
		if err != nil {
			t.Fatalf("redeliver: %v", err)
		}
		if order.Status != domain.OrderStatusDelivered {
			t.Fatalf("expected delivered, got %s", order.Status)
		}
		if h.notifier.count() != 2 || h.notifier.calls[1].bundle.Count() != 2 {
			t.Fatalf("expected redelivery of 2 payloads")
		}
		recs, _ := h.store.ListSoldRecordsByOrder(context.Background(), "ORD1")
		if len(recs) != 2 {
			t.Fatalf("expected no re-finalization, got %d records", len(recs))
		}

		if _, err := h.svc.Redeliver(context.Background(), "ORD1"); !errors.Is(err, domain.ErrOrderNotRedeliverable) {
			t.Fatalf("expected ErrOrderNotRedeliverable, got %v", err)
		}
	})

	t.Run("index is warmed by store lookups", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err != nil {
			t.Fatalf("signal: %v", err)
		}
		ref, ok := h.index.Lookup(context.Background(), "INV1")
		if !ok || ref.PaymentID != "pay-1" || ref.OrderID != "ORD1" {
			t.Fatalf("expected index entry, got %+v %v", ref, ok)
		}
	})

	t.Run("store failure after gate reopens it", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)
		h.store.orderStatusErr = errors.New("connection refused")

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err == nil {
			t.Fatalf("expected error")
		}
		if p, _ := h.store.GetPayment(context.Background(), "pay-1"); p.Status != domain.PaymentStatusPending {
			t.Fatalf("expected gate reopened to pending, got %s", p.Status)
		}

		h.store.mu.Lock()
		h.store.orderStatusErr = nil
		h.store.mu.Unlock()
		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil || res.Outcome != OutcomeDelivered {
			t.Fatalf("expected retry to deliver, got %+v (err %v)", res, err)
		}
	})
}

func TestFulfillmentService_RecoversWhenNothingSold(t *testing.T) {
	t.Parallel()

	t.Run("retried signal delivers after a transient read failure", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, false)
		h.store.cartItemsErrs = []error{errors.New("connection reset")}

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err == nil {
			t.Fatalf("expected error from first attempt")
		}
		if p, _ := h.store.GetPayment(context.Background(), "pay-1"); p.Status != domain.PaymentStatusPending {
			t.Fatalf("expected gate reopened to pending, got %s", p.Status)
		}
		if h.notifier.count() != 0 {
			t.Fatalf("expected no delivery yet, got %d", h.notifier.count())
		}

		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil || res.Outcome != OutcomeDelivered || res.Delivered != 2 {
			t.Fatalf("expected retry to deliver 2 units, got %+v (err %v)", res, err)
		}
		if o, _ := h.store.GetOrder(context.Background(), "ORD1"); o.Status != domain.OrderStatusDelivered {
			t.Fatalf("expected delivered, got %s", o.Status)
		}
		if h.notifier.count() != 1 {
			t.Fatalf("expected one notification, got %d", h.notifier.count())
		}
	})

	t.Run("redeliver resumes a paid order with nothing sold", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, false)
		h.store.cartItemsErrs = []error{errors.New("connection reset")}

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err == nil {
			t.Fatalf("expected error from first attempt")
		}
		if o, _ := h.store.GetOrder(context.Background(), "ORD1"); o.Status != domain.OrderStatusPaid {
			t.Fatalf("expected order paid, got %s", o.Status)
		}

		order, err := h.svc.Redeliver(context.Background(), "ORD1")
		if err != nil {
			t.Fatalf("redeliver: %v", err)
		}
		if order.Status != domain.OrderStatusDelivered {
			t.Fatalf("expected delivered, got %s", order.Status)
		}
		recs, _ := h.store.ListSoldRecordsByOrder(context.Background(), "ORD1")
		if len(recs) != 2 || h.notifier.count() != 1 {
			t.Fatalf("expected 2 sold records and one notification, got %d and %d", len(recs), h.notifier.count())
		}
		if p, _ := h.store.GetPayment(context.Background(), "pay-1"); p.Status != domain.PaymentStatusPaid {
			t.Fatalf("expected payment paid, got %s", p.Status)
		}
	})

	t.Run("redeliver resumes when the payment is already paid", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, false)
		o := h.store.orders["ORD1"]
		o.Status = domain.OrderStatusPaid
		h.store.orders["ORD1"] = o
		p := h.store.payments["pay-1"]
		p.Status = domain.PaymentStatusPaid
		h.store.payments["pay-1"] = p

		order, err := h.svc.Redeliver(context.Background(), "ORD1")
		if err != nil {
			t.Fatalf("redeliver: %v", err)
		}
		if order.Status != domain.OrderStatusDelivered || h.notifier.count() != 1 {
			t.Fatalf("expected delivered with one notification, got %s and %d", order.Status, h.notifier.count())
		}
	})

	t.Run("failure after a sale keeps the gate closed", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)
		h.notifier.err = errors.New("smtp down")

		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); !errors.Is(err, domain.ErrDeliveryFailure) {
			t.Fatalf("expected DeliveryFailure, got %v", err)
		}
		if p, _ := h.store.GetPayment(context.Background(), "pay-1"); p.Status != domain.PaymentStatusPaid {
			t.Fatalf("expected payment to stay paid, got %s", p.Status)
		}
		res, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if err != nil || res.Outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %+v (err %v)", res, err)
		}
	})
}

func TestFulfillmentService_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("cancels, releases holds and blocks later payment", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1", "u2")
		h.seedOrder(t, "cart-1", "buyer-1", 2, true)

		order, err := h.svc.Cancel(context.Background(), "ORD1")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if order.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled, got %s", order.Status)
		}
		for _, id := range []string{"u1", "u2"} {
			if u, _ := h.store.unit(id); u.Hold != nil {
				t.Fatalf("expected %s released", id)
			}
		}

		again, err := h.svc.Cancel(context.Background(), "ORD1")
		if err != nil || again.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected idempotent cancel, got %+v (err %v)", again, err)
		}

		_, err = h.svc.OnPaymentConfirmed(context.Background(), paidSignal())
		if !errors.Is(err, domain.ErrPaymentCancelled) {
			t.Fatalf("expected ErrPaymentCancelled, got %v", err)
		}
		if h.notifier.count() != 0 {
			t.Fatalf("expected no delivery for cancelled order")
		}
	})

	t.Run("delivered order cannot be cancelled", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)
		h.store.addUnits("P", "u1")
		h.seedOrder(t, "cart-1", "buyer-1", 1, true)
		if _, err := h.svc.OnPaymentConfirmed(context.Background(), paidSignal()); err != nil {
			t.Fatalf("signal: %v", err)
		}

		if _, err := h.svc.Cancel(context.Background(), "ORD1"); !errors.Is(err, domain.ErrOrderNotCancellable) {
			t.Fatalf("expected ErrOrderNotCancellable, got %v", err)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		t.Parallel()
		h := newFulfillmentHarness(t)

		if _, err := h.svc.Cancel(context.Background(), "nope"); !errors.Is(err, domain.ErrOrderNotFound) {
			t.Fatalf("expected ErrOrderNotFound, got %v", err)
		}
	})
}
