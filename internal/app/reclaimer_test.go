package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
)

func TestReclaimer_ReclaimExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("lapsed hold returns unit and removes aggregate", func(t *testing.T) {
		t.Parallel()
		clk := clock.NewManual(now)
		store := newFakeStore()
		store.addUnits("P", "u1")
		reservations := NewReservationService(store, store, clk)
		reclaimer := NewReclaimer(store, store, clk)

		res, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart1", ProductID: "P", Quantity: 1})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if !res.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
			t.Fatalf("expected 10m ttl, got %v", res.ExpiresAt)
		}

		clk.Advance(11 * time.Minute)
		released, err := reclaimer.ReclaimExpired(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if released != 1 {
			t.Fatalf("expected 1 released, got %d", released)
		}
		u, _ := store.unit("u1")
		if u.Hold != nil || u.Sold {
			t.Fatalf("expected u1 available, got %+v", u)
		}
		if _, ok := store.cartQuantity("cart1", "P"); ok {
			t.Fatalf("expected aggregate row for (cart1, P) deleted")
		}
	})

	t.Run("active holds and sold units are left alone", func(t *testing.T) {
		t.Parallel()
		clk := clock.NewManual(now)
		store := newFakeStore()
		store.addUnits("P", "u1", "u2")
		reservations := NewReservationService(store, store, clk)
		reclaimer := NewReclaimer(store, store, clk)

		if _, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart1", ProductID: "P", Quantity: 2}); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := store.MarkUnitSold(context.Background(), "u2"); err != nil {
			t.Fatalf("mark sold: %v", err)
		}

		released, err := reclaimer.ReclaimExpired(context.Background())
		if err != nil || released != 0 {
			t.Fatalf("expected nothing released before expiry, got %d (err %v)", released, err)
		}

		clk.Advance(time.Hour)
		released, err = reclaimer.ReclaimExpired(context.Background())
		if err != nil || released != 1 {
			t.Fatalf("expected only the unsold unit released, got %d (err %v)", released, err)
		}
		if u, _ := store.unit("u2"); !u.Sold {
			t.Fatalf("expected u2 still sold")
		}
	})

	t.Run("one failing unit does not stop the sweep", func(t *testing.T) {
		t.Parallel()
		clk := clock.NewManual(now)
		store := newFakeStore()
		store.addUnits("P", "u1", "u2", "u3")
		reservations := NewReservationService(store, store, clk)
		if _, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart1", ProductID: "P", Quantity: 3}); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		store.beforeSetHold = func(id string) error {
			if id == "u2" {
				return errors.New("connection reset")
			}
			return nil
		}
		clk.Advance(time.Hour)

		reclaimer := NewReclaimer(store, store, clk)
		released, err := reclaimer.ReclaimExpired(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if released != 2 {
			t.Fatalf("expected 2 released, got %d", released)
		}
		if n, _ := store.cartQuantity("cart1", "P"); n != 1 {
			t.Fatalf("expected aggregate 1 for the unit still held, got %d", n)
		}
	})
}

func TestReclaimer_ReleasePrimitives(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*fakeStore, *Reclaimer, domain.Reservation, domain.Reservation) {
		t.Helper()
		store := newFakeStore()
		store.addUnits("P", "u1", "u2", "u3", "u4")
		clk := clock.NewFixed(now)
		reservations := NewReservationService(store, store, clk)
		first, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart1", ProductID: "P", Quantity: 2})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		second, err := reservations.Reserve(context.Background(), ReserveInput{CartID: "cart1", ProductID: "P", Quantity: 1})
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		return store, NewReclaimer(store, store, clk), first, second
	}

	t.Run("release hold", func(t *testing.T) {
		t.Parallel()
		store, reclaimer, first, second := setup(t)

		n, err := reclaimer.ReleaseHold(context.Background(), first.HoldID)
		if err != nil || n != 2 {
			t.Fatalf("expected 2 released, got %d (err %v)", n, err)
		}
		if len(store.heldBy(second.HoldID)) != 1 {
			t.Fatalf("expected other hold untouched")
		}
		if q, _ := store.cartQuantity("cart1", "P"); q != 1 {
			t.Fatalf("expected aggregate 1, got %d", q)
		}
	})

	t.Run("release cart", func(t *testing.T) {
		t.Parallel()
		store, reclaimer, _, _ := setup(t)

		n, err := reclaimer.ReleaseCart(context.Background(), "cart1")
		if err != nil || n != 3 {
			t.Fatalf("expected 3 released, got %d (err %v)", n, err)
		}
		if _, ok := store.cartQuantity("cart1", "P"); ok {
			t.Fatalf("expected aggregate removed")
		}
	})

	t.Run("release units", func(t *testing.T) {
		t.Parallel()
		store, reclaimer, first, _ := setup(t)

		n, err := reclaimer.ReleaseUnits(context.Background(), []string{first.UnitIDs[0], "u4"})
		if err != nil || n != 1 {
			t.Fatalf("expected only the held unit released, got %d (err %v)", n, err)
		}
		if q, _ := store.cartQuantity("cart1", "P"); q != 2 {
			t.Fatalf("expected aggregate 2, got %d", q)
		}
	})

	t.Run("invalid ids", func(t *testing.T) {
		t.Parallel()
		_, reclaimer, _, _ := setup(t)

		if _, err := reclaimer.ReleaseHold(context.Background(), ""); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
		if _, err := reclaimer.ReleaseCart(context.Background(), ""); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
		if n, err := reclaimer.ReleaseUnits(context.Background(), nil); err != nil || n != 0 {
			t.Fatalf("expected no-op, got %d (err %v)", n, err)
		}
	})
}

func TestReclaimer_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	store := newFakeStore()
	store.addUnits("P", "u1")
	hold := &domain.Hold{ID: "h1", CartID: "c1", ExpiresAt: now.Add(-time.Minute)}
	if _, err := store.SetHold(context.Background(), "u1", 1, hold); err != nil {
		t.Fatalf("seed hold: %v", err)
	}
	reclaimer := NewReclaimer(store, store, clk, WithReclaimInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reclaimer.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if u, _ := store.unit("u1"); u.Hold == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected first sweep to release u1")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if reclaimer.String() != "expiry-reclaimer" {
		t.Fatalf("unexpected service name %q", reclaimer.String())
	}
}
