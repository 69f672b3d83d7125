package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/metrics"
)

type ReservationService struct {
	units     UnitRepository
	carts     CartRepository
	clock     clock.Clock
	holdTTL   time.Duration
	overFetch int
	logger    zerolog.Logger
	releaser  holdReleaser
}

const (
	defaultHoldTTL   = 10 * time.Minute
	defaultOverFetch = 20
)

func NewReservationService(units UnitRepository, carts CartRepository, clk clock.Clock, opts ...ReservationOption) *ReservationService {
	svc := &ReservationService{
		units:     units,
		carts:     carts,
		clock:     clk,
		holdTTL:   defaultHoldTTL,
		overFetch: defaultOverFetch,
		logger:    logging.Logger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.releaser = holdReleaser{units: units, carts: carts, logger: svc.logger}
	return svc
}

type ReservationOption func(*ReservationService)

// WithHoldTTL overrides the default TTL for new holds.
func WithHoldTTL(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithOverFetch sets how many extra candidates are fetched to absorb contention.
func WithOverFetch(n int) ReservationOption {
	return func(s *ReservationService) {
		if n >= 0 {
			s.overFetch = n
		}
	}
}

func WithReservationLogger(l zerolog.Logger) ReservationOption {
	return func(s *ReservationService) {
		s.logger = l
	}
}

type ReserveInput struct {
	CartID    string
	ProductID string
	BuyerID   string
	Quantity  int
}

// Reserve claims Quantity available units of a product for a cart, or none at all.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error) {
	if in.Quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	if in.CartID == "" || in.ProductID == "" {
		return domain.Reservation{}, domain.ErrInvalidID
	}

	now := s.clock.Now()
	hold := domain.Hold{
		ID:        newID(),
		CartID:    in.CartID,
		BuyerID:   in.BuyerID,
		ExpiresAt: now.Add(s.holdTTL),
	}
	log := logging.Ctx(ctx, s.logger).With().
		Str("cart_id", in.CartID).
		Str("product_id", in.ProductID).
		Str("hold_id", hold.ID).
		Logger()

	if in.BuyerID != "" {
		if err := s.carts.EnsureCart(ctx, domain.Cart{ID: in.CartID, BuyerID: in.BuyerID, CreatedAt: now}); err != nil {
			log.Warn().Err(err).Msg("record cart buyer failed")
		}
	}

	unsold := false
	candidates, err := s.units.ListUnits(ctx, domain.UnitFilter{
		ProductID:   in.ProductID,
		Sold:        &unsold,
		AvailableAt: &now,
	}, in.Quantity+s.overFetch)
	if err != nil {
		metrics.Reservations.WithLabelValues("error").Inc()
		return domain.Reservation{}, err
	}
	if len(candidates) < in.Quantity {
		metrics.Reservations.WithLabelValues("insufficient").Inc()
		return domain.Reservation{}, domain.ErrInsufficientInventory
	}

	claimed := make([]string, 0, in.Quantity)
	stolen := make(map[domain.CartKey]int)
	for _, u := range candidates {
		if len(claimed) == in.Quantity {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := s.units.SetHold(ctx, u.ID, u.Version, &hold); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrUnitNotFound) {
				metrics.ReservationContention.Inc()
				continue
			}
			log.Warn().Err(err).Str("unit_id", u.ID).Msg("claim unit failed, trying next candidate")
			continue
		}
		claimed = append(claimed, u.ID)
		if u.Hold != nil {
			stolen[domain.CartKey{CartID: u.Hold.CartID, ProductID: u.ProductID}]++
		}
	}

	if len(claimed) < in.Quantity {
		s.rollback(ctx, hold.ID, log)
		metrics.Reservations.WithLabelValues("insufficient").Inc()
		if err := ctx.Err(); err != nil {
			return domain.Reservation{}, err
		}
		log.Info().Int("requested", in.Quantity).Int("claimed", len(claimed)).Msg("reservation lost to contention, rolled back")
		return domain.Reservation{}, domain.ErrInsufficientInventory
	}

	// Units taken over from lapsed holds no longer count for their old cart.
	s.releaser.adjustCarts(ctx, stolen, -1)
	s.releaser.adjustCarts(ctx, map[domain.CartKey]int{{CartID: in.CartID, ProductID: in.ProductID}: in.Quantity}, 1)

	metrics.Reservations.WithLabelValues("ok").Inc()
	log.Info().Int("quantity", in.Quantity).Time("expires_at", hold.ExpiresAt).Msg("units reserved")

	return domain.Reservation{
		HoldID:    hold.ID,
		CartID:    in.CartID,
		ProductID: in.ProductID,
		UnitIDs:   claimed,
		ExpiresAt: hold.ExpiresAt,
	}, nil
}

// rollback releases everything claimed under holdID. The cart aggregate was
// never incremented for it, so it is left alone.
func (s *ReservationService) rollback(ctx context.Context, holdID string, log zerolog.Logger) {
	// The caller's ctx may already be cancelled; the rollback must still run.
	ctx = context.WithoutCancel(ctx)
	for {
		units, err := s.units.ListUnits(ctx, domain.UnitFilter{HoldID: holdID}, defaultOverFetch+100)
		if err != nil {
			log.Error().Err(err).Msg("list units for rollback failed, holds will expire by ttl")
			return
		}
		if len(units) == 0 {
			return
		}
		if s.releaser.release(ctx, units, "rollback", false) == 0 {
			log.Error().Int("remaining", len(units)).Msg("rollback made no progress, holds will expire by ttl")
			return
		}
	}
}

// ConfirmHolds re-asserts the cart's claim on unitIDs with a fresh TTL and
// returns the ids it still owns. Units now held by another cart or already
// sold are dropped.
func (s *ReservationService) ConfirmHolds(ctx context.Context, cartID, buyerID string, unitIDs []string) ([]string, error) {
	now := s.clock.Now()
	kept := make([]string, 0, len(unitIDs))
	gained := make(map[domain.CartKey]int)
	lost := make(map[domain.CartKey]int)

	for _, id := range unitIDs {
		u, err := s.units.GetUnit(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrUnitNotFound) {
				continue
			}
			return kept, err
		}
		if u.Sold {
			continue
		}
		if !u.HeldBy(cartID) && u.Hold.ActiveAt(now) {
			s.logger.Warn().Str("unit_id", id).Str("cart_id", cartID).Msg("unit now held by another cart, dropping")
			continue
		}

		hold := domain.Hold{ID: newID(), CartID: cartID, BuyerID: buyerID, ExpiresAt: now.Add(s.holdTTL)}
		if u.Hold != nil && u.HeldBy(cartID) {
			hold.ID = u.Hold.ID
		}
		if _, err := s.units.SetHold(ctx, u.ID, u.Version, &hold); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrUnitNotFound) {
				continue
			}
			return kept, err
		}
		kept = append(kept, id)
		if !u.HeldBy(cartID) {
			gained[domain.CartKey{CartID: cartID, ProductID: u.ProductID}]++
			if u.Hold != nil {
				lost[domain.CartKey{CartID: u.Hold.CartID, ProductID: u.ProductID}]++
			}
		}
	}

	s.releaser.adjustCarts(ctx, lost, -1)
	s.releaser.adjustCarts(ctx, gained, 1)
	return kept, nil
}

// AvailableCount counts units that can be reserved right now.
func (s *ReservationService) AvailableCount(ctx context.Context, productID string) (int, error) {
	if productID == "" {
		return 0, domain.ErrInvalidID
	}
	now := s.clock.Now()
	unsold := false
	return s.units.CountUnits(ctx, domain.UnitFilter{
		ProductID:   productID,
		Sold:        &unsold,
		AvailableAt: &now,
	})
}
