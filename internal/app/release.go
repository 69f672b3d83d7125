package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/metrics"
)

// holdReleaser clears holds unit by unit and keeps cart aggregates in step.
type holdReleaser struct {
	units  UnitRepository
	carts  CartRepository
	logger zerolog.Logger
}

// release clears the hold of every given unit. A unit that fails to release
// is logged and skipped. When adjustCarts is set, each released unit
// decrements its (cart, product) aggregate.
func (r holdReleaser) release(ctx context.Context, units []domain.Unit, reason string, adjustCarts bool) int {
	decrements := make(map[domain.CartKey]int)
	released := 0

	for _, u := range units {
		if u.Hold == nil || u.Sold {
			continue
		}
		if _, err := r.units.SetHold(ctx, u.ID, u.Version, nil); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrUnitNotFound) {
				r.logger.Debug().Str("unit_id", u.ID).Str("reason", reason).Msg("unit changed before release, skipping")
				continue
			}
			r.logger.Error().Err(err).Str("unit_id", u.ID).Str("hold_id", u.Hold.ID).Msg("release unit failed")
			continue
		}
		released++
		decrements[domain.CartKey{CartID: u.Hold.CartID, ProductID: u.ProductID}]++
	}

	metrics.HoldsReleased.WithLabelValues(reason).Add(float64(released))
	if adjustCarts {
		r.adjustCarts(ctx, decrements, -1)
	}
	return released
}

// adjustCarts applies sign*count to each aggregate. Failures are logged only.
func (r holdReleaser) adjustCarts(ctx context.Context, counts map[domain.CartKey]int, sign int) {
	for key, n := range counts {
		if n == 0 {
			continue
		}
		if _, err := r.carts.AdjustCartItem(ctx, key.CartID, key.ProductID, sign*n); err != nil {
			metrics.CartAggregateErrors.Inc()
			r.logger.Warn().Err(err).
				Str("cart_id", key.CartID).
				Str("product_id", key.ProductID).
				Int("delta", sign*n).
				Msg("cart aggregate update failed")
		}
	}
}
