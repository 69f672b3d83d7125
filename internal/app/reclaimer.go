package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/metrics"
)

// Reclaimer returns holds to the pool, either when their TTL lapses or on request.
type Reclaimer struct {
	units    UnitRepository
	clock    clock.Clock
	batch    int
	interval time.Duration
	logger   zerolog.Logger
	releaser holdReleaser
}

const (
	defaultReclaimBatch    = 500
	defaultReclaimInterval = 60 * time.Second
	// maxReclaimRounds bounds one sweep when every batch comes back full.
	maxReclaimRounds = 20
)

type ReclaimerOption func(*Reclaimer)

func WithReclaimBatch(n int) ReclaimerOption {
	return func(r *Reclaimer) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithReclaimInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithReclaimerLogger(l zerolog.Logger) ReclaimerOption {
	return func(r *Reclaimer) {
		r.logger = l
	}
}

func NewReclaimer(units UnitRepository, carts CartRepository, clk clock.Clock, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		units:    units,
		clock:    clk,
		batch:    defaultReclaimBatch,
		interval: defaultReclaimInterval,
		logger:   logging.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.releaser = holdReleaser{units: units, carts: carts, logger: r.logger}
	return r
}

// ReclaimExpired releases every unsold unit whose hold has lapsed and returns
// how many were released.
func (r *Reclaimer) ReclaimExpired(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ReclaimSweepDuration.Observe(time.Since(start).Seconds()) }()

	now := r.clock.Now()
	unsold := false
	return r.releaseMatching(ctx, domain.UnitFilter{ExpiredAt: &now, Sold: &unsold}, "expired")
}

// ReleaseHold releases all units of one hold group.
func (r *Reclaimer) ReleaseHold(ctx context.Context, holdID string) (int, error) {
	if holdID == "" {
		return 0, domain.ErrInvalidID
	}
	unsold := false
	return r.releaseMatching(ctx, domain.UnitFilter{HoldID: holdID, Sold: &unsold}, "hold")
}

// ReleaseCart releases every unit held by a cart.
func (r *Reclaimer) ReleaseCart(ctx context.Context, cartID string) (int, error) {
	if cartID == "" {
		return 0, domain.ErrInvalidID
	}
	unsold := false
	return r.releaseMatching(ctx, domain.UnitFilter{CartID: cartID, Sold: &unsold}, "cart")
}

// ReleaseUnits releases the given units if they are held.
func (r *Reclaimer) ReleaseUnits(ctx context.Context, unitIDs []string) (int, error) {
	if len(unitIDs) == 0 {
		return 0, nil
	}
	unsold := false
	return r.releaseMatching(ctx, domain.UnitFilter{IDs: unitIDs, Sold: &unsold}, "units")
}

func (r *Reclaimer) releaseMatching(ctx context.Context, filter domain.UnitFilter, reason string) (int, error) {
	total := 0
	for round := 0; round < maxReclaimRounds; round++ {
		units, err := r.units.ListUnits(ctx, filter, r.batch)
		if err != nil {
			return total, fmt.Errorf("list units to release: %w", err)
		}
		held := units[:0]
		for _, u := range units {
			if u.Hold != nil {
				held = append(held, u)
			}
		}
		if len(held) == 0 {
			break
		}
		released := r.releaser.release(ctx, held, reason, true)
		total += released
		if released == 0 || len(units) < r.batch {
			break
		}
	}
	if total > 0 {
		r.logger.Info().Str("reason", reason).Int("released", total).Msg("holds released")
	}
	return total, nil
}

// Run sweeps immediately and then every interval until ctx is done. A failed
// or panicking sweep is logged and the schedule carries on.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve lets the reclaimer run under a supervisor.
func (r *Reclaimer) Serve(ctx context.Context) error {
	return r.Run(ctx)
}

func (r *Reclaimer) String() string {
	return "expiry-reclaimer"
}

func (r *Reclaimer) sweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("reclaim sweep panicked")
		}
	}()
	if _, err := r.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("reclaim sweep failed")
	}
}
