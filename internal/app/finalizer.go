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

// Finalizer turns held units into sold records.
type Finalizer struct {
	units     UnitRepository
	sold      SoldRecordRepository
	clock     clock.Clock
	retention time.Duration
	logger    zerolog.Logger
}

type FinalizerOption func(*Finalizer)

// WithSoldRetention stamps new sold records with an expiry. Zero keeps them forever.
func WithSoldRetention(d time.Duration) FinalizerOption {
	return func(f *Finalizer) {
		if d >= 0 {
			f.retention = d
		}
	}
}

func WithFinalizerLogger(l zerolog.Logger) FinalizerOption {
	return func(f *Finalizer) {
		f.logger = l
	}
}

func NewFinalizer(units UnitRepository, sold SoldRecordRepository, clk clock.Clock, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		units:  units,
		sold:   sold,
		clock:  clk,
		logger: logging.Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MarkSold finalizes each unit independently and returns unitID -> soldRecordID
// for the units that are now sold with a receipt and out of the pool. A
// result shorter than unitIDs means partial fulfillment; it is not an error.
// Units already finalized for the same order map to their existing record.
func (f *Finalizer) MarkSold(ctx context.Context, unitIDs []string, orderID, buyerID string) (map[string]string, error) {
	result := make(map[string]string, len(unitIDs))
	log := logging.Ctx(ctx, f.logger).With().Str("order_id", orderID).Logger()

	for _, id := range unitIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, done := result[id]; done {
			continue
		}
		if recID, ok := f.finalizeOne(ctx, id, orderID, buyerID, log); ok {
			result[id] = recID
		}
	}
	return result, nil
}

func (f *Finalizer) finalizeOne(ctx context.Context, unitID, orderID, buyerID string, log zerolog.Logger) (string, bool) {
	log = log.With().Str("unit_id", unitID).Logger()

	unit, err := f.units.GetUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, domain.ErrUnitNotFound) {
			return f.existingReceipt(ctx, unitID, orderID, log)
		}
		log.Error().Err(err).Msg("read unit before finalize failed")
		return "", false
	}
	if unit.Sold {
		return f.existingReceipt(ctx, unitID, orderID, log)
	}

	now := f.clock.Now()
	rec := domain.SoldRecord{
		ID:        newID(),
		UnitID:    unit.ID,
		ProductID: unit.ProductID,
		BuyerID:   buyerID,
		OrderID:   orderID,
		Payload:   unit.Payload,
		SoldAt:    now,
	}
	if f.retention > 0 {
		exp := now.Add(f.retention)
		rec.ExpiresAt = &exp
	}

	recID := rec.ID
	if err := f.sold.CreateSoldRecord(ctx, rec); err != nil {
		recID = ""
		if errors.Is(err, domain.ErrSoldRecordExists) {
			existing, gerr := f.sold.GetSoldRecordByUnit(ctx, unitID)
			switch {
			case gerr != nil:
				log.Error().Err(gerr).Msg("read existing sold record failed")
			case existing.OrderID == orderID:
				recID = existing.ID
			default:
				log.Error().Str("existing_order_id", existing.OrderID).Msg("unit already sold under another order")
			}
		} else {
			log.Error().Err(err).Msg("create sold record failed, removing unit from pool anyway")
		}
	}

	if !f.removeFromPool(ctx, unitID, recID != "", log) {
		metrics.UnitsSold.WithLabelValues("failed").Inc()
		return "", false
	}
	if recID == "" {
		return "", false
	}
	return recID, true
}

// removeFromPool deletes the unit, or flags it sold when it cannot be deleted.
// Without a receipt the unit is only flagged so its payload survives.
func (f *Finalizer) removeFromPool(ctx context.Context, unitID string, haveReceipt bool, log zerolog.Logger) bool {
	if haveReceipt {
		err := f.units.DeleteUnit(ctx, unitID)
		switch {
		case err == nil, errors.Is(err, domain.ErrUnitNotFound):
			metrics.UnitsSold.WithLabelValues("deleted").Inc()
			return true
		case errors.Is(err, domain.ErrUnitReferenced):
			log.Debug().Msg("unit is referenced, flagging as sold instead")
		default:
			log.Warn().Err(err).Msg("delete sold unit failed, flagging as sold instead")
		}
	}

	if err := f.units.MarkUnitSold(ctx, unitID); err != nil {
		log.Error().Err(err).Msg("unit could not be removed from pool")
		return false
	}
	metrics.UnitsSold.WithLabelValues("flagged").Inc()
	return true
}

func (f *Finalizer) existingReceipt(ctx context.Context, unitID, orderID string, log zerolog.Logger) (string, bool) {
	rec, err := f.sold.GetSoldRecordByUnit(ctx, unitID)
	if err != nil {
		log.Warn().Msg("unit not found and has no sold record, skipping")
		return "", false
	}
	if rec.OrderID != orderID {
		log.Warn().Str("existing_order_id", rec.OrderID).Msg("unit was sold under another order, skipping")
		return "", false
	}
	return rec.ID, true
}
