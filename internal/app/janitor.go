package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/metrics"
)

// SoldRecordJanitor deletes sold records whose retention has passed.
type SoldRecordJanitor struct {
	sold     SoldRecordRepository
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

const defaultJanitorInterval = time.Hour

type JanitorOption func(*SoldRecordJanitor)

func WithJanitorInterval(d time.Duration) JanitorOption {
	return func(j *SoldRecordJanitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

func WithJanitorLogger(l zerolog.Logger) JanitorOption {
	return func(j *SoldRecordJanitor) {
		j.logger = l
	}
}

func NewSoldRecordJanitor(sold SoldRecordRepository, clk clock.Clock, opts ...JanitorOption) *SoldRecordJanitor {
	j := &SoldRecordJanitor{
		sold:     sold,
		clock:    clk,
		interval: defaultJanitorInterval,
		logger:   logging.Logger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *SoldRecordJanitor) PurgeExpired(ctx context.Context) (int, error) {
	n, err := j.sold.PurgeExpiredSoldRecords(ctx, j.clock.Now())
	if err != nil {
		return 0, err
	}
	metrics.SoldRecordsPurged.Add(float64(n))
	if n > 0 {
		j.logger.Info().Int("purged", n).Msg("expired sold records purged")
	}
	return n, nil
}

func (j *SoldRecordJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error().Err(err).Msg("purge sold records failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (j *SoldRecordJanitor) Serve(ctx context.Context) error {
	return j.Run(ctx)
}

func (j *SoldRecordJanitor) String() string {
	return "sold-record-janitor"
}
