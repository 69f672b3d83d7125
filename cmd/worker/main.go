// Command worker runs one background job outside the API process, for
// deployments that drive reclaim or janitor sweeps from an external scheduler.
//
//	worker -job reclaim -once
//	worker -job janitor -interval 30m
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/config"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/storage/postgres"
)

const (
	jobReclaim = "reclaim"
	jobJanitor = "janitor"
)

type options struct {
	job      string
	once     bool
	interval time.Duration
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.job, "job", jobReclaim, "job to run: reclaim or janitor")
	fs.BoolVar(&opts.once, "once", false, "run a single sweep and exit")
	fs.DurationVar(&opts.interval, "interval", 0, "sweep interval; zero uses the configured value")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.job != jobReclaim && opts.job != jobJanitor {
		return options{}, fmt.Errorf("unknown job %q", opts.job)
	}
	if opts.interval < 0 {
		return options{}, errors.New("interval must not be negative")
	}
	return opts, nil
}

// job is a sweep that can run once or on its own ticker.
type job interface {
	Run(ctx context.Context) error
	String() string
}

type sweepFunc func(ctx context.Context) (int, error)

func runJob(ctx context.Context, j job, sweep sweepFunc, once bool, logger zerolog.Logger) error {
	if once {
		n, err := sweep(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", j, err)
		}
		logger.Info().Str("job", j.String()).Int("affected", n).Msg("sweep finished")
		return nil
	}

	logger.Info().Str("job", j.String()).Msg("worker started")
	if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", j, err)
	}
	logger.Info().Str("job", j.String()).Msg("worker stopped")
	return nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logging.Err(err).Msg("invalid flags")
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		logging.Err(err).Msg("worker exited")
		os.Exit(1)
	}
}

func run(opts options) error {
	if _, err := config.LoadDotEnv(); err != nil {
		logging.Warn().Err(err).Msg("failed to load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.Logger().With().Str("job", opts.job).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}
	defer pool.Close()

	clk := clock.NewSystem()

	switch opts.job {
	case jobReclaim:
		interval := cfg.Reservation.ReclaimInterval
		if opts.interval > 0 {
			interval = opts.interval
		}
		r := app.NewReclaimer(postgres.NewUnitRepository(pool), postgres.NewCartRepository(pool), clk,
			app.WithReclaimInterval(interval),
			app.WithReclaimBatch(cfg.Reservation.ReclaimBatch),
			app.WithReclaimerLogger(logger),
		)
		return runJob(ctx, r, r.ReclaimExpired, opts.once, logger)
	default:
		interval := cfg.Delivery.JanitorInterval
		if opts.interval > 0 {
			interval = opts.interval
		}
		j := app.NewSoldRecordJanitor(postgres.NewSoldRecordRepository(pool), clk,
			app.WithJanitorInterval(interval),
			app.WithJanitorLogger(logger),
		)
		return runJob(ctx, j, j.PurgeExpired, opts.once, logger)
	}
}
