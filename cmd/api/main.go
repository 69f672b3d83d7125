package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/cache"
	"github.com/cimillas/unitvault/internal/clock"
	"github.com/cimillas/unitvault/internal/config"
	"github.com/cimillas/unitvault/internal/events"
	"github.com/cimillas/unitvault/internal/logging"
	"github.com/cimillas/unitvault/internal/notify"
	"github.com/cimillas/unitvault/internal/payment"
	"github.com/cimillas/unitvault/internal/storage/postgres"
	"github.com/cimillas/unitvault/internal/supervisor"
	transporthttp "github.com/cimillas/unitvault/internal/transport/http"
	"github.com/cimillas/unitvault/migrations"
)

const startupTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("api exited")
		os.Exit(1)
	}
}

func run() error {
	envPath, envErr := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.Logger()

	switch {
	case envErr != nil:
		logger.Warn().Err(envErr).Msg("failed to load .env")
	case envPath != "":
		logger.Info().Str("path", envPath).Msg("loaded env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	clk := clock.NewSystem()

	index, closeIndex, err := newInvoiceIndex(ctx, cfg.Cache, clk)
	if err != nil {
		return err
	}
	defer closeIndex()

	notifier, closeNotifier, err := newNotifier(cfg.Delivery, clk, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	provider, webhooks, err := newPaymentProvider(cfg.Payment, logger)
	if err != nil {
		return err
	}

	units := postgres.NewUnitRepository(pool)
	carts := postgres.NewCartRepository(pool)
	orders := postgres.NewOrderRepository(pool)
	payments := postgres.NewPaymentRepository(pool)
	sold := postgres.NewSoldRecordRepository(pool)
	products := postgres.NewProductRepository(pool)

	reservations := app.NewReservationService(units, carts, clk,
		app.WithHoldTTL(cfg.Reservation.TTL),
		app.WithOverFetch(cfg.Reservation.OverFetch),
	)
	reclaimer := app.NewReclaimer(units, carts, clk,
		app.WithReclaimInterval(cfg.Reservation.ReclaimInterval),
		app.WithReclaimBatch(cfg.Reservation.ReclaimBatch),
	)
	finalizer := app.NewFinalizer(units, sold, clk, app.WithSoldRetention(cfg.Delivery.SoldRetention))
	checkout := app.NewCheckoutService(postgres.NewTransactor(pool), orders, payments, carts, units, clk,
		app.WithDefaultCurrency(cfg.Payment.Currency),
	)
	catalog := app.NewCatalogService(products, units, clk)
	fulfillment := app.NewFulfillmentService(app.FulfillmentDeps{
		Orders:    orders,
		Payments:  payments,
		Carts:     carts,
		Units:     units,
		Sold:      sold,
		Products:  products,
		Reserver:  reservations,
		Finalizer: finalizer,
		Releaser:  reclaimer,
		Notifier:  notifier,
		Index:     index,
	}, clk)
	janitor := app.NewSoldRecordJanitor(sold, clk, app.WithJanitorInterval(cfg.Delivery.JanitorInterval))

	busCfg := events.DefaultConfig()
	busCfg.RetryMax = cfg.Events.RetryMax
	busCfg.RetryInitialInterval = cfg.Events.RetryInitialInterval
	bus, err := events.New(fulfillment, busCfg, events.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create signal bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("close signal bus")
		}
	}()

	poller := app.NewInvoicePoller(payments, orders, provider, bus, clk,
		app.WithPollInterval(cfg.Payment.PollInterval),
		app.WithPollBatch(cfg.Payment.PollBatch),
		app.WithPollerIndex(index),
	)

	handler := transporthttp.NewRouter(transporthttp.Services{
		Reserver:  reservations,
		Releaser:  reclaimer,
		Finalizer: finalizer,
		Orders:    checkout,
		Fulfiller: fulfillment,
		Payments:  poller,
		Catalog:   catalog,
		Webhooks:  webhooks,
		Signals:   bus,
		DB:        pool,
	}, transporthttp.RouterConfig{
		CORSOrigins:  cfg.CORSOriginList(),
		RateLimitRPS: cfg.Server.RateLimitRPS,
		AdminToken:   cfg.Server.AdminToken,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logger, treeCfg)
	tree.AddWorker(reclaimer)
	tree.AddWorker(poller)
	tree.AddWorker(janitor)
	tree.AddWorker(supervisor.NewOneShotService("signal-bus", bus, logger))
	tree.AddAPI(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logger.Info().
		Str("port", cfg.Server.Port).
		Str("payment_provider", cfg.Payment.Provider).
		Str("delivery_driver", cfg.Delivery.Driver).
		Str("cache_driver", cfg.Cache.Driver).
		Msg("api starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info().Msg("api stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return pool, nil
}

func newInvoiceIndex(ctx context.Context, cfg config.CacheConfig, clk clock.Clock) (app.InvoiceIndex, func(), error) {
	if cfg.Driver != "redis" {
		return cache.NewMemoryIndex(clk, cfg.TTL), func() {}, nil
	}
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	client, err := cache.NewRedisClient(startupCtx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisIndex(client, cfg.TTL), closer("redis", client), nil
}

func newNotifier(cfg config.DeliveryConfig, clk clock.Clock, logger zerolog.Logger) (app.Notifier, func(), error) {
	if cfg.Driver != "amqp" {
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	n, err := notify.DialAMQP(cfg.AMQPURL, cfg.Exchange, cfg.RoutingKey, clk, notify.WithAMQPLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return n, closer("amqp", n), nil
}

// newPaymentProvider returns a nil parser for providers that take no webhooks.
func newPaymentProvider(cfg config.PaymentConfig, logger zerolog.Logger) (app.PaymentProvider, transporthttp.WebhookParser, error) {
	guard := payment.DefaultGuardConfig()
	guard.RequestsPerSecond = cfg.RequestsPerSecond

	switch cfg.Provider {
	case "cryptopay":
		p := payment.NewCryptoPay(cfg.APIURL, cfg.Token, guard, payment.WithCryptoPayLogger(logger))
		return p, p, nil
	case "stripe":
		p := payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, guard, payment.WithStripeLogger(logger))
		return p, p, nil
	case "none":
		logger.Warn().Msg("payment provider disabled, invoices are issued locally")
		return payment.NewLocal(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

func closer(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logging.Warn().Err(err).Str("resource", name).Msg("close failed")
		}
	}
}
