package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Services are the handlers' dependencies. Webhooks is nil when the payment
// provider takes no pushes; the webhook route is then not mounted.
type Services struct {
	Reserver  Reserver
	Releaser  HoldReleaser
	Finalizer SaleFinalizer
	Orders    OrderService
	Fulfiller OrderFulfiller
	Payments  PaymentChecker
	Catalog   CatalogService
	Webhooks  WebhookParser
	Signals   SignalPublisher
	DB        Pinger
}

type RouterConfig struct {
	CORSOrigins []string
	// RateLimitRPS is per client IP; zero disables limiting.
	RateLimitRPS int
	// AdminToken guards /admin, including manual mark-sold; empty leaves
	// /admin unmounted.
	AdminToken string
	Logger     zerolog.Logger
}

func NewRouter(svc Services, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.NotFound(NotFoundHandler().ServeHTTP)
	r.MethodNotAllowed(MethodNotAllowedHandler().ServeHTTP)

	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", idempotencyKeyHeader, requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", HealthHandler)
	if svc.DB != nil {
		r.Get("/ready", ReadyHandler(svc.DB))
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(httprate.Limit(cfg.RateLimitRPS, time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
				}),
			))
		}

		r.Route("/cart", func(r chi.Router) {
			r.Post("/reserve", HandleReserve(svc.Reserver))
			r.Post("/release", HandleRelease(svc.Releaser))
			r.Post("/release-units", HandleReleaseUnits(svc.Releaser))
			r.Post("/cleanup", HandleCleanup(svc.Releaser))
		})
		r.Get("/products/{id}/available", HandleAvailable(svc.Reserver))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", HandleCreateOrder(svc.Orders))
			r.Get("/{id}", HandleGetOrder(svc.Orders))
			r.Post("/{id}/cancel", HandleCancelOrder(svc.Fulfiller))
			r.Post("/{id}/redeliver", HandleRedeliverOrder(svc.Fulfiller))
			r.Get("/{id}/payment-status", HandlePaymentStatus(svc.Payments))
		})

		if svc.Webhooks != nil {
			r.Post("/payments/webhook", HandlePaymentWebhook(svc.Webhooks, svc.Signals))
		}
	})

	if cfg.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuth(cfg.AdminToken))
			r.Get("/products", HandleListProducts(svc.Catalog))
			r.Post("/products", HandleCreateProduct(svc.Catalog))
			r.Post("/products/{id}/units", HandleImportUnits(svc.Catalog))
			r.Post("/units/mark-sold", HandleMarkSold(svc.Finalizer))
		})
	}

	return r
}
