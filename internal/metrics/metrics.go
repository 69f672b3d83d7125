package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservation engine
	Reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitvault_reservations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"}, // "ok", "insufficient", "error"
	)

	ReservationContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitvault_reservation_contention_skips_total",
			Help: "Candidates skipped because a concurrent writer claimed them first",
		},
	)

	// Holds released back to the pool
	HoldsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitvault_holds_released_total",
			Help: "Units released from a hold",
		},
		[]string{"reason"}, // "expired", "cart", "hold", "units", "rollback"
	)

	ReclaimSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unitvault_reclaim_sweep_duration_seconds",
			Help:    "Duration of expiry reclaim sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	CartAggregateErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitvault_cart_aggregate_errors_total",
			Help: "Best-effort cart aggregate updates that failed",
		},
	)

	// Finalizer
	UnitsSold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitvault_units_sold_total",
			Help: "Units finalized into sold records",
		},
		[]string{"removal"}, // "deleted", "flagged", "failed"
	)

	// Payment state machine
	PaymentSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitvault_payment_signals_total",
			Help: "Inbound payment signals by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	FulfillmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitvault_fulfillment_failures_total",
			Help: "Paid orders that need operator attention",
		},
		[]string{"kind"},
	)

	// Payment provider
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitvault_provider_request_duration_seconds",
			Help:    "Payment provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unitvault_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitvault_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Signal bus
	SignalsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitvault_signals_dropped_total",
			Help: "Payment signals acked after exhausting retries",
		},
	)

	// Janitor
	SoldRecordsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitvault_sold_records_purged_total",
			Help: "Sold records removed after their retention window",
		},
	)
)

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveProvider records one payment provider call.
func ObserveProvider(provider, operation string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderRequestDuration.WithLabelValues(provider, operation, status).Observe(d.Seconds())
}
