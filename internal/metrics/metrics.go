package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orders accepted by the matching engine.
	OrdersPlacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_orders_placed_total",
			Help: "Total number of orders placed, by side and match outcome.",
		},
		[]string{"side", "outcome"}, // outcome = matched | resting
	)

	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_trades_total",
			Help: "Trades entering a status, by status.",
		},
		[]string{"status"},
	)

	// Measures the locked section of a match attempt.
	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "market_match_duration_seconds",
			Help:    "Duration of match attempts including the store transaction.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// Payment events by outcome and how they were applied.
	PaymentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_payment_events_total",
			Help: "Payment events processed by outcome and result.",
		},
		[]string{"source", "outcome", "result"}, // result = applied | duplicate | rejected | error
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_requests_total",
			Help: "Total number of payment provider API requests (by operation and status).",
		},
		[]string{"operation", "status"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_provider_request_duration_seconds",
			Help:    "Duration of payment provider API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"operation"},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	ChatTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_tasks_total",
			Help: "Chat side-effect tasks by kind and result.",
		},
		[]string{"kind", "result"}, // result = ok | retry | dropped
	)

	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	StatsCacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_stats_cache_access_total",
			Help: "Market summary reads served from redis or the store.",
		},
		[]string{"result"}, // hit | miss | error
	)

	HTTPRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the API rate limiter.",
		},
		[]string{"route"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcore_errors_total",
			Help: "Count of service-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	ExpiredOrdersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "market_orders_expired_total",
			Help: "Orders moved to EXPIRED by the expiry sweep.",
		},
	)

	// Gauges the last successful job run (seconds since epoch).
	LastJobRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketcore_last_job_run_timestamp",
			Help: "Timestamp (unix seconds) of the last successful background job run.",
		},
		[]string{"job"},
	)
)

// ObserveDuration records the time taken since start on a histogram.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case prometheus.Histogram:
		metric.Observe(duration)
	}
}

func IncOrderPlaced(side, outcome string) {
	OrdersPlacedTotal.WithLabelValues(side, outcome).Inc()
}

func IncTrade(status string) {
	TradesTotal.WithLabelValues(status).Inc()
}

func IncPaymentEvent(source, outcome, result string) {
	PaymentEventsTotal.WithLabelValues(source, outcome, result).Inc()
}

func IncProviderRequest(operation, status string) {
	ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncChatTask(kind, result string) {
	ChatTasksTotal.WithLabelValues(kind, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncStatsCache(result string) {
	StatsCacheAccess.WithLabelValues(result).Inc()
}

func IncRateLimited(route string) {
	HTTPRateLimited.WithLabelValues(route).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastJobRun(job string, t time.Time) {
	LastJobRun.WithLabelValues(job).Set(float64(t.Unix()))
}
