package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_messages_handled_total",
			Help: "Queue messages settled by stage and outcome (ack, dead_letter, requeue)",
		},
		[]string{"stage", "outcome"},
	)
	HandlerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_handler_attempts_total",
			Help: "Handler invocations including retries",
		},
		[]string{"stage"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robopost_handler_duration_seconds",
			Help:    "Wall time from fetch to settlement of a message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	IngestedLinks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_ingested_links_total",
			Help: "Links submitted to ingestion by result",
		},
		[]string{"result"},
	)
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_decisions_total",
			Help: "Admin decisions by verdict and result",
		},
		[]string{"decision", "result"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_deliveries_total",
			Help: "Platform delivery attempts by platform and status",
		},
		[]string{"platform", "status"},
	)
	RateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robopost_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a destination rate limit slot",
			Buckets: []float64{0, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"platform"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robopost_http_requests_total",
			Help: "HTTP requests served by route and status code",
		},
		[]string{"method", "route", "code"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesHandled,
			HandlerAttempts,
			HandlerDuration,
			IngestedLinks,
			Decisions,
			Deliveries,
			RateLimitWait,
			HTTPRequests,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveSettlement(stage, outcome string, started time.Time) {
	MessagesHandled.WithLabelValues(stage, outcome).Inc()
	HandlerDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}
