package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "yieldwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	// Poller metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_cycles_total",
			Help: "Total number of poll cycles",
		},
		[]string{"status"}, // status: ok, fetch_error, skipped
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yieldwatch_cycle_duration_seconds",
			Help:    "Duration of one fetch and evaluate cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitoredEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yieldwatch_monitored_entities",
			Help: "Number of entities in the latest snapshot",
		},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_alerts_total",
			Help: "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_deliveries_total",
			Help: "Alert deliveries by channel and outcome",
		},
		[]string{"channel", "status"}, // status: ok, failed, dropped
	)

	DispatchQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yieldwatch_dispatch_queue_size",
			Help: "Current size of the delivery queue",
		},
	)

	// Stream metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yieldwatch_stream_subscribers",
			Help: "Connected live subscribers",
		},
	)

	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_stream_events_total",
			Help: "Events published to live subscribers",
		},
		[]string{"type"},
	)

	StreamEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yieldwatch_stream_evictions_total",
			Help: "Subscribers dropped because their buffer was full",
		},
	)

	// Persistence metrics
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldwatch_persistence_errors_total",
			Help: "Failed state reads and writes",
		},
		[]string{"resource", "op"},
	)
)
