package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_events_appended_total",
			Help: "Total number of events appended to the outbox by type",
		},
		[]string{"event_type"},
	)

	DeliveriesClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_deliveries_claimed_total",
			Help: "Total number of deliveries claimed by consumer group",
		},
		[]string{"consumer_group"},
	)

	DeliveriesAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_deliveries_acked_total",
			Help: "Total number of delivery acknowledgements by consumer group and status",
		},
		[]string{"consumer_group", "status"},
	)

	DeliveryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_delivery_retries_total",
			Help: "Total number of delivery retries by consumer group",
		},
		[]string{"consumer_group"},
	)

	StaleDeliveriesReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osa_stale_deliveries_reset_total",
			Help: "Total number of claimed deliveries returned to pending by the janitor",
		},
	)

	DeliveriesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osa_deliveries",
			Help: "Current number of delivery rows by status",
		},
		[]string{"status"},
	)

	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "osa_workers_running",
			Help: "Current number of running workers",
		},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osa_handler_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by handler and result",
		},
		[]string{"handler", "result"},
	)

	// Scheduler metrics
	SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_scheduler_runs_total",
			Help: "Total number of scheduled source runs by convention and result",
		},
		[]string{"convention", "result"},
	)

	// Pipeline metrics
	HookRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_hook_runs_total",
			Help: "Total number of validation hook runs by hook and status",
		},
		[]string{"hook", "status"},
	)

	RecordsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "osa_records_published_total",
			Help: "Total number of records published",
		},
	)

	IndexIngests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_index_ingests_total",
			Help: "Total number of index backend ingests by backend and result",
		},
		[]string{"backend", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osa_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osa_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(DeliveriesClaimed)
	prometheus.MustRegister(DeliveriesAcked)
	prometheus.MustRegister(DeliveryRetries)
	prometheus.MustRegister(StaleDeliveriesReset)
	prometheus.MustRegister(DeliveriesByStatus)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(PollCycles)
	prometheus.MustRegister(SchedulerRuns)
	prometheus.MustRegister(HookRuns)
	prometheus.MustRegister(RecordsPublished)
	prometheus.MustRegister(IndexIngests)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
