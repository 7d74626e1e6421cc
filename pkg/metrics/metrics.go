package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Generation
	GenerationTransitions *prometheus.CounterVec

	// Provider calls
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Distribution
	MessagesSent   prometheus.Counter
	MessagesFailed prometheus.Counter
	WebhookEvents  *prometheus.CounterVec

	// Artifact cache
	CacheLookups   *prometheus.CounterVec
	CacheDownloads *prometheus.CounterVec
	CacheBytes     prometheus.Counter

	// Sweeps and scheduled jobs
	SweepItems   *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobFailures  *prometheus.CounterVec
	QueueEnqueue *prometheus.CounterVec

	// Database
	DatabaseOperations *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = NewMetrics("videocast", "pipeline")
	})
	return defaultSet
}

// NewMetrics creates and registers all pipeline metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace, subsystem)
}

// NewUnregistered builds a metrics set on a private registry. Tests use it so
// that repeated construction does not panic on duplicate registration.
func NewUnregistered() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()), "videocast", "test")
}

// NewWithRegisterer registers the pipeline metrics on reg.
func NewWithRegisterer(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	return newMetrics(promauto.With(reg), namespace, subsystem)
}

func newMetrics(f promauto.Factory, namespace, subsystem string) *Metrics {
	return &Metrics{
		GenerationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "generation_transitions_total",
			Help:      "Item generation state transitions by target status",
		}, []string{"status"}),

		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_requests_total",
			Help:      "Outbound provider calls by provider, operation and outcome",
		}, []string{"provider", "operation", "status"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of outbound provider calls",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "operation"}),

		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Messages accepted by the messaging provider",
		}),
		MessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_failed_total",
			Help:      "Messages rejected by the messaging provider or failed in transit",
		}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by source and outcome",
		}, []string{"source", "outcome"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Artifact cache lookups by result",
		}, []string{"result"}),
		CacheDownloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_downloads_total",
			Help:      "Artifact downloads into the cache by outcome",
		}, []string{"status"}),
		CacheBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_downloaded_bytes_total",
			Help:      "Bytes written into the artifact cache",
		}),

		SweepItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_items_total",
			Help:      "Items handled by recovery sweeps by sweep and outcome",
		}, []string{"sweep", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"job"}),
		JobFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_failures_total",
			Help:      "Scheduled job runs that returned an error",
		}, []string{"job"}),
		QueueEnqueue: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_enqueued_total",
			Help:      "Background tasks enqueued by type and outcome",
		}, []string{"task", "status"}),

		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}
