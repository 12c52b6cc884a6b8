package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments for one process
type Collector struct {
	NotificationsEnqueued *prometheus.CounterVec
	NotificationsDequeued prometheus.Counter
	NotificationsFailed   prometheus.Counter
	DeadLetters           prometheus.Counter

	QueueDepth *prometheus.GaugeVec

	CacheHits        prometheus.Gauge
	CacheMisses      prometheus.Gauge
	CacheEntries     prometheus.Gauge
	CacheEvictions   prometheus.Gauge
	CacheSavedBytes  prometheus.Gauge
	CacheWarmedKeys  prometheus.Gauge
	FilterBitsSet    *prometheus.GaugeVec
	PendingWrites    prometheus.Gauge
	AdmissionFactor  prometheus.Gauge
	AdmissionRate    *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
	ShardLoad        *prometheus.GaugeVec
	ShardErrorRate   *prometheus.GaugeVec
	RequestLatency   prometheus.Histogram
	AdmissionDenials *prometheus.CounterVec
}

// NewCollector registers all instruments with the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		NotificationsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_notifications_enqueued_total",
			Help: "Notifications accepted into the priority queue, by priority.",
		}, []string{"priority"}),
		NotificationsDequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_dequeued_total",
			Help: "Notifications pulled from the queue for processing.",
		}),
		NotificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_failed_total",
			Help: "Processing attempts that ended in a penalty requeue.",
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_dead_letters_total",
			Help: "Notifications that exhausted their processing attempts.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_queue_depth",
			Help: "Current queue depth by priority class.",
		}, []string{"priority"}),
		CacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_hits_total",
			Help: "Local cache hits since process start.",
		}),
		CacheMisses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_misses_total",
			Help: "Local cache misses since process start.",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_entries",
			Help: "Live entries in the local cache.",
		}),
		CacheEvictions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_evictions_total",
			Help: "Entries evicted from the local cache since process start.",
		}),
		CacheSavedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_compression_saved_bytes",
			Help: "Bytes saved by payload compression in the local cache.",
		}),
		CacheWarmedKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_cache_warmed_keys_total",
			Help: "Keys loaded by predictive warming since process start.",
		}),
		FilterBitsSet: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_filter_bits_set",
			Help: "Bits set in the membership filters.",
		}, []string{"filter"}),
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_pending_durable_writes",
			Help: "Durable write operations waiting in the batch writer.",
		}),
		AdmissionFactor: factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_admission_adjustment_factor",
			Help: "Smoothed admission rate adjustment factor.",
		}),
		AdmissionRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_admission_rate",
			Help: "Current adjusted refill rate per admission profile.",
		}, []string{"profile"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
		}, []string{"endpoint"}),
		ShardLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_shard_load",
			Help: "Composite load score per shard.",
		}, []string{"shard"}),
		ShardErrorRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyhub_shard_error_rate",
			Help: "Rolling error rate per shard primary.",
		}, []string{"shard"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifyhub_request_duration_seconds",
			Help:    "End-to-end latency of service operations.",
			Buckets: prometheus.DefBuckets,
		}),
		AdmissionDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_admission_denials_total",
			Help: "Requests rejected by the admission controller, by profile.",
		}, []string{"profile"}),
	}
}
