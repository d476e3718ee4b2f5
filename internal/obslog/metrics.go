package obslog

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge, counter and histogram the domain stack
// exercises: entity mailbox depth (internal/entity), rebalance cycle
// duration (internal/shardmanager), and storage retry counts
// (internal/shardmanager, internal/transport).
type Metrics struct {
	registry *prometheus.Registry

	MailboxDepth          *prometheus.GaugeVec
	RebalanceCycleSeconds prometheus.Histogram
	ShardsMoved           prometheus.Counter
	StorageRetries        *prometheus.CounterVec
	ShardLockSteals       prometheus.Counter
	RunnersLive           prometheus.Gauge
}

// NewMetrics builds a fresh registry holding Meridian's domain metrics
// only; the standard Go/process collectors are not registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "entity",
			Name:      "mailbox_depth",
			Help:      "Current number of queued messages per entity mailbox.",
		}, []string{"entity_type"}),
		RebalanceCycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "shardmanager",
			Name:      "rebalance_cycle_seconds",
			Help:      "Duration of a single rebalance cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		ShardsMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "shardmanager",
			Name:      "shards_moved_total",
			Help:      "Total shard assignments changed across all rebalance cycles.",
		}),
		StorageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "storage",
			Name:      "retries_total",
			Help:      "Total retried storage operations, by operation name.",
		}, []string{"op"}),
		ShardLockSteals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "sharding",
			Name:      "shard_lock_steals_total",
			Help:      "Total times this runner observed its shard lock stolen.",
		}),
		RunnersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "shardmanager",
			Name:      "runners_live",
			Help:      "Current count of runners considered live.",
		}),
	}

	reg.MustRegister(
		m.MailboxDepth,
		m.RebalanceCycleSeconds,
		m.ShardsMoved,
		m.StorageRetries,
		m.ShardLockSteals,
		m.RunnersLive,
	)
	return m
}

// Handler returns the HTTP handler cmd/shardmanager and cmd/runner mount
// at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
