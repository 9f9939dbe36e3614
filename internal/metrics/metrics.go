package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/internal/tx"
)

const namespace = "tessera"

// Metrics holds the collectors of one node on its own registry, so several
// nodes can live in one process.
type Metrics struct {
	nodeID   cluster.NodeID
	registry *prometheus.Registry

	lockEvents    *prometheus.CounterVec
	ownerChanges  prometheus.Counter
	txFinished    *prometheus.CounterVec
	txDuration    *prometheus.HistogramVec
	assignSeconds prometheus.Histogram
	partitions    *prometheus.GaugeVec
	topologyVer   prometheus.Gauge
}

// New creates the collectors for the node with the given id.
func New(nodeID cluster.NodeID) *Metrics {
	m := &Metrics{
		nodeID:   nodeID,
		registry: prometheus.NewRegistry(),

		lockEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "events_total",
				Help:      "Counter of lock events by type and origin.",
			}, []string{"type", "origin"}),

		ownerChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "owner_changes_total",
				Help:      "Counter of entry owner changes.",
			}),

		txFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "finished_total",
				Help:      "Counter of finished transactions by outcome.",
			}, []string{"outcome", "concurrency", "isolation"}),

		txDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tx",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of transaction lifetimes.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}, []string{"outcome"}),

		assignSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "affinity",
				Name:      "assign_duration_seconds",
				Help:      "Bucketed histogram of full partition assignment time.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			}),

		partitions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "affinity",
				Name:      "partitions",
				Help:      "Partitions owned by this node by role.",
			}, []string{"role"}),

		topologyVer: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "topology",
				Name:      "version",
				Help:      "Topology version of the current assignment.",
			}),
	}

	m.registry.MustRegister(
		m.lockEvents,
		m.ownerChanges,
		m.txFinished,
		m.txDuration,
		m.assignSeconds,
		m.partitions,
		m.topologyVer,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish counts a lock event. It satisfies mvcc.EventBus.
func (m *Metrics) Publish(ev mvcc.Event) {
	origin := "remote"
	if ev.Local {
		origin = "local"
	}
	m.lockEvents.WithLabelValues(string(ev.Type), origin).Inc()
}

// OwnerChanged is an mvcc.OwnerListener.
func (m *Metrics) OwnerChanged(_ string, _, _ *mvcc.Candidate) {
	m.ownerChanges.Inc()
}

// TxFinished satisfies tx.Observer.
func (m *Metrics) TxFinished(state tx.State, c tx.Concurrency, iso tx.Isolation, d time.Duration) {
	outcome := state.String()
	m.txFinished.WithLabelValues(outcome, c.String(), iso.String()).Inc()
	m.txDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AssignmentComputed records a fresh assignment and this node's share of it.
func (m *Metrics) AssignmentComputed(d time.Duration, a *affinity.Assignment) {
	m.assignSeconds.Observe(d.Seconds())
	if a == nil {
		return
	}

	primary := len(a.PrimaryPartitionsOf(m.nodeID))
	m.partitions.WithLabelValues("primary").Set(float64(primary))
	m.partitions.WithLabelValues("backup").Set(float64(len(a.PartitionsOf(m.nodeID)) - primary))
	m.topologyVer.Set(float64(a.Version))
}

// WatchRegistry exports the lock registry counters as gauges.
func (m *Metrics) WatchRegistry(reg *mvcc.Registry) {
	gauge := func(name, help string, fn func(mvcc.Stats) int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(reg.Stats())) })
	}

	m.registry.MustRegister(
		gauge("candidates", "Live lock candidates.", func(s mvcc.Stats) int64 { return s.Candidates }),
		gauge("owners", "Entries with an owner.", func(s mvcc.Stats) int64 { return s.Owners }),
		gauge("promotions", "Candidates promoted to owner since start.", func(s mvcc.Stats) int64 { return s.Promotions }),
	)
}
