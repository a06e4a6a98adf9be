package kvstore

// metrics.go is a thin abstraction over Prometheus: a metricsSink interface
// with a no-op and a Prometheus implementation, selected by whether
// WithMetrics(reg) was given a non-nil registry. Every per-replica metric
// here is labeled (shard, replica) since replication adds a dimension beyond
// plain per-shard counters; replications_total is labeled (shard, mode).
//
// ┌────────────────────────────────┬──────┬──────────────────┐
// │ Metric                         │ Type │ Labels           │
// ├─────────────────────────────────┼──────┼──────────────────┤
// │ kvstore_puts_total              │ Ctr  │ shard, replica   │
// │ kvstore_gets_total              │ Ctr  │ shard, replica, hit │
// │ kvstore_replications_total      │ Ctr  │ shard, mode      │
// │ kvstore_history_pruned_total    │ Ctr  │ shard, replica   │
// │ kvstore_hot_size                │ Gge  │ shard, replica   │
// │ kvstore_day_change_flushed_total│ Ctr  │ shard, replica   │
// └─────────────────────────────────┴──────┴──────────────────┘
//
// © 2025 tiered-kv authors. MIT License.

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is an internal interface abstracting away the concrete
// backend (Prometheus vs noop). Not exposed outside the package.
type metricsSink interface {
	incPut(shard, replica int)
	incGet(shard, replica int, hit bool)
	incReplication(shard int, async bool)
	incHistoryPruned(shard, replica int, n int)
	setHotSize(shard, replica int, n int)
	incDayChangeFlushed(shard, replica int, n int)
}

type noopMetrics struct{}

func (noopMetrics) incPut(int, int)                 {}
func (noopMetrics) incGet(int, int, bool)           {}
func (noopMetrics) incReplication(int, bool)        {}
func (noopMetrics) incHistoryPruned(int, int, int)  {}
func (noopMetrics) setHotSize(int, int, int)        {}
func (noopMetrics) incDayChangeFlushed(int, int, int) {}

type promMetrics struct {
	puts             *prometheus.CounterVec
	gets             *prometheus.CounterVec
	replications     *prometheus.CounterVec
	historyPruned    *prometheus.CounterVec
	hotSize          *prometheus.GaugeVec
	dayChangeFlushed *prometheus.CounterVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	shardReplica := []string{"shard", "replica"}

	pm := &promMetrics{
		puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvstore",
			Name:      "puts_total",
			Help:      "Number of Put operations applied to a replica.",
		}, shardReplica),
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvstore",
			Name:      "gets_total",
			Help:      "Number of Get operations attempted against a replica.",
		}, []string{"shard", "replica", "hit"}),
		replications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvstore",
			Name:      "replications_total",
			Help:      "Number of replication fan-outs per shard, by mode.",
		}, []string{"shard", "mode"}),
		historyPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvstore",
			Name:      "history_pruned_total",
			Help:      "Number of history index entries dropped by version pruning.",
		}, shardReplica),
		hotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvstore",
			Name:      "hot_size",
			Help:      "Current number of entries in a replica's hot tier.",
		}, shardReplica),
		dayChangeFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvstore",
			Name:      "day_change_flushed_total",
			Help:      "Number of entries flushed to cold storage by day_change.",
		}, shardReplica),
	}

	reg.MustRegister(pm.puts, pm.gets, pm.replications, pm.historyPruned, pm.hotSize, pm.dayChangeFlushed)
	return pm
}

func (m *promMetrics) incPut(shard, replica int) {
	m.puts.WithLabelValues(strconv.Itoa(shard), strconv.Itoa(replica)).Inc()
}
func (m *promMetrics) incGet(shard, replica int, hit bool) {
	m.gets.WithLabelValues(strconv.Itoa(shard), strconv.Itoa(replica), strconv.FormatBool(hit)).Inc()
}
func (m *promMetrics) incReplication(shard int, async bool) {
	mode := "sync"
	if async {
		mode = "async"
	}
	m.replications.WithLabelValues(strconv.Itoa(shard), mode).Inc()
}
func (m *promMetrics) incHistoryPruned(shard, replica int, n int) {
	m.historyPruned.WithLabelValues(strconv.Itoa(shard), strconv.Itoa(replica)).Add(float64(n))
}
func (m *promMetrics) setHotSize(shard, replica int, n int) {
	m.hotSize.WithLabelValues(strconv.Itoa(shard), strconv.Itoa(replica)).Set(float64(n))
}
func (m *promMetrics) incDayChangeFlushed(shard, replica int, n int) {
	m.dayChangeFlushed.WithLabelValues(strconv.Itoa(shard), strconv.Itoa(replica)).Add(float64(n))
}

// newMetricsSink decides which implementation to use based on whether a
// registry was supplied.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
