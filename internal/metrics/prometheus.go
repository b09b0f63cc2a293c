package metrics

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exposes a Collector's state in the Prometheus
// exposition format. It implements prometheus.Collector and builds const
// metrics from the Collector at scrape time, so components keep recording
// through the Collector alone and the two outputs can never drift apart.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	descUptime    *prometheus.Desc
	descGoroutine *prometheus.Desc
	descWSClients *prometheus.Desc

	descRequestCount    *prometheus.Desc
	descRequestDuration *prometheus.Desc

	descRPCCalls    *prometheus.Desc
	descRPCErrors   *prometheus.Desc
	descRPCDuration *prometheus.Desc

	descSubgraphQueries *prometheus.Desc
	descSubgraphErrors  *prometheus.Desc

	descPollCycles   *prometheus.Desc
	descPollFailures *prometheus.Desc
	descPollDiscards *prometheus.Desc
	descPollDuration *prometheus.Desc
	descSnapshotSeq  *prometheus.Desc
	descSnapshotAge  *prometheus.Desc
}

// histogramUpperBounds mirrors bucketBoundaries, converted to seconds. The
// overflow bucket is implied by the sample count.
var histogramUpperBounds = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName("pearld", "", name), help, labels, nil)
}

// NewPrometheusCollector wraps a Collector and registers it in a dedicated
// Prometheus registry so it does not interfere with the default global one.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	pc := &PrometheusCollector{
		collector: c,
		registry:  prometheus.NewRegistry(),

		descUptime:    desc("uptime_seconds", "Time since the daemon started in seconds."),
		descGoroutine: desc("goroutine_count", "Number of goroutines."),
		descWSClients: desc("ws_clients", "Number of connected WebSocket subscribers."),

		descRequestCount:    desc("request_count", "Total number of local API requests by route.", "route"),
		descRequestDuration: desc("request_duration_seconds", "Local API request latency by route.", "route"),

		descRPCCalls:    desc("rpc_calls_total", "Total number of chain RPC round trips.", "chain"),
		descRPCErrors:   desc("rpc_errors_total", "Total number of failed chain RPC round trips.", "chain"),
		descRPCDuration: desc("rpc_duration_seconds", "Chain RPC round trip latency.", "chain"),

		descSubgraphQueries: desc("subgraph_queries_total", "Total number of checkpoint queries by chain.", "chain"),
		descSubgraphErrors:  desc("subgraph_errors_total", "Total number of failed checkpoint queries by chain.", "chain"),

		descPollCycles:   desc("poll_cycles_total", "Total number of aggregator ticks by component.", "component"),
		descPollFailures: desc("poll_failures_total", "Total number of failed aggregator ticks by component.", "component"),
		descPollDiscards: desc("poll_discards_total", "Total number of superseded settles dropped by component.", "component"),
		descPollDuration: desc("poll_duration_seconds", "Aggregator tick duration by component.", "component"),
		descSnapshotSeq:  desc("snapshot_seq", "Sequence number of the last published snapshot.", "component"),
		descSnapshotAge:  desc("snapshot_age_seconds", "Age of the last published snapshot.", "component"),
	}

	pc.registry.MustRegister(pc)
	return pc
}

// Registry returns the Prometheus registry backing this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// GetMetrics returns the JSON metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// Handler returns an http.Handler serving the Prometheus text exposition
// format. Metrics are rebuilt from the Collector on every scrape.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.descUptime
	ch <- p.descGoroutine
	ch <- p.descWSClients
	ch <- p.descRequestCount
	ch <- p.descRequestDuration
	ch <- p.descRPCCalls
	ch <- p.descRPCErrors
	ch <- p.descRPCDuration
	ch <- p.descSubgraphQueries
	ch <- p.descSubgraphErrors
	ch <- p.descPollCycles
	ch <- p.descPollFailures
	ch <- p.descPollDiscards
	ch <- p.descPollDuration
	ch <- p.descSnapshotSeq
	ch <- p.descSnapshotAge
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	c := p.collector
	now := time.Now()

	ch <- prometheus.MustNewConstMetric(p.descUptime, prometheus.GaugeValue, now.Sub(c.startTime).Seconds())
	ch <- prometheus.MustNewConstMetric(p.descGoroutine, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(p.descWSClients, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.wsClients)))

	c.requestCountsMu.RLock()
	for route, counter := range c.requestCounts {
		ch <- prometheus.MustNewConstMetric(p.descRequestCount, prometheus.CounterValue,
			float64(atomic.LoadUint64(counter)), route)
	}
	c.requestCountsMu.RUnlock()

	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		ch <- constHistogram(p.descRequestDuration, hist, route)
	}
	c.latenciesMu.RUnlock()

	c.rpcMu.RLock()
	for chain, stats := range c.rpc {
		ch <- prometheus.MustNewConstMetric(p.descRPCCalls, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.calls)), chain)
		ch <- prometheus.MustNewConstMetric(p.descRPCErrors, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.errors)), chain)
		ch <- constHistogram(p.descRPCDuration, &stats.latency, chain)
	}
	c.rpcMu.RUnlock()

	c.subgraphMu.RLock()
	for chain, stats := range c.subgraph {
		ch <- prometheus.MustNewConstMetric(p.descSubgraphQueries, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.queries)), chain)
		ch <- prometheus.MustNewConstMetric(p.descSubgraphErrors, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.errors)), chain)
	}
	c.subgraphMu.RUnlock()

	c.cyclesMu.RLock()
	for component, stats := range c.cycles {
		ch <- prometheus.MustNewConstMetric(p.descPollCycles, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.count)), component)
		ch <- prometheus.MustNewConstMetric(p.descPollFailures, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.failures)), component)
		ch <- prometheus.MustNewConstMetric(p.descPollDiscards, prometheus.CounterValue,
			float64(atomic.LoadUint64(&stats.discards)), component)
		ch <- constHistogram(p.descPollDuration, &stats.duration, component)

		stats.mu.Lock()
		seq := stats.lastSeq
		settledAt := stats.lastSettledAt
		stats.mu.Unlock()

		ch <- prometheus.MustNewConstMetric(p.descSnapshotSeq, prometheus.GaugeValue, float64(seq), component)
		if !settledAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(p.descSnapshotAge, prometheus.GaugeValue,
				now.Sub(settledAt).Seconds(), component)
		}
	}
	c.cyclesMu.RUnlock()
}

// constHistogram converts a LatencyHistogram into a Prometheus const
// histogram with cumulative bucket counts keyed by upper bound in seconds.
func constHistogram(desc *prometheus.Desc, h *LatencyHistogram, labels ...string) prometheus.Metric {
	buckets, sum, count := h.snapshot()

	cumulative := make(map[float64]uint64, len(histogramUpperBounds))
	var cum uint64
	for i, bound := range histogramUpperBounds {
		cum += buckets[i]
		cumulative[bound] = cum
	}

	return prometheus.MustNewConstHistogram(desc, count, float64(sum)/float64(time.Second), cumulative, labels...)
}
