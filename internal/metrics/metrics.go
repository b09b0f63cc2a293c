// Package metrics aggregates pearld's operational counters: local API
// requests, per-chain RPC calls, subgraph queries, and aggregator poll
// cycles. The Collector is the single recording surface; the Prometheus
// bridge in prometheus.go exposes its state through a dedicated registry.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics for the daemon.
type Collector struct {
	// Request counts by API route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex

	// Request latencies by API route
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	// RPC call stats by chain
	rpc   map[string]*rpcStats
	rpcMu sync.RWMutex

	// Subgraph query stats by chain
	subgraph   map[string]*subgraphStats
	subgraphMu sync.RWMutex

	// Aggregator poll-cycle stats by component
	cycles   map[string]*cycleStats
	cyclesMu sync.RWMutex

	// WebSocket subscriber gauge
	wsClients int64

	// Start time for uptime calculation
	startTime time.Time
}

type rpcStats struct {
	calls   uint64
	errors  uint64
	latency LatencyHistogram
}

type subgraphStats struct {
	queries uint64
	errors  uint64
}

type cycleStats struct {
	count    uint64
	failures uint64
	discards uint64
	duration LatencyHistogram

	mu            sync.Mutex
	lastSeq       uint64
	lastSettledAt time.Time
}

// LatencyHistogram tracks latencies in buckets
type LatencyHistogram struct {
	// Bucket boundaries in milliseconds
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64 // Total count
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestCounts: make(map[string]*uint64),
		latencies:     make(map[string]*LatencyHistogram),
		rpc:           make(map[string]*rpcStats),
		subgraph:      make(map[string]*subgraphStats),
		cycles:        make(map[string]*cycleStats),
		startTime:     time.Now(),
	}
}

// RecordRequest records one API request for the given route.
func (c *Collector) RecordRequest(route string) {
	c.requestCountsMu.Lock()
	counter, exists := c.requestCounts[route]
	if !exists {
		var val uint64
		counter = &val
		c.requestCounts[route] = counter
	}
	c.requestCountsMu.Unlock()

	atomic.AddUint64(counter, 1)
}

// RecordLatency records the latency of one API request.
func (c *Collector) RecordLatency(route string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[route]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[route] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// RecordRPCCall records one chain RPC round trip and whether it failed.
func (c *Collector) RecordRPCCall(chain string, duration time.Duration, failed bool) {
	c.rpcMu.Lock()
	stats, exists := c.rpc[chain]
	if !exists {
		stats = &rpcStats{}
		c.rpc[chain] = stats
	}
	c.rpcMu.Unlock()

	atomic.AddUint64(&stats.calls, 1)
	if failed {
		atomic.AddUint64(&stats.errors, 1)
	}
	stats.latency.Record(duration)
}

// RecordSubgraphQuery records one checkpoint query against a chain's subgraph.
func (c *Collector) RecordSubgraphQuery(chain string, failed bool) {
	c.subgraphMu.Lock()
	stats, exists := c.subgraph[chain]
	if !exists {
		stats = &subgraphStats{}
		c.subgraph[chain] = stats
	}
	c.subgraphMu.Unlock()

	atomic.AddUint64(&stats.queries, 1)
	if failed {
		atomic.AddUint64(&stats.errors, 1)
	}
}

// RecordPollCycle records one aggregator tick for the named component.
func (c *Collector) RecordPollCycle(component string, duration time.Duration, failed bool) {
	stats := c.cycleStatsFor(component)

	atomic.AddUint64(&stats.count, 1)
	if failed {
		atomic.AddUint64(&stats.failures, 1)
	}
	stats.duration.Record(duration)
}

// RecordSettle records the sequence and settle time of a published snapshot.
func (c *Collector) RecordSettle(component string, seq uint64, settledAt time.Time) {
	stats := c.cycleStatsFor(component)

	stats.mu.Lock()
	stats.lastSeq = seq
	stats.lastSettledAt = settledAt
	stats.mu.Unlock()
}

// RecordDiscard records a settle that was dropped because a newer tick had
// already been issued.
func (c *Collector) RecordDiscard(component string) {
	stats := c.cycleStatsFor(component)
	atomic.AddUint64(&stats.discards, 1)
}

func (c *Collector) cycleStatsFor(component string) *cycleStats {
	c.cyclesMu.Lock()
	stats, exists := c.cycles[component]
	if !exists {
		stats = &cycleStats{}
		c.cycles[component] = stats
	}
	c.cyclesMu.Unlock()
	return stats
}

// IncrementWSClients increments the WebSocket subscriber count
func (c *Collector) IncrementWSClients() {
	atomic.AddInt64(&c.wsClients, 1)
}

// DecrementWSClients decrements the WebSocket subscriber count
func (c *Collector) DecrementWSClients() {
	atomic.AddInt64(&c.wsClients, -1)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	// Find the appropriate bucket
	bucketIdx := len(bucketBoundaries) // Default to last bucket (overflow)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// snapshot returns a consistent copy of the histogram's raw state.
func (h *LatencyHistogram) snapshot() (buckets [10]uint64, sum uint64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buckets, h.sum, h.count
}

// stats converts the histogram into its JSON view.
func (h *LatencyHistogram) stats() LatencyStats {
	buckets, sum, count := h.snapshot()

	stats := LatencyStats{
		Count:   count,
		SumMs:   float64(sum) / float64(time.Millisecond),
		Buckets: make(map[string]uint64),
	}
	if count > 0 {
		stats.AvgMs = float64(sum) / float64(count) / float64(time.Millisecond)
	}
	for i, n := range buckets {
		if n > 0 {
			stats.Buckets[bucketLabels[i]] = n
		}
	}
	return stats
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime           string                  `json:"uptime"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	RequestCounts    map[string]uint64       `json:"request_counts"`
	RequestLatencies map[string]LatencyStats `json:"request_latencies"`
	RPC              map[string]RPCStats     `json:"rpc"`
	Subgraph         map[string]QueryStats   `json:"subgraph"`
	Cycles           map[string]CycleStats   `json:"cycles"`
	WSClients        int64                   `json:"ws_clients"`
	CollectedAt      time.Time               `json:"collected_at"`
}

// LatencyStats contains latency statistics for one label
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// RPCStats summarizes RPC traffic to one chain.
type RPCStats struct {
	Calls   uint64       `json:"calls"`
	Errors  uint64       `json:"errors"`
	Latency LatencyStats `json:"latency"`
}

// QueryStats summarizes subgraph traffic for one chain.
type QueryStats struct {
	Queries uint64 `json:"queries"`
	Errors  uint64 `json:"errors"`
}

// CycleStats summarizes one aggregator's poll loop: tick counts, failure and
// discard counts, and the sequence/age of the last published snapshot.
type CycleStats struct {
	Count          uint64       `json:"count"`
	Failures       uint64       `json:"failures"`
	Discards       uint64       `json:"discards"`
	Duration       LatencyStats `json:"duration"`
	LastSeq        uint64       `json:"last_seq"`
	LastSettledAt  time.Time    `json:"last_settled_at,omitempty"`
	SnapshotAgeSec float64      `json:"snapshot_age_seconds"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)
	now := time.Now()

	requestCounts := make(map[string]uint64)
	c.requestCountsMu.RLock()
	for route, counter := range c.requestCounts {
		requestCounts[route] = atomic.LoadUint64(counter)
	}
	c.requestCountsMu.RUnlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for route, hist := range c.latencies {
		latencies[route] = hist.stats()
	}
	c.latenciesMu.RUnlock()

	rpc := make(map[string]RPCStats)
	c.rpcMu.RLock()
	for chain, stats := range c.rpc {
		rpc[chain] = RPCStats{
			Calls:   atomic.LoadUint64(&stats.calls),
			Errors:  atomic.LoadUint64(&stats.errors),
			Latency: stats.latency.stats(),
		}
	}
	c.rpcMu.RUnlock()

	subgraph := make(map[string]QueryStats)
	c.subgraphMu.RLock()
	for chain, stats := range c.subgraph {
		subgraph[chain] = QueryStats{
			Queries: atomic.LoadUint64(&stats.queries),
			Errors:  atomic.LoadUint64(&stats.errors),
		}
	}
	c.subgraphMu.RUnlock()

	cycles := make(map[string]CycleStats)
	c.cyclesMu.RLock()
	for component, stats := range c.cycles {
		entry := CycleStats{
			Count:    atomic.LoadUint64(&stats.count),
			Failures: atomic.LoadUint64(&stats.failures),
			Discards: atomic.LoadUint64(&stats.discards),
			Duration: stats.duration.stats(),
		}
		stats.mu.Lock()
		entry.LastSeq = stats.lastSeq
		entry.LastSettledAt = stats.lastSettledAt
		if !stats.lastSettledAt.IsZero() {
			entry.SnapshotAgeSec = now.Sub(stats.lastSettledAt).Seconds()
		}
		stats.mu.Unlock()
		cycles[component] = entry
	}
	c.cyclesMu.RUnlock()

	return &Metrics{
		Uptime:           uptime.Round(time.Second).String(),
		UptimeSeconds:    uptime.Seconds(),
		RequestCounts:    requestCounts,
		RequestLatencies: latencies,
		RPC:              rpc,
		Subgraph:         subgraph,
		Cycles:           cycles,
		WSClients:        atomic.LoadInt64(&c.wsClients),
		CollectedAt:      now,
	}
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	metrics := c.GetMetrics()
	return json.Marshal(metrics)
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.requestCountsMu.Lock()
	c.requestCounts = make(map[string]*uint64)
	c.requestCountsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[string]*LatencyHistogram)
	c.latenciesMu.Unlock()

	c.rpcMu.Lock()
	c.rpc = make(map[string]*rpcStats)
	c.rpcMu.Unlock()

	c.subgraphMu.Lock()
	c.subgraph = make(map[string]*subgraphStats)
	c.subgraphMu.Unlock()

	c.cyclesMu.Lock()
	c.cycles = make(map[string]*cycleStats)
	c.cyclesMu.Unlock()

	atomic.StoreInt64(&c.wsClients, 0)
	c.startTime = time.Now()
}
