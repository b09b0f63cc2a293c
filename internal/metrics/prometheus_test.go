package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNewPrometheusCollector(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	if pc == nil {
		t.Fatal("NewPrometheusCollector returned nil")
	}
	if pc.Collector() != c {
		t.Error("expected PrometheusCollector to wrap the given Collector")
	}
	if pc.Registry() == nil {
		t.Error("expected non-nil Prometheus registry")
	}
}

func TestPrometheusRequestCount(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordRequest("balances")
	c.RecordRequest("balances")
	c.RecordRequest("rewards")

	family := gatherFamily(t, pc, "pearld_request_count")

	if v := counterValue(t, family, "route", "balances"); v != 2 {
		t.Errorf("expected balances counter 2, got %f", v)
	}
	if v := counterValue(t, family, "route", "rewards"); v != 1 {
		t.Errorf("expected rewards counter 1, got %f", v)
	}
}

func TestPrometheusRequestDuration(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordLatency("balances", 10*time.Millisecond)
	c.RecordLatency("balances", 50*time.Millisecond)

	family := gatherFamily(t, pc, "pearld_request_duration_seconds")
	hist := histogramFor(t, family, "route", "balances")

	if hist.GetSampleCount() != 2 {
		t.Errorf("expected sample count 2, got %d", hist.GetSampleCount())
	}
	// Sum should be approximately 0.060 seconds (10ms + 50ms)
	if hist.GetSampleSum() < 0.05 || hist.GetSampleSum() > 0.07 {
		t.Errorf("expected sample sum ~0.060, got %f", hist.GetSampleSum())
	}
}

func TestPrometheusHistogramCumulativeBuckets(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordLatency("status", 3*time.Millisecond)  // lands in (1ms, 5ms]
	c.RecordLatency("status", 30*time.Millisecond) // lands in (25ms, 50ms]

	family := gatherFamily(t, pc, "pearld_request_duration_seconds")
	hist := histogramFor(t, family, "route", "status")

	wantCumulative := map[float64]uint64{
		0.001: 0,
		0.005: 1,
		0.01:  1,
		0.025: 1,
		0.05:  2,
		1.0:   2,
	}
	for _, bucket := range hist.GetBucket() {
		want, ok := wantCumulative[bucket.GetUpperBound()]
		if !ok {
			continue
		}
		if bucket.GetCumulativeCount() != want {
			t.Errorf("bucket le=%v: expected cumulative %d, got %d",
				bucket.GetUpperBound(), want, bucket.GetCumulativeCount())
		}
	}
}

func TestPrometheusRPCFamilies(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordRPCCall("gnosis", 40*time.Millisecond, false)
	c.RecordRPCCall("gnosis", 90*time.Millisecond, true)

	calls := gatherFamily(t, pc, "pearld_rpc_calls_total")
	if v := counterValue(t, calls, "chain", "gnosis"); v != 2 {
		t.Errorf("expected 2 rpc calls, got %f", v)
	}

	errs := gatherFamily(t, pc, "pearld_rpc_errors_total")
	if v := counterValue(t, errs, "chain", "gnosis"); v != 1 {
		t.Errorf("expected 1 rpc error, got %f", v)
	}

	duration := gatherFamily(t, pc, "pearld_rpc_duration_seconds")
	hist := histogramFor(t, duration, "chain", "gnosis")
	if hist.GetSampleCount() != 2 {
		t.Errorf("expected 2 duration samples, got %d", hist.GetSampleCount())
	}
}

func TestPrometheusSubgraphFamilies(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordSubgraphQuery("gnosis", false)
	c.RecordSubgraphQuery("gnosis", true)
	c.RecordSubgraphQuery("mode", false)

	queries := gatherFamily(t, pc, "pearld_subgraph_queries_total")
	if v := counterValue(t, queries, "chain", "gnosis"); v != 2 {
		t.Errorf("expected 2 gnosis queries, got %f", v)
	}
	if v := counterValue(t, queries, "chain", "mode"); v != 1 {
		t.Errorf("expected 1 mode query, got %f", v)
	}

	errs := gatherFamily(t, pc, "pearld_subgraph_errors_total")
	if v := counterValue(t, errs, "chain", "gnosis"); v != 1 {
		t.Errorf("expected 1 gnosis error, got %f", v)
	}
}

func TestPrometheusSnapshotGauges(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordPollCycle("rewards", 25*time.Millisecond, false)
	c.RecordSettle("rewards", 42, time.Now().Add(-2*time.Second))
	c.RecordDiscard("rewards")

	seq := gatherFamily(t, pc, "pearld_snapshot_seq")
	if v := gaugeValue(t, seq, "component", "rewards"); v != 42 {
		t.Errorf("expected snapshot seq 42, got %f", v)
	}

	age := gatherFamily(t, pc, "pearld_snapshot_age_seconds")
	if v := gaugeValue(t, age, "component", "rewards"); v < 1.9 {
		t.Errorf("expected snapshot age of about 2s, got %f", v)
	}

	discards := gatherFamily(t, pc, "pearld_poll_discards_total")
	if v := counterValue(t, discards, "component", "rewards"); v != 1 {
		t.Errorf("expected 1 discard, got %f", v)
	}
}

func TestPrometheusAgeOmittedBeforeSettle(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordPollCycle("balance", time.Millisecond, false)

	families, err := pc.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "pearld_snapshot_age_seconds" {
			t.Error("expected no snapshot age metric before the first settle")
		}
	}
}

func TestPrometheusBaseGauges(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.IncrementWSClients()
	c.IncrementWSClients()

	ws := gatherFamily(t, pc, "pearld_ws_clients")
	if v := ws.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("expected 2 ws clients, got %f", v)
	}

	goroutines := gatherFamily(t, pc, "pearld_goroutine_count")
	if v := goroutines.GetMetric()[0].GetGauge().GetValue(); v <= 0 {
		t.Errorf("expected positive goroutine count, got %f", v)
	}

	time.Sleep(10 * time.Millisecond)
	uptime := gatherFamily(t, pc, "pearld_uptime_seconds")
	if v := uptime.GetMetric()[0].GetGauge().GetValue(); v < 0.01 {
		t.Errorf("expected measurable uptime, got %f", v)
	}
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	c.RecordRequest("balances")
	c.RecordLatency("balances", 25*time.Millisecond)
	c.RecordRPCCall("gnosis", 10*time.Millisecond, false)
	c.RecordSubgraphQuery("gnosis", false)
	c.RecordPollCycle("balance", 5*time.Millisecond, false)

	handler := pc.Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expectedMetrics := []string{
		"pearld_request_count",
		"pearld_request_duration_seconds",
		"pearld_rpc_calls_total",
		"pearld_subgraph_queries_total",
		"pearld_poll_cycles_total",
		"pearld_ws_clients",
		"pearld_goroutine_count",
		"pearld_uptime_seconds",
	}
	for _, name := range expectedMetrics {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("expected metric %q in Prometheus output, not found", name)
		}
	}

	if !strings.Contains(bodyStr, `chain="gnosis"`) {
		t.Error("expected chain label 'gnosis' in Prometheus output")
	}
	if !strings.Contains(bodyStr, `component="balance"`) {
		t.Error("expected component label 'balance' in Prometheus output")
	}
}

func TestPrometheusHandlerContentType(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)
	handler := pc.Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Errorf("expected Content-Type containing text/plain, got %q", ct)
	}
}

func TestPrometheusGatherEmptyCollector(t *testing.T) {
	c := NewCollector()
	pc := NewPrometheusCollector(c)

	families, err := pc.Registry().Gather()
	if err != nil {
		t.Fatalf("gather on empty collector failed: %v", err)
	}

	// Uptime, goroutine count, and ws clients are always present; the
	// labeled families appear only once something records into them.
	if len(families) != 3 {
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		t.Errorf("expected 3 base families, got %d: %v", len(families), names)
	}
}

// gatherFamily scrapes the registry and returns the named metric family.
func gatherFamily(t *testing.T, pc *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()

	families, err := pc.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

// metricFor finds the metric within a family carrying the given label value.
func metricFor(t *testing.T, family *dto.MetricFamily, label, value string) *dto.Metric {
	t.Helper()

	for _, m := range family.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == label && l.GetValue() == value {
				return m
			}
		}
	}
	t.Fatalf("no metric in %q with %s=%q", family.GetName(), label, value)
	return nil
}

func counterValue(t *testing.T, family *dto.MetricFamily, label, value string) float64 {
	t.Helper()
	return metricFor(t, family, label, value).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, family *dto.MetricFamily, label, value string) float64 {
	t.Helper()
	return metricFor(t, family, label, value).GetGauge().GetValue()
}

func histogramFor(t *testing.T, family *dto.MetricFamily, label, value string) *dto.Histogram {
	t.Helper()

	hist := metricFor(t, family, label, value).GetHistogram()
	if hist == nil {
		t.Fatal("expected histogram metric")
	}
	return hist
}
