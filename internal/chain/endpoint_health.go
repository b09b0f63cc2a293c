// Package chain provides the per-chain RPC client and contract accessors:
// endpoint failover, rate limiting, Multicall3 batching, and the staking,
// token and Safe read surface the aggregators poll.
package chain

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxConsecutiveErrors = 3
	defaultRecoveryInterval     = 30 * time.Second
	ewmaAlpha                   = 0.3                    // Weight for new latency samples
	defaultInitialLatency       = 100 * time.Millisecond // Sentinel latency for unmeasured endpoints
)

// endpointState tracks the health of a single RPC endpoint.
type endpointState struct {
	url             string
	latency         time.Duration // EWMA
	consecutiveErrs int
	lastSuccess     time.Time
	lastError       time.Time
	healthy         bool
	latencySamples  int
}

// EndpointStatus is a point-in-time copy of one endpoint's health, exposed
// through the daemon status endpoint.
type EndpointStatus struct {
	URL             string        `json:"url"`
	Healthy         bool          `json:"healthy"`
	Latency         time.Duration `json:"latency_ns"`
	ConsecutiveErrs int           `json:"consecutive_errors,omitempty"`
}

// EndpointTracker manages health state for a chain's RPC endpoints. Calls
// prefer the lowest-latency healthy endpoint; an endpoint is demoted after
// enough consecutive errors and probed again after a recovery interval.
type EndpointTracker struct {
	mu        sync.RWMutex
	endpoints []*endpointState
	maxErrors int
	recovery  time.Duration
}

// NewEndpointTracker creates a tracker from a list of URLs. All endpoints
// start healthy with a sentinel latency so unmeasured ones don't sort first.
func NewEndpointTracker(urls []string) *EndpointTracker {
	endpoints := make([]*endpointState, len(urls))
	for i, u := range urls {
		endpoints[i] = &endpointState{
			url:     u,
			healthy: true,
			latency: defaultInitialLatency,
		}
	}
	return &EndpointTracker{
		endpoints: endpoints,
		maxErrors: defaultMaxConsecutiveErrors,
		recovery:  defaultRecoveryInterval,
	}
}

// RecordSuccess records a successful call to the endpoint.
func (et *EndpointTracker) RecordSuccess(url string, latency time.Duration) {
	et.mu.Lock()
	defer et.mu.Unlock()

	ep := et.find(url)
	if ep == nil {
		return
	}

	ep.consecutiveErrs = 0
	ep.lastSuccess = time.Now()
	ep.healthy = true

	if ep.latencySamples == 0 {
		ep.latency = latency
	} else {
		ep.latency = time.Duration(
			ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(ep.latency),
		)
	}
	ep.latencySamples++
}

// RecordError records a failed call to the endpoint.
func (et *EndpointTracker) RecordError(url string) {
	et.mu.Lock()
	defer et.mu.Unlock()

	ep := et.find(url)
	if ep == nil {
		return
	}

	ep.consecutiveErrs++
	ep.lastError = time.Now()

	if ep.consecutiveErrs >= et.maxErrors {
		ep.healthy = false
	}
}

// Healthy returns endpoint URLs sorted by latency (lowest first). Endpoints
// that have been unhealthy longer than the recovery interval are appended as
// probe candidates.
func (et *EndpointTracker) Healthy() []string {
	et.mu.RLock()
	defer et.mu.RUnlock()

	now := time.Now()

	type candidate struct {
		url     string
		latency time.Duration
		probe   bool
	}

	var candidates []candidate
	for _, ep := range et.endpoints {
		if ep.healthy {
			candidates = append(candidates, candidate{url: ep.url, latency: ep.latency})
		} else if !ep.lastError.IsZero() && now.Sub(ep.lastError) >= et.recovery {
			candidates = append(candidates, candidate{url: ep.url, latency: time.Hour, probe: true})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].probe != candidates[j].probe {
			return !candidates[i].probe
		}
		return candidates[i].latency < candidates[j].latency
	})

	urls := make([]string, len(candidates))
	for i, c := range candidates {
		urls[i] = c.url
	}
	return urls
}

// Status returns a copy of every endpoint's health state.
func (et *EndpointTracker) Status() []EndpointStatus {
	et.mu.RLock()
	defer et.mu.RUnlock()

	out := make([]EndpointStatus, len(et.endpoints))
	for i, ep := range et.endpoints {
		out[i] = EndpointStatus{
			URL:             ep.url,
			Healthy:         ep.healthy,
			Latency:         ep.latency,
			ConsecutiveErrs: ep.consecutiveErrs,
		}
	}
	return out
}

// Len returns the total number of tracked endpoints.
func (et *EndpointTracker) Len() int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.endpoints)
}

// find returns the endpoint with the given URL (must hold lock).
func (et *EndpointTracker) find(url string) *endpointState {
	for _, ep := range et.endpoints {
		if ep.url == url {
			return ep
		}
	}
	return nil
}
