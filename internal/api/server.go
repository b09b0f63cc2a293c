// Package api serves pearld's local HTTP and WebSocket surface. The server
// binds to loopback and renders the aggregators' snapshots as JSON; it never
// exposes signing or any other state-changing chain operation.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pearlops/pearld/internal/config"
	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// BalanceSource is the balance read surface the API serves.
// *aggregator.BalanceAggregator implements it.
type BalanceSource interface {
	Snapshot() types.BalanceSnapshot
	Refresh()
	Updates() <-chan uint64
}

// RewardSource is the staking read surface the API serves.
// *aggregator.RewardAggregator implements it.
type RewardSource interface {
	Snapshot() types.RewardsSnapshot
	Refresh()
	Updates() <-chan uint64
	Program() types.StakingProgramID
	SetProgram(types.StakingProgramID) error
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	ListenAddr        string
	RateLimit         float64 // requests/sec per client IP, 0 disables
	RateLimitBurst    int
	EnableWebSocket   bool
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns the server defaults for a local daemon.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:        "127.0.0.1:8716",
		RateLimit:         10,
		RateLimitBurst:    20,
		EnableWebSocket:   true,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// LoadServerConfig derives the server configuration from the daemon config.
func LoadServerConfig(cfg *config.Config) *ServerConfig {
	out := DefaultServerConfig()
	if cfg.Daemon.ListenAddr != "" {
		out.ListenAddr = cfg.Daemon.ListenAddr
	}
	if cfg.API.RateLimit > 0 {
		out.RateLimit = cfg.API.RateLimit
	}
	if cfg.API.RateLimitBurst > 0 {
		out.RateLimitBurst = cfg.API.RateLimitBurst
	}
	out.EnableWebSocket = cfg.API.EnableWebSocket
	return out
}

// Server is the local HTTP API server.
type Server struct {
	config     *ServerConfig
	httpServer *http.Server

	mu      sync.RWMutex
	running bool

	balances BalanceSource
	rewards  RewardSource
	programs *registry.ProgramRegistry
	chains   []types.ChainDescriptor

	collector *metrics.Collector
	prom      *metrics.PrometheusCollector

	hub *Hub

	version         string
	startedAt       time.Time
	restartRequired func() bool
	persistProgram  func(types.StakingProgramID) error

	// Per-IP rate limiters with periodic cleanup.
	rateLimiters sync.Map

	addr   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer creates the API server. Sources and registries are attached with
// the setters before Start.
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		config:    cfg,
		startedAt: time.Now(),
		version:   "dev",
	}
	if cfg.EnableWebSocket {
		s.hub = NewHub()
		s.hub.SetSnapshotProvider(s.channelSnapshot)
	}
	return s
}

// SetBalanceSource attaches the balance aggregator.
func (s *Server) SetBalanceSource(src BalanceSource) { s.balances = src }

// SetRewardSource attaches the reward aggregator.
func (s *Server) SetRewardSource(src RewardSource) { s.rewards = src }

// SetProgramRegistry attaches the staking program registry.
func (s *Server) SetProgramRegistry(r *registry.ProgramRegistry) { s.programs = r }

// SetChains attaches the configured chain descriptors for /v1/chains.
func (s *Server) SetChains(chains []types.ChainDescriptor) { s.chains = chains }

// SetMetrics attaches the metrics collector and its Prometheus bridge.
func (s *Server) SetMetrics(c *metrics.Collector, p *metrics.PrometheusCollector) {
	s.collector = c
	s.prom = p
	if s.hub != nil {
		s.hub.SetMetrics(c)
	}
}

// SetVersion sets the build version reported by /v1/status.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// SetRestartCheck attaches the config watcher's restart-required probe.
func (s *Server) SetRestartCheck(fn func() bool) { s.restartRequired = fn }

// SetProgramPersist attaches the callback that persists a program selection.
// Persistence failures are logged, never surfaced to the caller: the switch
// itself already happened.
func (s *Server) SetProgramPersist(fn func(types.StakingProgramID) error) {
	s.persistProgram = fn
}

// Hub returns the WebSocket hub, or nil when WebSocket is disabled.
func (s *Server) Hub() *Hub { return s.hub }

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Start binds the listen address and serves until Stop. The bind happens
// synchronously so a port conflict fails startup instead of surfacing as a
// log line later.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.cancel()
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	if s.config.RateLimit > 0 {
		s.wg.Add(1)
		util.SafeGoWithName("api-ratelimit-cleanup", func() {
			defer s.wg.Done()
			s.rateLimiterCleanupLoop(ctx)
		})
	}

	if s.hub != nil {
		s.wg.Add(1)
		util.SafeGoWithName("api-ws-hub", func() {
			defer s.wg.Done()
			s.hub.Run(ctx)
		})
		if s.balances != nil {
			s.wg.Add(1)
			util.SafeGoWithName("api-ws-forward-balances", func() {
				defer s.wg.Done()
				s.forwardBalances(ctx)
			})
		}
		if s.rewards != nil {
			s.wg.Add(1)
			util.SafeGoWithName("api-ws-forward-rewards", func() {
				defer s.wg.Done()
				s.forwardRewards(ctx)
			})
		}
	}

	util.SafeGoWithName("api-http-serve", func() {
		logging.Info("local API listening",
			"addr", listener.Addr().String(),
			"websocket", s.hub != nil,
			logging.Component("api"))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})

	return nil
}

// Stop drains in-flight requests and shuts the server down. The hub and the
// forwarder goroutines exit through the context passed to Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("HTTP server shutdown: %w", err)
		}
	}

	s.cancel()
	s.wg.Wait()

	logging.Info("local API stopped", logging.Component("api"))
	return shutdownErr
}

// forwardBalances pushes every balance settle to WebSocket subscribers.
func (s *Server) forwardBalances(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.balances.Updates():
			if !ok {
				return
			}
			s.hub.BroadcastToChannel(ChannelBalances, "snapshot", s.balances.Snapshot())
		}
	}
}

// forwardRewards pushes every rewards settle to WebSocket subscribers.
func (s *Server) forwardRewards(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.rewards.Updates():
			if !ok {
				return
			}
			s.hub.BroadcastToChannel(ChannelRewards, "snapshot", s.rewards.Snapshot())
		}
	}
}

// channelSnapshot returns the current snapshot for a hub channel, so a newly
// subscribed client renders immediately instead of waiting out a poll
// interval.
func (s *Server) channelSnapshot(channel string) (interface{}, bool) {
	switch channel {
	case ChannelBalances:
		if s.balances != nil {
			return s.balances.Snapshot(), true
		}
	case ChannelRewards:
		if s.rewards != nil {
			return s.rewards.Snapshot(), true
		}
	}
	return nil, false
}

// buildRouter builds the HTTP router with all handlers.
func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics bypass rate limiting so probes stay cheap.
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.prom != nil {
		mux.Handle("/metrics", s.prom.Handler())
	}

	mux.HandleFunc("/v1/status", s.withMiddleware("/v1/status", s.handleStatus))
	mux.HandleFunc("/v1/balances", s.withMiddleware("/v1/balances", s.handleBalances))
	mux.HandleFunc("/v1/rewards", s.withMiddleware("/v1/rewards", s.handleRewards))
	mux.HandleFunc("/v1/chains", s.withMiddleware("/v1/chains", s.handleChains))
	mux.HandleFunc("/v1/programs", s.withMiddleware("/v1/programs", s.handlePrograms))
	mux.HandleFunc("/v1/refresh", s.withMiddleware("/v1/refresh", s.handleRefresh))
	mux.HandleFunc("/v1/program", s.withMiddleware("/v1/program", s.handleProgram))

	if s.hub != nil {
		mux.HandleFunc("/v1/ws", s.handleWebSocket)
	}

	// The Electron renderer calls from a non-http origin, so every response
	// carries permissive CORS. The loopback bind is the access boundary.
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMiddleware wraps a handler with rate limiting and request metrics. The
// route label is the registered pattern, not the raw path, to keep the
// metric cardinality fixed.
func (s *Server) withMiddleware(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit > 0 {
			ip := clientIP(r)
			if !s.limiterFor(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					logging.Component("api"))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error": "rate limit exceeded"}`))
				return
			}
		}

		start := time.Now()
		handler(w, r)

		if s.collector != nil {
			s.collector.RecordRequest(route)
			s.collector.RecordLatency(route, time.Since(start))
		}
	}
}

// limiterFor returns the rate limiter for a client IP, creating one on first
// use.
func (s *Server) limiterFor(ip string) *rate.Limiter {
	now := time.Now()
	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen = now
		return entry.limiter
	}

	entry := &rateLimiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateLimitBurst),
		lastSeen: now,
	}
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

func (s *Server) rateLimiterCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters()
		}
	}
}

// cleanupRateLimiters drops limiter entries not seen for a while.
func (s *Server) cleanupRateLimiters() {
	staleThreshold := time.Now().Add(-10 * time.Minute)
	var cleaned int

	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Before(staleThreshold) {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
}

// clientIP extracts the TCP peer address. The server binds loopback, so
// proxy headers are never trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
