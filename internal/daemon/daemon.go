// Package daemon assembles the pearld process: configuration, registries,
// chain and subgraph clients, the middleware bridge, the two poll loops and
// the local API server, with a single owner for startup and shutdown order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/aggregator"
	"github.com/pearlops/pearld/internal/api"
	"github.com/pearlops/pearld/internal/chain"
	"github.com/pearlops/pearld/internal/config"
	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/middleware"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/subgraph"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// shutdownGrace bounds how long Run waits for in-flight requests on the way
// down.
const shutdownGrace = 30 * time.Second

// Daemon owns every long-lived component of pearld.
type Daemon struct {
	cfg     *config.Config
	cfgPath string
	version string

	chains   *registry.ChainRegistry
	programs *registry.ProgramRegistry

	collector *metrics.Collector

	clients   map[types.ChainID]*chain.Client
	accessors map[types.ChainID]*chain.Accessor
	graphs    map[types.ChainID]*subgraph.Client

	middleware *middleware.Client

	balances *aggregator.BalanceAggregator
	rewards  *aggregator.RewardAggregator

	server  *api.Server
	watcher *config.Watcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New loads the config file at cfgPath, installs logging from it and builds
// the full component graph. Wallet discovery talks to the middleware, so New
// takes a context.
func New(ctx context.Context, cfgPath, version string) (*Daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logging.Setup(cfg.Daemon.LogLevel, cfg.Daemon.LogFormat, os.Stdout)

	return NewWithConfig(ctx, cfg, cfgPath, version)
}

// NewWithConfig builds the daemon from an already-loaded config. The caller
// owns logging setup.
func NewWithConfig(ctx context.Context, cfg *config.Config, cfgPath, version string) (*Daemon, error) {
	chains, err := registry.NewChainRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build chain registry: %w", err)
	}
	programs := registry.NewProgramRegistry()

	d := &Daemon{
		cfg:        cfg,
		cfgPath:    cfgPath,
		version:    version,
		chains:     chains,
		programs:   programs,
		collector:  metrics.NewCollector(),
		clients:    make(map[types.ChainID]*chain.Client),
		accessors:  make(map[types.ChainID]*chain.Accessor),
		graphs:     make(map[types.ChainID]*subgraph.Client),
		middleware: middleware.New(cfg.Middleware.BaseURL, cfg.Middleware.Timeout()),
	}

	accessorOpts := chain.AccessorOptions{
		DisableMulticall: cfg.Aggregation.DisableMulticall,
		ParamCacheTTL:    cfg.Aggregation.ParamCacheTTL(),
	}

	for _, desc := range chains.All() {
		client := chain.NewClient(desc, cfg.Aggregation.RPCRateLimit, cfg.Aggregation.RPCRateBurst)
		client.SetMetrics(d.collector)

		accessor, err := chain.NewAccessor(desc, client, programs, accessorOpts)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to build %s accessor: %w", desc.Name, err)
		}

		d.clients[desc.ID] = client
		d.accessors[desc.ID] = accessor

		if desc.SubgraphURL != "" {
			graph := subgraph.New(desc.SubgraphURL, 0)
			graph.SetMetrics(d.collector, desc.Name)
			d.graphs[desc.ID] = graph
		}
	}

	wallets := d.resolveWallets(ctx)

	required, err := aggregator.ParseRequirements(cfg.Funding)
	if err != nil {
		return nil, fmt.Errorf("invalid funding requirements: %w", err)
	}

	// Readers in registry order so per-tick logs line up across restarts.
	readers := make([]aggregator.ChainReader, 0, len(d.accessors))
	for _, desc := range chains.All() {
		readers = append(readers, d.accessors[desc.ID])
	}
	d.balances = aggregator.NewBalanceAggregator(readers, wallets, required, cfg.Aggregation.BalanceInterval())
	d.balances.SetMetrics(d.collector)

	stakingReaders := make(map[types.ChainID]aggregator.StakingReader, len(d.accessors))
	for id, accessor := range d.accessors {
		stakingReaders[id] = accessor
	}
	checkpointReaders := make(map[types.ChainID]aggregator.CheckpointReader, len(d.graphs))
	for id, graph := range d.graphs {
		checkpointReaders[id] = graph
	}

	d.rewards, err = aggregator.NewRewardAggregator(programs, stakingReaders, checkpointReaders,
		cfg.Staking.ServiceID, types.StakingProgramID(cfg.Staking.SelectedProgram),
		cfg.Aggregation.RewardsInterval())
	if err != nil {
		return nil, fmt.Errorf("failed to build reward aggregator: %w", err)
	}
	d.rewards.SetMetrics(d.collector)

	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		logging.Warn("config watcher unavailable, on-disk edits will go unnoticed",
			logging.Err(err),
			logging.Component("daemon"))
	} else {
		d.watcher = watcher
	}

	server := api.NewServer(api.LoadServerConfig(cfg))
	server.SetBalanceSource(d.balances)
	server.SetRewardSource(d.rewards)
	server.SetProgramRegistry(programs)
	server.SetChains(chains.All())
	server.SetMetrics(d.collector, metrics.NewPrometheusCollector(d.collector))
	server.SetVersion(version)
	server.SetProgramPersist(d.persistProgram)
	if d.watcher != nil {
		server.SetRestartCheck(d.watcher.RestartRequired)
	}
	d.server = server

	return d, nil
}

// Config returns the loaded configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// Addr returns the API server's bound address once Start has succeeded.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// resolveWallets asks the middleware for the wallet set and merges in the
// configured addresses. pearld still watches balances when the middleware is
// down; it just cannot discover Safes on its own.
func (d *Daemon) resolveWallets(ctx context.Context) []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	add := func(addr common.Address) {
		if addr == (common.Address{}) || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	wallets, err := d.middleware.GetWallets(ctx)
	if err != nil {
		logging.Warn("middleware unreachable, using configured wallet addresses only",
			"middleware_url", d.middleware.BaseURL(),
			logging.Err(err),
			logging.Component("daemon"))
	}
	for _, w := range wallets {
		add(w.Address)
		for _, safe := range w.Safes {
			add(safe)
		}
	}

	for _, raw := range d.cfg.Wallets {
		add(common.HexToAddress(raw))
	}

	if len(out) == 0 {
		logging.Warn("no wallet addresses resolved; balance snapshots stay empty until wallets exist",
			logging.Component("daemon"))
	} else {
		logging.Info("watching wallets",
			"count", len(out),
			"from_middleware", err == nil,
			logging.Component("daemon"))
	}
	return out
}

// persistProgram writes a program selection back to the config file. The
// watcher is told to ignore the write: the daemon already applied the change.
func (d *Daemon) persistProgram(id types.StakingProgramID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.Staking.SelectedProgram = string(id)
	if d.watcher != nil {
		d.watcher.SuppressFor(2 * time.Second)
	}
	return d.cfg.Save(d.cfgPath)
}

// Start brings the daemon up: config watcher, poll loops, then the API
// server. A failed API bind tears the poll loops back down.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	ctx, d.cancel = context.WithCancel(ctx)

	if d.watcher != nil {
		d.wg.Add(1)
		util.SafeGoWithName("config-watcher", func() {
			defer d.wg.Done()
			d.watcher.Run(ctx)
		})
	}

	d.balances.Start(ctx)
	d.rewards.Start(ctx)

	if err := d.server.Start(ctx); err != nil {
		d.rewards.Stop()
		d.balances.Stop()
		d.cancel()
		d.wg.Wait()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	logging.Info("pearld started",
		"addr", d.server.Addr(),
		"chains", len(d.accessors),
		"version", d.version,
		logging.Program(d.rewards.Program()),
		logging.Component("daemon"))
	return nil
}

// Stop shuts down in reverse order: the API server first so no request lands
// on a stopping aggregator, then the poll loops, then the clients.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	err := d.server.Stop(ctx)

	d.rewards.Stop()
	d.balances.Stop()

	d.cancel()
	d.wg.Wait()

	for _, client := range d.clients {
		client.Close()
	}
	for _, graph := range d.graphs {
		graph.Close()
	}

	logging.Info("pearld stopped", logging.Component("daemon"))
	return err
}

// Run starts the daemon and blocks until the context is cancelled, then
// shuts down with a bounded grace period.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logging.Info("shutting down", logging.Component("daemon"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return d.Stop(shutdownCtx)
}
