// Package aggregator owns the poll loops that turn chain reads and subgraph
// queries into published snapshots. Each aggregator replaces its whole
// snapshot in one write on every settle, so readers never observe values
// from two ticks mixed, and every tick carries a monotonic sequence number
// so a slow older tick can never overwrite a newer one.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/config"
	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/registry"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// ChainReader is the per-chain read surface the balance aggregator polls.
// *chain.Accessor implements it.
type ChainReader interface {
	Chain() types.ChainDescriptor
	Balances(ctx context.Context, wallets []common.Address, tokens []types.TokenDescriptor) ([]types.WalletBalance, error)
}

// Requirement is one funding threshold in base units.
type Requirement struct {
	Chain  types.ChainID
	Symbol string
	Min    *big.Int
}

// ParseRequirements converts configured funding minimums ("5", "0.05") into
// base-unit thresholds using each asset's tabled decimals. Config validation
// already rejects unknown chains; unknown symbols are rejected here because
// only tabled assets have known decimals.
func ParseRequirements(entries []config.FundingRequirement) ([]Requirement, error) {
	out := make([]Requirement, 0, len(entries))
	for _, e := range entries {
		id, ok := types.ParseChainID(e.Chain)
		if !ok {
			return nil, fmt.Errorf("funding requirement references unknown chain %q", e.Chain)
		}
		tok, ok := registry.TokenBySymbol(id, e.Symbol)
		if !ok {
			return nil, fmt.Errorf("funding requirement references unknown asset %q on %s", e.Symbol, id)
		}
		min, err := types.ParseUnits(e.Min, tok.Decimals)
		if err != nil {
			return nil, fmt.Errorf("funding requirement for %s on %s: %w", e.Symbol, id, err)
		}
		out = append(out, Requirement{Chain: id, Symbol: e.Symbol, Min: min})
	}
	return out, nil
}

// BalanceAggregator polls wallet balances across every configured chain and
// publishes them as BalanceSnapshots. One tick issues a single batched read
// per chain, all chains in parallel. When a tick fails the previous balances
// are retained bit for bit with Stale set, and polling continues.
//
// The aggregator is single use: Start it once, Stop it once.
type BalanceAggregator struct {
	readers  []ChainReader
	wallets  []common.Address
	required []Requirement
	interval time.Duration

	seq     atomic.Uint64
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refresh chan struct{}
	updates chan uint64

	collector *metrics.Collector

	mu   sync.RWMutex
	snap types.BalanceSnapshot
}

const balanceComponent = "balance"

// NewBalanceAggregator creates a balance aggregator over the given chain
// readers. Wallets and funding requirements are fixed for the aggregator's
// lifetime.
func NewBalanceAggregator(readers []ChainReader, wallets []common.Address, required []Requirement, interval time.Duration) *BalanceAggregator {
	return &BalanceAggregator{
		readers:  readers,
		wallets:  wallets,
		required: required,
		interval: interval,
		refresh:  make(chan struct{}, 1),
		updates:  make(chan uint64, 1),
	}
}

// SetMetrics wires an optional metrics collector for poll-cycle stats.
func (b *BalanceAggregator) SetMetrics(c *metrics.Collector) {
	b.collector = c
}

// Start launches the poll loop. The first tick runs immediately; afterwards
// ticks run inline on the interval, so an overrunning tick defers the next
// one rather than overlapping it.
func (b *BalanceAggregator) Start(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		return
	}

	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	util.SafeGoWithName("balance-aggregator", func() {
		defer b.wg.Done()
		b.loop(ctx)
	})

	logging.Info("balance aggregator started",
		"interval", b.interval.String(),
		"wallets", len(b.wallets),
		"chains", len(b.readers),
		logging.Component(balanceComponent))
}

// Stop cancels the loop, waits for it to exit, and closes the updates
// channel. The last published snapshot stays readable.
func (b *BalanceAggregator) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	close(b.updates)

	logging.Info("balance aggregator stopped", logging.Component(balanceComponent))
}

// Refresh schedules an immediate out-of-band tick. It never blocks; calls
// while a refresh is already pending coalesce into it.
func (b *BalanceAggregator) Refresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// Updates returns a channel carrying the sequence number of each settle.
// Notifications coalesce: a slow consumer sees the latest sequence, not
// every intermediate one. The channel is closed by Stop.
func (b *BalanceAggregator) Updates() <-chan uint64 {
	return b.updates
}

// Snapshot returns the last published snapshot. A zero Seq means no tick has
// settled yet.
func (b *BalanceAggregator) Snapshot() types.BalanceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

func (b *BalanceAggregator) loop(ctx context.Context) {
	b.tick(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		case <-b.refresh:
			b.tick(ctx)
		}
	}
}

func (b *BalanceAggregator) tick(ctx context.Context) {
	seq := b.seq.Add(1)
	start := time.Now()

	snap := b.collect(ctx, seq)

	if b.collector != nil {
		b.collector.RecordPollCycle(balanceComponent, time.Since(start), snap.Error != "")
	}

	b.settle(snap)
}

// collect runs one fetch cycle: one batched Balances call per chain, all
// chains in parallel. Any chain failure fails the whole tick, keeping the
// settle all-or-nothing.
func (b *BalanceAggregator) collect(ctx context.Context, seq uint64) types.BalanceSnapshot {
	type chainResult struct {
		balances []types.WalletBalance
		err      error
	}

	results := make([]chainResult, len(b.readers))

	var wg sync.WaitGroup
	for i, reader := range b.readers {
		idx, r := i, reader
		desc := r.Chain()

		wg.Add(1)
		util.SafeGoWithName("balance-read-"+desc.Name, func() {
			defer wg.Done()
			balances, err := r.Balances(ctx, b.wallets, registry.Tokens(desc.ID))
			results[idx] = chainResult{balances: balances, err: err}
		})
	}
	wg.Wait()

	snap := types.BalanceSnapshot{
		Seq:       seq,
		SettledAt: time.Now().UTC(),
	}

	var failures []string
	for i, res := range results {
		if res.err != nil {
			desc := b.readers[i].Chain()
			logging.Warn("balance read failed",
				logging.Chain(desc.ID),
				logging.Seq(seq),
				logging.Err(res.err),
				logging.Component(balanceComponent))
			failures = append(failures, fmt.Sprintf("%s: %v", desc.Name, res.err))
		}
	}
	if len(failures) > 0 {
		snap.Error = strings.Join(failures, "; ")
		return snap
	}

	for _, res := range results {
		snap.Balances = append(snap.Balances, res.balances...)
	}
	snap.HasEnoughFunding, snap.Shortfalls = b.checkFunding(snap.Balances)
	return snap
}

// settle publishes a snapshot if it still carries the latest issued sequence;
// a superseded settle is dropped whole. A failed tick's snapshot keeps the
// previous balance set and settle time unchanged and only raises the
// staleness markers.
func (b *BalanceAggregator) settle(snap types.BalanceSnapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snap.Seq != b.seq.Load() {
		logging.Debug("discarding superseded balance settle",
			logging.Seq(snap.Seq),
			logging.Component(balanceComponent))
		if b.collector != nil {
			b.collector.RecordDiscard(balanceComponent)
		}
		return false
	}

	if snap.Error != "" {
		prev := b.snap
		snap.Balances = prev.Balances
		snap.HasEnoughFunding = prev.HasEnoughFunding
		snap.Shortfalls = prev.Shortfalls
		snap.SettledAt = prev.SettledAt
		snap.Stale = true
	}

	b.snap = snap
	if b.collector != nil {
		b.collector.RecordSettle(balanceComponent, snap.Seq, snap.SettledAt)
	}
	b.notify(snap.Seq)
	return true
}

// notify delivers a settle notification without ever blocking the loop: a
// pending unconsumed notification is replaced by the newer one.
func (b *BalanceAggregator) notify(seq uint64) {
	select {
	case <-b.updates:
	default:
	}
	select {
	case b.updates <- seq:
	default:
	}
}

// checkFunding sums each required (chain, asset) across all wallets and
// reports the thresholds that are not met. Wrapped variants carry their own
// symbol and do not count toward the unwrapped requirement.
func (b *BalanceAggregator) checkFunding(balances []types.WalletBalance) (bool, []types.FundingShortfall) {
	var shortfalls []types.FundingShortfall
	for _, req := range b.required {
		available := new(big.Int)
		for _, bal := range balances {
			if bal.Chain == req.Chain && bal.Symbol == req.Symbol && bal.Raw != nil {
				available.Add(available, bal.Raw.Unwrap())
			}
		}
		if available.Cmp(req.Min) < 0 {
			shortfalls = append(shortfalls, types.FundingShortfall{
				Chain:     req.Chain,
				Symbol:    req.Symbol,
				Required:  types.NewBigInt(req.Min),
				Available: types.NewBigInt(available),
			})
		}
	}
	return len(shortfalls) == 0, shortfalls
}
