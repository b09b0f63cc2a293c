package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/pearlops/pearld/internal/logging"
	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

// Client is a failover JSON-RPC client for one chain. It satisfies
// bind.ContractCaller, so bound contracts built on it transparently get
// endpoint selection, rate limiting, health tracking and retry.
type Client struct {
	desc      types.ChainDescriptor
	tracker   *EndpointTracker
	limiter   *rate.Limiter
	retry     *util.RetryConfig
	collector *metrics.Collector

	mu    sync.Mutex
	conns map[string]*ethclient.Client
}

// NewClient creates a client over the descriptor's RPC URLs. rateLimit is
// requests per second across all endpoints of this chain.
func NewClient(desc types.ChainDescriptor, rateLimit float64, burst int) *Client {
	if rateLimit <= 0 {
		rateLimit = 10
	}
	if burst <= 0 {
		burst = int(rateLimit) * 2
	}
	return &Client{
		desc:    desc,
		tracker: NewEndpointTracker(desc.RPCURLs),
		limiter: rate.NewLimiter(rate.Limit(rateLimit), burst),
		retry:   util.DefaultRetryConfig(),
		conns:   make(map[string]*ethclient.Client),
	}
}

// SetMetrics attaches the metrics collector. Call before Start; the client
// records one sample per RPC round trip.
func (c *Client) SetMetrics(collector *metrics.Collector) {
	c.collector = collector
}

// Chain returns the descriptor this client serves.
func (c *Client) Chain() types.ChainDescriptor {
	return c.desc
}

// Endpoints returns the current health state of every RPC endpoint.
func (c *Client) Endpoints() []EndpointStatus {
	return c.tracker.Status()
}

// CallContract executes an eth_call. Part of bind.ContractCaller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, msg, blockNumber)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// CodeAt returns the contract code at the given address. Part of
// bind.ContractCaller.
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		code, err := ec.CodeAt(ctx, account, blockNumber)
		if err != nil {
			return err
		}
		out = code
		return nil
	})
	return out, err
}

// BalanceAt returns the native balance of an account, used by the sequential
// fallback path when batching is disabled.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		bal, err := ec.BalanceAt(ctx, account, nil)
		if err != nil {
			return err
		}
		out = bal
		return nil
	})
	return out, err
}

// do runs fn against the best available endpoint, sweeping to the next on
// transport errors, with retry on top of the sweep. Reverts are returned
// as-is without demoting the endpoint: the node answered correctly.
func (c *Client) do(ctx context.Context, fn func(context.Context, *ethclient.Client) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	attempt := func() error {
		urls := c.tracker.Healthy()
		if len(urls) == 0 {
			return wrapNetwork(ErrAllEndpointsDown)
		}

		var lastErr error
		for _, url := range urls {
			ec, err := c.conn(ctx, url)
			if err != nil {
				c.tracker.RecordError(url)
				lastErr = err
				continue
			}

			start := time.Now()
			err = fn(ctx, ec)
			elapsed := time.Since(start)
			if err == nil {
				c.tracker.RecordSuccess(url, elapsed)
				c.recordCall(elapsed, false)
				return nil
			}
			if isRevert(err) {
				// The node answered correctly, so at the RPC level this
				// round trip succeeded.
				c.tracker.RecordSuccess(url, elapsed)
				c.recordCall(elapsed, false)
				return util.MarkNonRetryable(err)
			}
			if ctx.Err() != nil {
				return util.MarkNonRetryable(ctx.Err())
			}

			c.tracker.RecordError(url)
			c.dropConn(url)
			c.recordCall(elapsed, true)
			lastErr = err
			logging.Debug("rpc endpoint error, trying next",
				logging.Chain(c.desc.ID),
				"url", logging.RedactString(url),
				logging.Err(err))
		}
		return wrapNetwork(lastErr)
	}

	result := util.Retry(ctx, c.retry, attempt)
	return result.LastError
}

func (c *Client) recordCall(elapsed time.Duration, failed bool) {
	if c.collector != nil {
		c.collector.RecordRPCCall(c.desc.Name, elapsed, failed)
	}
}

// conn returns a cached connection for the URL, dialing if needed.
func (c *Client) conn(ctx context.Context, url string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.conns[url]; ok {
		return ec, nil
	}
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	c.conns[url] = ec
	return ec, nil
}

// dropConn discards a cached connection after a transport error so the next
// use re-dials.
func (c *Client) dropConn(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ec, ok := c.conns[url]; ok {
		ec.Close()
		delete(c.conns, url)
	}
}

// Close releases all cached connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for url, ec := range c.conns {
		ec.Close()
		delete(c.conns, url)
	}
}
