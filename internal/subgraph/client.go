// Package subgraph reads epoch checkpoint history from the Autonolas staking
// subgraphs. The staking proxies do not expose their last checkpoint on
// chain, so epoch end times come from the indexer.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/internal/util"
	"github.com/pearlops/pearld/pkg/types"
)

var (
	// ErrSchemaMismatch means the subgraph answered with a shape this client
	// does not understand. Retrying will not help until the query or the
	// subgraph deployment changes.
	ErrSchemaMismatch = errors.New("subgraph schema mismatch")

	// ErrNoCheckpoint means the contract has no checkpoint indexed yet. For
	// a fresh staking proxy this is the normal state until its first epoch
	// closes.
	ErrNoCheckpoint = errors.New("no checkpoint recorded")
)

const defaultTimeout = 10 * time.Second

const latestCheckpointQuery = `
	query LatestCheckpoint($contract: String!) {
		checkpoints(
			orderBy: epoch
			orderDirection: desc
			first: 1
			where: {contractAddress: $contract}
		) {
			epoch
			epochLength
			blockTimestamp
			contractAddress
		}
	}
`

// Client queries one subgraph deployment. The HTTP client is shared across
// queries for connection reuse.
type Client struct {
	endpoint   string
	httpClient *http.Client
	collector  *metrics.Collector
	chain      string
}

// New creates a subgraph client for an endpoint. A zero timeout gets the
// default.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// SetMetrics attaches the metrics collector, labeling this client's queries
// with the given chain name.
func (c *Client) SetMetrics(collector *metrics.Collector, chain string) {
	c.collector = collector
	c.chain = chain
}

// Endpoint returns the endpoint URL this client queries.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Close releases pooled connections.
func (c *Client) Close() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

type graphqlRequest struct {
	Query     string      `json:"query"`
	Variables interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// rawCheckpoint is the wire form of one checkpoint row. The Graph serializes
// BigInt fields as JSON strings; pointers distinguish a missing field from
// an empty one so schema drift fails closed.
type rawCheckpoint struct {
	Epoch           *string `json:"epoch"`
	EpochLength     *string `json:"epochLength"`
	BlockTimestamp  *string `json:"blockTimestamp"`
	ContractAddress *string `json:"contractAddress"`
}

type checkpointResponse struct {
	Data struct {
		Checkpoints []rawCheckpoint `json:"checkpoints"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// LatestCheckpoint returns the most recent epoch checkpoint the indexer has
// for a staking proxy, or ErrNoCheckpoint if none exists yet.
func (c *Client) LatestCheckpoint(ctx context.Context, contract common.Address) (out *types.EpochCheckpoint, err error) {
	defer func() {
		if c.collector != nil {
			// An empty result is a successful query; only transport,
			// HTTP and schema failures count against the indexer.
			c.collector.RecordSubgraphQuery(c.chain, err != nil && !errors.Is(err, ErrNoCheckpoint))
		}
	}()

	variables := map[string]interface{}{
		// subgraph entity ids are lowercase hex
		"contract": strings.ToLower(contract.Hex()),
	}

	var resp checkpointResponse
	if err := c.query(ctx, latestCheckpointQuery, variables, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, util.MarkRetryable(fmt.Errorf("subgraph query failed: %s", resp.Errors[0].Message))
	}
	if len(resp.Data.Checkpoints) == 0 {
		return nil, util.MarkNonRetryable(fmt.Errorf("%w for %s", ErrNoCheckpoint, contract.Hex()))
	}
	return decodeCheckpoint(resp.Data.Checkpoints[0])
}

// query posts a GraphQL request and decodes the response into out. Transport
// and HTTP failures are retryable; a body that does not decode is schema
// drift and is not.
func (c *Client) query(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return util.MarkNonRetryable(fmt.Errorf("failed to marshal query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return util.MarkNonRetryable(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return util.MarkRetryable(fmt.Errorf("subgraph request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return util.MarkRetryable(fmt.Errorf("subgraph returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return util.MarkNonRetryable(fmt.Errorf("%w: %v", ErrSchemaMismatch, err))
	}
	return nil
}

func decodeCheckpoint(raw rawCheckpoint) (*types.EpochCheckpoint, error) {
	epoch, err := parseBigIntField("epoch", raw.Epoch)
	if err != nil {
		return nil, err
	}
	length, err := parseBigIntField("epochLength", raw.EpochLength)
	if err != nil {
		return nil, err
	}
	ts, err := parseBigIntField("blockTimestamp", raw.BlockTimestamp)
	if err != nil {
		return nil, err
	}
	if raw.ContractAddress == nil || !common.IsHexAddress(*raw.ContractAddress) {
		return nil, util.MarkNonRetryable(fmt.Errorf("%w: bad contractAddress", ErrSchemaMismatch))
	}

	return &types.EpochCheckpoint{
		Epoch:          epoch,
		EpochLength:    length,
		BlockTimestamp: ts,
		Contract:       common.HexToAddress(*raw.ContractAddress),
	}, nil
}

func parseBigIntField(name string, value *string) (uint64, error) {
	if value == nil {
		return 0, util.MarkNonRetryable(fmt.Errorf("%w: missing %s", ErrSchemaMismatch, name))
	}
	v, err := strconv.ParseUint(*value, 10, 64)
	if err != nil {
		return 0, util.MarkNonRetryable(fmt.Errorf("%w: %s %q", ErrSchemaMismatch, name, *value))
	}
	return v, nil
}
