// Package client implements the HTTP client the pearl CLI uses to talk to a
// running pearld daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pearlops/pearld/internal/api"
	"github.com/pearlops/pearld/pkg/types"
)

// DefaultTimeout bounds every request the CLI makes. The daemon answers from
// in-memory snapshots, so anything slower than this means it is wedged.
const DefaultTimeout = 30 * time.Second

// Client talks to a pearld daemon over its local HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon listening at addr. addr may be a bare
// host:port or a full http:// URL.
func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// BaseURL returns the daemon URL this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do performs an HTTP request against the daemon API. body (if non-nil) is
// JSON-encoded; out (if non-nil) receives the decoded response body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pearld not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil {
			msg := apiErr.Error
			if msg == "" {
				msg = apiErr.Message
			}
			if msg != "" {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// Healthz checks that the daemon is alive.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Status fetches the daemon's status summary.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balances fetches the latest settled balance snapshot.
func (c *Client) Balances(ctx context.Context) (*types.BalanceSnapshot, error) {
	var out types.BalanceSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/balances", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rewards fetches the latest settled staking rewards snapshot.
func (c *Client) Rewards(ctx context.Context) (*types.RewardsSnapshot, error) {
	var out types.RewardsSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/rewards", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chains lists the chains the daemon is watching.
func (c *Client) Chains(ctx context.Context) ([]api.ChainStatus, error) {
	var out []api.ChainStatus
	if err := c.do(ctx, http.MethodGet, "/v1/chains", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Programs lists every staking program the daemon knows about, with the
// selected one marked.
func (c *Client) Programs(ctx context.Context) ([]api.ProgramInfo, error) {
	var out []api.ProgramInfo
	if err := c.do(ctx, http.MethodGet, "/v1/programs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh asks the daemon to poll ahead of schedule. target is "balances",
// "rewards" or "all"; empty means all.
func (c *Client) Refresh(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPost, "/v1/refresh", api.RefreshRequest{Target: target}, nil)
}

// SelectProgram switches the staking program the daemon tracks rewards for.
// The change takes effect immediately and is persisted to the config file.
func (c *Client) SelectProgram(ctx context.Context, id types.StakingProgramID) error {
	return c.do(ctx, http.MethodPost, "/v1/program", api.SelectProgramRequest{Program: id}, nil)
}
