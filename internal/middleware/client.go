// Package middleware talks to the local Pearl middleware backend, which owns
// wallet custody and account state. This daemon only reads wallet addresses
// from it and forwards account operations for the CLI.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const defaultTimeout = 30 * time.Second

// Client communicates with the middleware HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a middleware client for a base URL like
// "http://localhost:8000/api". A zero timeout gets the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the base URL this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Wallet is a middleware-managed wallet: one EOA plus its Safes keyed by
// chain name.
type Wallet struct {
	Address    common.Address            `json:"address"`
	LedgerType string                    `json:"ledger_type"`
	Safes      map[string]common.Address `json:"safes"`
	SafeChains []string                  `json:"safe_chains"`
}

// CreateWalletResponse carries the new wallet and its recovery mnemonic. The
// mnemonic is shown once and never stored here.
type CreateWalletResponse struct {
	Wallet   Wallet   `json:"wallet"`
	Mnemonic []string `json:"mnemonic"`
}

// SafeResponse is the middleware's answer to Safe create/update calls.
type SafeResponse struct {
	Safe    common.Address `json:"safe"`
	Message string         `json:"message,omitempty"`
}

// Account is the middleware account state.
type Account struct {
	IsSetup bool `json:"is_setup"`
}

// GetWallets lists the wallets the middleware manages.
func (c *Client) GetWallets(ctx context.Context) ([]Wallet, error) {
	var wallets []Wallet
	if err := c.do(ctx, http.MethodGet, "/wallet", nil, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// CreateWallet asks the middleware to generate a wallet.
func (c *Client) CreateWallet(ctx context.Context, ledgerType string) (*CreateWalletResponse, error) {
	req := map[string]string{"ledger_type": ledgerType}
	var resp CreateWalletResponse
	if err := c.do(ctx, http.MethodPost, "/wallet", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSafe deploys a Safe for the wallet on a chain. A zero backup owner
// means no backup signer.
func (c *Client) CreateSafe(ctx context.Context, chain string, backupOwner common.Address) (*SafeResponse, error) {
	req := map[string]interface{}{"chain": chain}
	if backupOwner != (common.Address{}) {
		req["backup_owner"] = backupOwner.Hex()
	}
	var resp SafeResponse
	if err := c.do(ctx, http.MethodPost, "/wallet/safe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateSafe changes the Safe's backup owner on a chain.
func (c *Client) UpdateSafe(ctx context.Context, chain string, backupOwner common.Address) (*SafeResponse, error) {
	req := map[string]interface{}{
		"chain":        chain,
		"backup_owner": backupOwner.Hex(),
	}
	var resp SafeResponse
	if err := c.do(ctx, http.MethodPut, "/wallet/safe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccount reports whether the middleware account has been set up.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, "/account", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// SetupAccount creates the middleware account with a password.
func (c *Client) SetupAccount(ctx context.Context, password string) error {
	return c.do(ctx, http.MethodPost, "/account", map[string]string{"password": password}, nil)
}

// UpdateAccount changes the account password.
func (c *Client) UpdateAccount(ctx context.Context, oldPassword, newPassword string) error {
	req := map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	}
	return c.do(ctx, http.MethodPut, "/account", req, nil)
}

// Login unlocks the middleware with the account password.
func (c *Client) Login(ctx context.Context, password string) error {
	return c.do(ctx, http.MethodPost, "/account/login", map[string]string{"password": password}, nil)
}

// do performs an HTTP request and decodes the JSON response into out. The
// middleware promises no structured error body, so non-2xx responses become
// generic errors with the status text.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("middleware request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("middleware error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
