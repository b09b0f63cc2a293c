package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestGetWallets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/wallet" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{
			"address": "0x6666666666666666666666666666666666666666",
			"ledger_type": "ethereum",
			"safes": {"gnosis": "0x7777777777777777777777777777777777777777"},
			"safe_chains": ["gnosis"]
		}]`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	wallets, err := c.GetWallets(context.Background())
	if err != nil {
		t.Fatalf("get wallets failed: %v", err)
	}
	if len(wallets) != 1 {
		t.Fatalf("expected 1 wallet, got %d", len(wallets))
	}

	w := wallets[0]
	if w.Address != common.HexToAddress("0x6666666666666666666666666666666666666666") {
		t.Errorf("unexpected address: %s", w.Address.Hex())
	}
	if w.LedgerType != "ethereum" {
		t.Errorf("unexpected ledger type: %q", w.LedgerType)
	}
	if safe := w.Safes["gnosis"]; safe != common.HexToAddress("0x7777777777777777777777777777777777777777") {
		t.Errorf("unexpected gnosis safe: %s", safe.Hex())
	}
}

func TestGetWallets_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	_, err := c.GetWallets(context.Background())
	if err == nil {
		t.Fatal("expected error on server failure")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestCreateWallet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/wallet" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req["ledger_type"] != "ethereum" {
			t.Errorf("unexpected ledger type: %q", req["ledger_type"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"wallet": {"address": "0x6666666666666666666666666666666666666666", "ledger_type": "ethereum"},
			"mnemonic": ["abandon", "ability", "able"]
		}`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	resp, err := c.CreateWallet(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("create wallet failed: %v", err)
	}
	if len(resp.Mnemonic) != 3 || resp.Mnemonic[0] != "abandon" {
		t.Errorf("unexpected mnemonic: %v", resp.Mnemonic)
	}
	if resp.Wallet.Address != common.HexToAddress("0x6666666666666666666666666666666666666666") {
		t.Errorf("unexpected wallet address: %s", resp.Wallet.Address.Hex())
	}
}

func TestCreateSafe(t *testing.T) {
	backup := common.HexToAddress("0x8888888888888888888888888888888888888888")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/wallet/safe" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req["chain"] != "gnosis" {
			t.Errorf("unexpected chain: %v", req["chain"])
		}
		if req["backup_owner"] != backup.Hex() {
			t.Errorf("unexpected backup owner: %v", req["backup_owner"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"safe": "0x9999999999999999999999999999999999999999"}`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	resp, err := c.CreateSafe(context.Background(), "gnosis", backup)
	if err != nil {
		t.Fatalf("create safe failed: %v", err)
	}
	if resp.Safe != common.HexToAddress("0x9999999999999999999999999999999999999999") {
		t.Errorf("unexpected safe address: %s", resp.Safe.Hex())
	}
}

func TestCreateSafe_NoBackupOwner(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if _, present := req["backup_owner"]; present {
			t.Error("expected no backup_owner key for a zero owner")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"safe": "0x9999999999999999999999999999999999999999"}`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	if _, err := c.CreateSafe(context.Background(), "gnosis", common.Address{}); err != nil {
		t.Fatalf("create safe failed: %v", err)
	}
}

func TestUpdateSafe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/wallet/safe" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"safe": "0x9999999999999999999999999999999999999999", "message": "updated"}`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	resp, err := c.UpdateSafe(context.Background(), "gnosis", common.HexToAddress("0x8888888888888888888888888888888888888888"))
	if err != nil {
		t.Fatalf("update safe failed: %v", err)
	}
	if resp.Message != "updated" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
}

func TestGetAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/account" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"is_setup": true}`)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	account, err := c.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("get account failed: %v", err)
	}
	if !account.IsSetup {
		t.Error("expected account to be set up")
	}
}

func TestAccountLifecycle(t *testing.T) {
	var sawSetup, sawUpdate, sawLogin bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/account":
			sawSetup = true
			if req["password"] != "hunter2" {
				t.Errorf("unexpected setup password: %q", req["password"])
			}
		case r.Method == http.MethodPut && r.URL.Path == "/api/account":
			sawUpdate = true
			if req["old_password"] != "hunter2" || req["new_password"] != "hunter3" {
				t.Errorf("unexpected update body: %v", req)
			}
		case r.Method == http.MethodPost && r.URL.Path == "/api/account/login":
			sawLogin = true
			if req["password"] != "hunter3" {
				t.Errorf("unexpected login password: %q", req["password"])
			}
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)
	ctx := context.Background()

	if err := c.SetupAccount(ctx, "hunter2"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := c.UpdateAccount(ctx, "hunter2", "hunter3"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := c.Login(ctx, "hunter3"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if !sawSetup || !sawUpdate || !sawLogin {
		t.Error("expected all three account calls to reach the server")
	}
}

func TestLogin_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.URL+"/api", 0)

	err := c.Login(context.Background(), "wrong")
	if err == nil {
		t.Fatal("expected login to fail")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	c := New("http://localhost:8000/api/", 0)
	if c.BaseURL() != "http://localhost:8000/api" {
		t.Errorf("expected trimmed base URL, got %q", c.BaseURL())
	}
}
