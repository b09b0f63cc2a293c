package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pearlops/pearld/internal/util"
)

var testContract = common.HexToAddress("0xeF44Fb0842DDeF59D37f85D61A1eF492bbA6135d")

func checkpointServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}

		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		vars, ok := req.Variables.(map[string]interface{})
		if !ok {
			t.Errorf("expected variables object, got %T", req.Variables)
		} else if got := vars["contract"]; got != "0xef44fb0842ddef59d37f85d61a1ef492bba6135d" {
			t.Errorf("expected lowercased contract variable, got %v", got)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
}

func TestLatestCheckpoint(t *testing.T) {
	server := checkpointServer(t, `{
		"data": {
			"checkpoints": [{
				"epoch": "42",
				"epochLength": "86400",
				"blockTimestamp": "1724500000",
				"contractAddress": "0xef44fb0842ddef59d37f85d61a1ef492bba6135d"
			}]
		}
	}`)
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	cp, err := c.LatestCheckpoint(context.Background(), testContract)
	if err != nil {
		t.Fatalf("latest checkpoint failed: %v", err)
	}

	if cp.Epoch != 42 {
		t.Errorf("expected epoch 42, got %d", cp.Epoch)
	}
	if cp.EpochLength != 86400 {
		t.Errorf("expected epoch length 86400, got %d", cp.EpochLength)
	}
	if cp.BlockTimestamp != 1724500000 {
		t.Errorf("expected block timestamp 1724500000, got %d", cp.BlockTimestamp)
	}
	if cp.Contract != testContract {
		t.Errorf("expected contract %s, got %s", testContract.Hex(), cp.Contract.Hex())
	}
	if got := cp.EndTime().Unix(); got != 1724586400 {
		t.Errorf("expected epoch end 1724586400, got %d", got)
	}
}

func TestLatestCheckpoint_NoCheckpoint(t *testing.T) {
	server := checkpointServer(t, `{"data": {"checkpoints": []}}`)
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if !util.IsNonRetryable(err) {
		t.Error("expected a non-retryable error, the checkpoint appears when the epoch closes")
	}
}

func TestLatestCheckpoint_GraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errors": [{"message": "indexer overloaded"}]}`)
	}))
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if err == nil {
		t.Fatal("expected graphql errors to surface")
	}
	if !util.IsRetryable(err) {
		t.Error("expected indexer-side errors to be retryable")
	}
}

func TestLatestCheckpoint_MissingField(t *testing.T) {
	// No blockTimestamp in the row
	server := checkpointServer(t, `{
		"data": {
			"checkpoints": [{
				"epoch": "42",
				"epochLength": "86400",
				"contractAddress": "0xef44fb0842ddef59d37f85d61a1ef492bba6135d"
			}]
		}
	}`)
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if !util.IsNonRetryable(err) {
		t.Error("expected schema drift to be non-retryable")
	}
}

func TestLatestCheckpoint_NonNumericBigInt(t *testing.T) {
	server := checkpointServer(t, `{
		"data": {
			"checkpoints": [{
				"epoch": "forty-two",
				"epochLength": "86400",
				"blockTimestamp": "1724500000",
				"contractAddress": "0xef44fb0842ddef59d37f85d61a1ef492bba6135d"
			}]
		}
	}`)
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestLatestCheckpoint_NumericInsteadOfString(t *testing.T) {
	// BigInt fields must arrive as strings; a bare number is schema drift
	server := checkpointServer(t, `{
		"data": {
			"checkpoints": [{
				"epoch": 42,
				"epochLength": "86400",
				"blockTimestamp": "1724500000",
				"contractAddress": "0xef44fb0842ddef59d37f85d61a1ef492bba6135d"
			}]
		}
	}`)
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestLatestCheckpoint_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	_, err := c.LatestCheckpoint(context.Background(), testContract)
	if err == nil {
		t.Fatal("expected error on server failure")
	}
	if !util.IsRetryable(err) {
		t.Error("expected HTTP failures to be retryable")
	}
}

func TestLatestCheckpoint_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second) // Slow server
	}))
	defer server.Close()

	c := New(server.URL, 0)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LatestCheckpoint(ctx, testContract)
	if err == nil {
		t.Fatal("expected error when context is cancelled")
	}
}
