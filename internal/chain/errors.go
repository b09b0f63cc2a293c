package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pearlops/pearld/internal/util"
)

// ErrNoContract is returned when a call targets an address with no deployed
// code, e.g. a Safe address from a middleware record that was never created
// on this chain.
var ErrNoContract = errors.New("no contract code at address")

// ErrNetwork wraps transport-level RPC failures after retries across all
// endpoints are exhausted. Callers treat it as transient: aggregators keep
// the previous snapshot and retry on the next tick.
var ErrNetwork = errors.New("network error")

// ErrAllEndpointsDown is returned when no endpoint is healthy and none is
// due for a recovery probe.
var ErrAllEndpointsDown = errors.New("all rpc endpoints unhealthy")

// wrapNetwork classifies an error as a transient network failure.
func wrapNetwork(err error) error {
	if err == nil {
		return nil
	}
	return util.MarkRetryable(fmt.Errorf("%w: %w", ErrNetwork, err))
}

// isRevert reports whether the error is a contract-level revert rather than
// a transport failure. Reverts must not demote an endpoint or be retried:
// the node answered, the contract said no.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "out of gas")
}
