package api

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// net/http keeps transient per-connection goroutines alive briefly
		// after Shutdown returns, and the WebSocket tests tear down client
		// transports asynchronously.
		goleak.IgnoreTopFunction("time.Sleep"),
		goleak.IgnoreTopFunction("runtime.gopark"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
