package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pearlops/pearld/internal/metrics"
	"github.com/pearlops/pearld/pkg/types"
)

// wireMessage mirrors Message with raw data so tests can decode per channel.
type wireMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// newWSTestServer builds a server and starts its hub. Setup funcs run before
// the hub goroutine exists, so attaching collectors there is race free.
func newWSTestServer(t *testing.T, setup ...func(*Server)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.RateLimit = 0
	s := NewServer(cfg)
	s.SetBalanceSource(newFakeBalanceSource(balanceSnapFixture()))
	s.SetRewardSource(newFakeRewardSource(rewardsSnapFixture()))
	for _, fn := range setup {
		fn(s)
	}

	ts := httptest.NewServer(s.buildRouter())

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-hubDone
		ts.Close()
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func sendSubscribe(t *testing.T, conn *websocket.Conn, msgType string, channels ...string) {
	t.Helper()

	err := conn.WriteJSON(map[string]interface{}{
		"type": msgType,
		"data": map[string]interface{}{"channels": channels},
	})
	if err != nil {
		t.Fatalf("failed to send %s: %v", msgType, err)
	}
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func TestWebSocketSubscribeDeliversSnapshot(t *testing.T) {
	_, ts := newWSTestServer(t)

	conn := dialWS(t, ts)
	defer conn.Close()

	sendSubscribe(t, conn, "subscribe", ChannelBalances)

	// The current snapshot arrives before the confirmation, so a fresh
	// client renders without waiting out a poll interval.
	msg := readWire(t, conn)
	if msg.Type != "snapshot" || msg.Channel != ChannelBalances {
		t.Fatalf("expected a balances snapshot first, got %q on %q", msg.Type, msg.Channel)
	}
	var snap types.BalanceSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Seq != 4 || !snap.HasEnoughFunding {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	msg = readWire(t, conn)
	if msg.Type != "subscribed" {
		t.Fatalf("expected subscription confirmation, got %q", msg.Type)
	}
}

func TestWebSocketBroadcastReachesSubscribers(t *testing.T) {
	s, ts := newWSTestServer(t)

	conn := dialWS(t, ts)
	defer conn.Close()

	sendSubscribe(t, conn, "subscribe", ChannelBalances)
	readWire(t, conn) // snapshot
	readWire(t, conn) // subscribed

	update := balanceSnapFixture()
	update.Seq = 5
	s.hub.BroadcastToChannel(ChannelBalances, "snapshot", update)

	msg := readWire(t, conn)
	if msg.Type != "snapshot" || msg.Channel != ChannelBalances {
		t.Fatalf("expected broadcast snapshot, got %q on %q", msg.Type, msg.Channel)
	}
	var snap types.BalanceSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.Seq != 5 {
		t.Errorf("expected seq 5, got %d", snap.Seq)
	}

	// A rewards broadcast must not reach a balances-only subscriber: after
	// it, a ping earns a pong as the very next message.
	s.hub.BroadcastToChannel(ChannelRewards, "snapshot", rewardsSnapFixture())
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	msg = readWire(t, conn)
	if msg.Type != "pong" {
		t.Fatalf("unsubscribed channel leaked: got %q on %q", msg.Type, msg.Channel)
	}
}

func TestWebSocketUnsubscribe(t *testing.T) {
	s, ts := newWSTestServer(t)

	conn := dialWS(t, ts)
	defer conn.Close()

	sendSubscribe(t, conn, "subscribe", ChannelBalances, ChannelRewards)
	readWire(t, conn) // balances snapshot
	readWire(t, conn) // rewards snapshot
	msg := readWire(t, conn)
	if msg.Type != "subscribed" {
		t.Fatalf("expected confirmation, got %q", msg.Type)
	}

	sendSubscribe(t, conn, "unsubscribe", ChannelBalances)
	msg = readWire(t, conn)
	if msg.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribe confirmation, got %q", msg.Type)
	}
	var remaining channelRequest
	if err := json.Unmarshal(msg.Data, &remaining); err != nil {
		t.Fatalf("failed to decode confirmation: %v", err)
	}
	if len(remaining.Channels) != 1 || remaining.Channels[0] != ChannelRewards {
		t.Errorf("expected only rewards left, got %v", remaining.Channels)
	}

	s.hub.BroadcastToChannel(ChannelBalances, "snapshot", balanceSnapFixture())
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	if msg = readWire(t, conn); msg.Type != "pong" {
		t.Fatalf("dropped channel still delivering: got %q", msg.Type)
	}
}

func TestWebSocketClientCount(t *testing.T) {
	collector := metrics.NewCollector()
	s, ts := newWSTestServer(t, func(s *Server) {
		s.SetMetrics(collector, nil)
	})

	conn := dialWS(t, ts)

	// A ping round trip guarantees registration completed.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	readWire(t, conn)

	if got := s.hub.ClientCount(); got != 1 {
		t.Errorf("expected 1 client, got %d", got)
	}
	if got := collector.GetMetrics().WSClients; got != 1 {
		t.Errorf("expected ws gauge 1, got %d", got)
	}

	conn.Close()

	deadline := time.After(5 * time.Second)
	for s.hub.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("client never unregistered after close")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := collector.GetMetrics().WSClients; got != 0 {
		t.Errorf("expected ws gauge 0 after close, got %d", got)
	}
}

func TestWebSocketHubShutdownClosesClients(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimit = 0
	s := NewServer(cfg)
	s.SetBalanceSource(newFakeBalanceSource(balanceSnapFixture()))
	s.SetRewardSource(newFakeRewardSource(rewardsSnapFixture()))

	ts := httptest.NewServer(s.buildRouter())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	conn := dialWS(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	readWire(t, conn)

	cancel()
	<-hubDone

	// The pumps must notice the shutdown: the connection closes from the
	// server side, and the late unregister does not hang on a hub that is
	// no longer draining the channel.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
