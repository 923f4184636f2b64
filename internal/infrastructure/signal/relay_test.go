package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/monitoring"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testRelay struct {
	relay *Relay
	reg   *prometheus.Registry
	url   string
}

func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	relay := NewRelay(cfg, monitoring.NewRelayCollector(reg), zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(srv.Close)
	return &testRelay{
		relay: relay,
		reg:   reg,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (tr *testRelay) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, tr.url, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return tr.relay.lookup(c.ID()) != nil }, time.Second, 10*time.Millisecond)
	return c
}

func (tr *testRelay) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := tr.reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func expectEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Messages():
		require.True(t, ok, "connection closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func expectNothing(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case env := <-c.Messages():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(wait):
	}
}

func TestRelay_AssignsDistinctIDs(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	a := tr.dial(t)
	b := tr.dial(t)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.ElementsMatch(t, []domain.PeerID{a.ID(), b.ID()}, tr.relay.Peers())
}

func TestRelay_ReadyBroadcastsToOthers(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	node := tr.dial(t)
	operator := tr.dial(t)

	require.NoError(t, operator.Ready())

	env := expectEnvelope(t, node)
	assert.Equal(t, TypeReceiverReady, env.Type)
	assert.Equal(t, operator.ID(), env.ReceiverID)
	expectNothing(t, operator, 100*time.Millisecond)
}

func TestRelay_ForwardsSignal(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	node := tr.dial(t)
	operator := tr.dial(t)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, node.Signal(operator.ID(), SignalPayload{SDP: &offer}))

	env := expectEnvelope(t, operator)
	assert.Equal(t, TypeSignal, env.Type)
	assert.Equal(t, node.ID(), env.From)
	payload, err := env.Payload()
	require.NoError(t, err)
	require.NotNil(t, payload.SDP)
	assert.Equal(t, "v=0", payload.SDP.SDP)
	assert.Equal(t, 1.0, tr.counter(t, "leakrelay_signal_relayed_total"))
}

func TestRelay_MessageForwardedByteForByte(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	target := tr.dial(t)

	sender, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	require.NoError(t, err)
	defer sender.Close()
	var hello Envelope
	require.NoError(t, sender.ReadJSON(&hello))
	require.Equal(t, TypeYourID, hello.Type)

	raw := `{ "candidate" : {"candidate":"a=<x>"},  "extra": [1, 2] }`
	frame := `{"type":"signal","target":"` + string(target.ID()) + `","message":` + raw + `}`
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte(frame)))

	env := expectEnvelope(t, target)
	assert.Equal(t, raw, string(env.Message))
	assert.Equal(t, hello.ID, env.From)
}

// Signals to an unregistered target vanish without an error to the sender.
func TestRelay_UnknownTargetIsDroppedSilently(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	sender := tr.dial(t)
	bystander := tr.dial(t)

	require.NoError(t, sender.Signal("X", SignalPayload{}))

	expectNothing(t, bystander, 150*time.Millisecond)
	expectNothing(t, sender, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return tr.counter(t, "leakrelay_signal_dropped_total") == 1
	}, time.Second, 10*time.Millisecond)

	// The sender's connection is still usable.
	require.NoError(t, sender.Ready())
	assert.Equal(t, TypeReceiverReady, expectEnvelope(t, bystander).Type)
}

func TestRelay_MalformedMessageKeepsConnection(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	a := tr.dial(t)
	b := tr.dial(t)

	conn, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	require.NoError(t, err)
	defer conn.Close()
	var hello Envelope
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`)))

	assert.Equal(t, hello.ID, expectEnvelope(t, a).ReceiverID)
	assert.Equal(t, hello.ID, expectEnvelope(t, b).ReceiverID)
}

func TestRelay_CloseUnregisters(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	a := tr.dial(t)
	b := tr.dial(t)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return tr.relay.lookup(a.ID()) == nil }, time.Second, 10*time.Millisecond)

	// Nothing is announced on close.
	expectNothing(t, b, 100*time.Millisecond)
}

func TestRelay_RateLimitDropsExcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	tr := newTestRelay(t, cfg)
	listener := tr.dial(t)
	chatty := tr.dial(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, chatty.Ready())
	}

	expectEnvelope(t, listener)
	expectNothing(t, listener, 150*time.Millisecond)
	assert.Equal(t, 2.0, tr.counter(t, "leakrelay_rate_limited_messages_total"))
}

type fakeBus struct {
	mu        sync.Mutex
	published []*BusMessage
	handler   func(*BusMessage)
	ready     chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{ready: make(chan struct{})}
}

func (b *fakeBus) Publish(ctx context.Context, msg *BusMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, handler func(*BusMessage)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) messages() []*BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*BusMessage(nil), b.published...)
}

func TestRelay_BusCarriesRemoteTargets(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	bus := newFakeBus()
	tr.relay.SetBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.relay.RunBus(ctx) }()
	<-bus.ready

	local := tr.dial(t)
	require.NoError(t, local.Signal("remote-peer", SignalPayload{}))

	require.Eventually(t, func() bool { return len(bus.messages()) == 1 }, time.Second, 10*time.Millisecond)
	msg := bus.messages()[0]
	assert.Equal(t, TypeSignal, msg.Type)
	assert.Equal(t, domain.PeerID("remote-peer"), msg.Target)
	assert.Equal(t, 0.0, tr.counter(t, "leakrelay_signal_dropped_total"))

	// Inbound from another instance reaches the local target.
	bus.handler(&BusMessage{Type: TypeSignal, From: "remote-peer", Target: local.ID(), Message: []byte(`{"x":1}`)})
	env := expectEnvelope(t, local)
	assert.Equal(t, domain.PeerID("remote-peer"), env.From)
	assert.JSONEq(t, `{"x":1}`, string(env.Message))

	bus.handler(&BusMessage{Type: TypeReady, From: "remote-peer"})
	assert.Equal(t, domain.PeerID("remote-peer"), expectEnvelope(t, local).ReceiverID)
}

type fakeDirectory struct {
	mu      sync.Mutex
	holders map[domain.PeerID]string
}

func (d *fakeDirectory) Register(ctx context.Context, id domain.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holders[id] = "local"
	return nil
}

func (d *fakeDirectory) Unregister(ctx context.Context, id domain.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.holders, id)
	return nil
}

func (d *fakeDirectory) Holder(ctx context.Context, id domain.PeerID) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.holders[id]
	return h, ok, nil
}

func (d *fakeDirectory) has(id domain.PeerID) bool {
	_, ok, _ := d.Holder(context.Background(), id)
	return ok
}

func TestRelay_DirectoryRoutesOnlyHeldTargets(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	bus := newFakeBus()
	dir := &fakeDirectory{holders: map[domain.PeerID]string{"remote-peer": "other-instance"}}
	tr.relay.SetBus(bus)
	tr.relay.SetDirectory(dir)

	local := tr.dial(t)
	require.Eventually(t, func() bool { return dir.has(local.ID()) }, time.Second, 10*time.Millisecond)

	require.NoError(t, local.Signal("remote-peer", SignalPayload{}))
	require.Eventually(t, func() bool { return len(bus.messages()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, local.Signal("nobody", SignalPayload{}))
	require.Eventually(t, func() bool {
		return tr.counter(t, "leakrelay_signal_dropped_total") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, bus.messages(), 1)

	id := local.ID()
	require.NoError(t, local.Close())
	require.Eventually(t, func() bool { return !dir.has(id) }, time.Second, 10*time.Millisecond)
}

func TestRelay_HealthCheck(t *testing.T) {
	tr := newTestRelay(t, DefaultConfig())
	tr.dial(t)

	h := monitoring.NewHealthChecker()
	tr.relay.SetHealthChecker(h)

	w := httptest.NewRecorder()
	tr.relay.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var status monitoring.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1.0, status.Details["connections"])
}

func TestForwardFrame(t *testing.T) {
	data, err := forwardFrame("a\"b", json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"signal","from":"a\"b","message":{"k":1}}`, string(data))

	data, err = forwardFrame("a", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"signal","from":"a","message":null}`, string(data))
}
