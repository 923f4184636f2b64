package capture

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/daq"
	"leakrelay/internal/infrastructure/monitoring"
	"leakrelay/internal/infrastructure/signal"
	rtc "leakrelay/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sent struct {
	target  domain.PeerID
	payload signal.SignalPayload
}

type fakeSignaler struct {
	mu       sync.Mutex
	out      []sent
	messages chan signal.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{messages: make(chan signal.Envelope, 8)}
}

func (f *fakeSignaler) Signal(target domain.PeerID, payload signal.SignalPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{target: target, payload: payload})
	return nil
}

func (f *fakeSignaler) Messages() <-chan signal.Envelope { return f.messages }

func (f *fakeSignaler) offerFor(peer domain.PeerID) *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.out {
		if s.target == peer && s.payload.SDP != nil {
			return s.payload.SDP
		}
	}
	return nil
}

func newTestNode(t *testing.T) (*Node, *fakeSignaler) {
	t.Helper()
	cfg := testConfig()
	sig := newFakeSignaler()
	ring := daq.NewRing(4, cfg.Channels, cfg.SampleRate)
	node := NewNode(cfg, ring, &daq.HeatmapStore{}, sig,
		monitoring.NewNodeCollector(prometheus.NewRegistry()), zap.NewNop().Sugar())
	return node, sig
}

func runNode(t *testing.T, node *Node) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestNode_ReceiverReadyOpensSessionAndOffers(t *testing.T) {
	node, sig := newTestNode(t)
	runNode(t, node)

	sig.messages <- signal.Envelope{Type: signal.TypeReceiverReady, ReceiverID: "op-1"}

	require.Eventually(t, func() bool { return sig.offerFor("op-1") != nil }, 2*time.Second, 10*time.Millisecond)
	offer := sig.offerFor("op-1")
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "PCMU")

	sessions := node.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionNegotiating, sessions[0].State)
}

func TestNode_AnswerIsApplied(t *testing.T) {
	node, sig := newTestNode(t)
	runNode(t, node)

	sig.messages <- signal.Envelope{Type: signal.TypeReceiverReady, ReceiverID: "op-1"}
	require.Eventually(t, func() bool { return sig.offerFor("op-1") != nil }, 2*time.Second, 10*time.Millisecond)

	answerer, err := rtc.NewPeerConnection(rtc.WebRTCConfig{})
	require.NoError(t, err)
	defer answerer.Close()
	require.NoError(t, answerer.SetRemoteDescription(*sig.offerFor("op-1")))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))

	msg, err := json.Marshal(signal.SignalPayload{SDP: &answer})
	require.NoError(t, err)
	sig.messages <- signal.Envelope{Type: signal.TypeSignal, From: "op-1", Message: msg}

	s := node.session("op-1")
	require.NotNil(t, s)
	assert.Eventually(t, func() bool { return s.pc.RemoteDescription() != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestNode_ReceiverReadyReplacesSession(t *testing.T) {
	node, sig := newTestNode(t)
	runNode(t, node)

	sig.messages <- signal.Envelope{Type: signal.TypeReceiverReady, ReceiverID: "op-1"}
	require.Eventually(t, func() bool { return node.session("op-1") != nil }, 2*time.Second, 10*time.Millisecond)
	first := node.session("op-1")

	sig.messages <- signal.Envelope{Type: signal.TypeReceiverReady, ReceiverID: "op-1"}
	require.Eventually(t, func() bool {
		s := node.session("op-1")
		return s != nil && s != first
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.SessionClosed, first.State())
	assert.Len(t, node.Sessions(), 1)
}

func TestNode_SignalForUnknownPeerIgnored(t *testing.T) {
	node, sig := newTestNode(t)
	node.handleEnvelope(context.Background(), signal.Envelope{
		Type:    signal.TypeSignal,
		From:    "stranger",
		Message: json.RawMessage(`{"candidate":{"candidate":"x"}}`),
	})
	assert.Empty(t, node.Sessions())
	assert.Empty(t, sig.out)
}

func TestNode_RunEndsWhenSignalingCloses(t *testing.T) {
	node, sig := newTestNode(t)
	_, done := runNode(t, node)

	sig.messages <- signal.Envelope{Type: signal.TypeReceiverReady, ReceiverID: "op-1"}
	require.Eventually(t, func() bool { return node.session("op-1") != nil }, 2*time.Second, 10*time.Millisecond)
	s := node.session("op-1")

	close(sig.messages)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSignalingClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, domain.SessionClosed, s.State())
	assert.Empty(t, node.Sessions())
}

func TestAcquireDeviceLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.lock")

	lock, err := AcquireDeviceLock(path)
	require.NoError(t, err)

	_, err = AcquireDeviceLock(path)
	assert.ErrorIs(t, err, ErrDeviceBusy)

	require.NoError(t, lock.Unlock())
	again, err := AcquireDeviceLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}
