package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/core/ports"
	"leakrelay/internal/core/protocol"
	"leakrelay/internal/infrastructure/monitoring"
	"leakrelay/internal/infrastructure/signal"
	rtc "leakrelay/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrSignalingClosed is returned by Run when the relay connection drops.
var ErrSignalingClosed = errors.New("signaling connection closed")

// Signaler is the relay connection a node negotiates over.
type Signaler interface {
	Signal(target domain.PeerID, payload signal.SignalPayload) error
	Messages() <-chan signal.Envelope
}

// Node owns the microphone array and one session per operator.
type Node struct {
	cfg      Config
	frames   ports.FrameSource
	heatmaps ports.HeatmapSource
	signaler Signaler

	sessions map[domain.PeerID]*Session
	mu       sync.Mutex

	metrics *monitoring.NodeCollector
	logger  *zap.SugaredLogger
}

func NewNode(
	cfg Config,
	frames ports.FrameSource,
	heatmaps ports.HeatmapSource,
	signaler Signaler,
	metrics *monitoring.NodeCollector,
	logger *zap.SugaredLogger,
) *Node {
	return &Node{
		cfg:      cfg,
		frames:   frames,
		heatmaps: heatmaps,
		signaler: signaler,
		sessions: make(map[domain.PeerID]*Session),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run handles relay traffic until ctx is cancelled or the relay connection
// closes. All sessions are closed on return.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-n.signaler.Messages():
			if !ok {
				return ErrSignalingClosed
			}
			n.handleEnvelope(ctx, env)
		}
	}
}

func (n *Node) handleEnvelope(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeReceiverReady:
		if env.ReceiverID == "" {
			n.logger.Warnw("receiver-ready without id")
			return
		}
		if err := n.openSession(ctx, env.ReceiverID); err != nil {
			n.logger.Errorw("failed to open session", "peer_id", env.ReceiverID, "error", err)
		}

	case signal.TypeSignal:
		n.handleSignal(env)

	default:
		n.logger.Debugw("ignoring relay message", "type", env.Type)
	}
}

func (n *Node) handleSignal(env signal.Envelope) {
	s := n.session(env.From)
	if s == nil || s.pc == nil {
		n.logger.Warnw("signal for unknown session dropped", "peer_id", env.From)
		return
	}
	payload, err := env.Payload()
	if err != nil {
		n.logger.Warnw("bad signal payload", "peer_id", env.From, "error", err)
		return
	}

	if payload.SDP != nil {
		if payload.SDP.Type != webrtc.SDPTypeAnswer {
			n.logger.Warnw("unexpected sdp type", "peer_id", env.From, "sdp_type", payload.SDP.Type.String())
			return
		}
		if err := s.candidates.SetRemote(s.pc, *payload.SDP); err != nil {
			n.logger.Warnw("failed to apply answer", "peer_id", env.From, "error", err)
			s.Close()
			return
		}
		n.logger.Infow("answer applied", "peer_id", env.From)
	}
	if payload.Candidate != nil {
		if err := s.candidates.Add(s.pc, *payload.Candidate); err != nil {
			n.logger.Warnw("failed to add ice candidate", "peer_id", env.From, "error", err)
		}
	}
}

// openSession replaces any session for peerID and sends it an offer.
func (n *Node) openSession(ctx context.Context, peerID domain.PeerID) error {
	if old := n.session(peerID); old != nil {
		n.logger.Infow("replacing existing session", "peer_id", peerID)
		old.Close()
	}

	pc, err := rtc.NewPeerConnection(n.cfg.WebRTC)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	track, err := rtc.NewAudioTrack("beam")
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	dc, err := pc.CreateDataChannel(protocol.Label, nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	s := newSession(peerID, n.cfg, n.frames, n.heatmaps, dc, track, n.metrics, n.logger)
	s.pc = pc
	s.onClose = n.forget

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := n.signaler.Signal(peerID, signal.SignalPayload{Candidate: &init}); err != nil {
			s.logger.Warnw("failed to send ice candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed", "connection_state", state.String())
		switch {
		case state == webrtc.PeerConnectionStateConnected:
			s.transition(domain.SessionConnected)
		case rtc.IsTerminal(state):
			go s.Close()
		}
	})
	dc.OnOpen(func() {
		s.transition(domain.SessionStreaming)
	})
	dc.OnClose(func() {
		go s.Close()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.enqueue(msg.Data)
	})

	go func() {
		err := rtc.ReadSenderRTCP(sender, func(stats rtc.ReceiverStats) {
			n.metrics.RecordFractionLost(peerID, stats.FractionLost)
			s.logger.Debugw("receiver report",
				"fraction_lost", stats.FractionLost,
				"jitter", stats.Jitter,
				"nacks", stats.NACKs,
			)
		})
		s.logger.Debugw("rtcp reader stopped", "error", err)
	}()

	n.mu.Lock()
	n.sessions[peerID] = s
	n.mu.Unlock()
	s.start(ctx)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	if err := n.signaler.Signal(peerID, signal.SignalPayload{SDP: &offer}); err != nil {
		s.Close()
		return fmt.Errorf("send offer: %w", err)
	}

	n.logger.Infow("offer sent", "peer_id", peerID)
	return nil
}

func (n *Node) session(peerID domain.PeerID) *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[peerID]
}

// forget drops s from the registry if it is still the current session.
func (n *Node) forget(s *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[s.peerID] == s {
		delete(n.sessions, s.peerID)
	}
}

// Sessions lists the live sessions.
func (n *Node) Sessions() []domain.SessionInfo {
	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (n *Node) closeAll() {
	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
