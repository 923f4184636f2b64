package webrtc

import (
	"fmt"
	"sync"

	"leakrelay/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFrom converts the webrtc section of the application config.
func ConfigFrom(cfg *config.Config) WebRTCConfig {
	var out WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out.ICEServers = append(out.ICEServers, server)
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// NewPeerConnection creates a peer connection with the default codecs and
// interceptors (RTCP reports, NACK) registered.
func NewPeerConnection(cfg WebRTCConfig) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

// NewAudioTrack creates the 8 kHz mono µ-law track the node streams on.
func NewAudioTrack(id string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		id, "leakrelay",
	)
}

// IsTerminal reports whether a connection state ends the session.
func IsTerminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}

// RemoteDescriptionSetter is the part of a peer connection CandidateQueue needs.
type RemoteDescriptionSetter interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
}

// CandidateQueue holds remote ICE candidates that arrive before the remote
// description and applies them once it is set.
type CandidateQueue struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	ready   bool
}

// Add applies c now, or queues it until SetRemote.
func (q *CandidateQueue) Add(pc RemoteDescriptionSetter, c webrtc.ICECandidateInit) error {
	q.mu.Lock()
	if !q.ready {
		q.pending = append(q.pending, c)
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return pc.AddICECandidate(c)
}

// SetRemote sets the remote description and flushes queued candidates.
func (q *CandidateQueue) SetRemote(pc RemoteDescriptionSetter, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.ready = true
	q.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add queued candidate: %w", err)
		}
	}
	return nil
}

// Pending is the number of queued candidates.
func (q *CandidateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
