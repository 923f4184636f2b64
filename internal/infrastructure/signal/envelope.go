package signal

import (
	"encoding/json"
	"fmt"

	"leakrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Envelope types exchanged with the relay.
const (
	TypeYourID        = "your-id"
	TypeReady         = "ready"
	TypeReceiverReady = "receiver-ready"
	TypeSignal        = "signal"
)

// Envelope is one relay frame. Which fields are set depends on Type.
type Envelope struct {
	Type       string          `json:"type"`
	ID         domain.PeerID   `json:"id,omitempty"`
	ReceiverID domain.PeerID   `json:"receiverId,omitempty"`
	Target     domain.PeerID   `json:"target,omitempty"`
	From       domain.PeerID   `json:"from,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// SignalPayload is the message body peers exchange for negotiation.
type SignalPayload struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Payload decodes the message body of a signal envelope.
func (e Envelope) Payload() (SignalPayload, error) {
	var p SignalPayload
	if len(e.Message) == 0 {
		return p, fmt.Errorf("signal from %s has no message", e.From)
	}
	if err := json.Unmarshal(e.Message, &p); err != nil {
		return p, fmt.Errorf("decode signal from %s: %w", e.From, err)
	}
	return p, nil
}

// forwardFrame builds the relay→target frame around message without
// re-encoding it.
func forwardFrame(from domain.PeerID, message json.RawMessage) ([]byte, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	out := make([]byte, 0, len(message)+len(fromJSON)+40)
	out = append(out, `{"type":"signal","from":`...)
	out = append(out, fromJSON...)
	out = append(out, `,"message":`...)
	out = append(out, message...)
	out = append(out, '}')
	return out, nil
}
