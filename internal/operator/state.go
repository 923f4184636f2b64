package operator

import (
	"fmt"

	"leakrelay/internal/core/domain"
)

// State is the operator connection state.
type State int

const (
	StateDisconnected State = iota
	StateSignaling
	StateNegotiating
	StateConnected
	StateSelectionIdle
	StateSelectionActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSignaling:
		return "signaling"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateSelectionIdle:
		return "idle"
	case StateSelectionActive:
		return "listening"
	default:
		return "unknown"
	}
}

// PlayKind selects which audio Play renders.
type PlayKind string

const (
	PlayRaw      PlayKind = "raw"
	PlayFiltered PlayKind = "filtered"
	PlayLive     PlayKind = "live"
)

// ParsePlayKind accepts raw, filtered or live.
func ParsePlayKind(s string) (PlayKind, error) {
	switch k := PlayKind(s); k {
	case PlayRaw, PlayFiltered, PlayLive:
		return k, nil
	}
	return "", fmt.Errorf("unknown playback %q", s)
}

// Snapshot is the view of the client state handed to the UI.
type Snapshot struct {
	State    State
	PeerID   domain.PeerID
	Mode     domain.Mode
	Selected *domain.Pixel
	Heatmap  domain.HeatmapFrame
	Audio    *domain.AudioSnapshot
	Live     int // samples in the live window
	Status   string
}
