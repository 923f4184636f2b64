package capture

import (
	"time"

	"leakrelay/internal/core/domain"
	rtc "leakrelay/internal/infrastructure/webrtc"
	"leakrelay/pkg/config"
)

// Config holds what a node and its sessions need from the capture section.
type Config struct {
	Channels           int
	SampleRate         int
	ReferenceChannel   int
	Grid               domain.Grid
	HeatmapInterval    time.Duration
	AudioInterval      time.Duration
	NegotiationTimeout time.Duration
	MaxBufferedAmount  uint64
	SnapshotSamples    int
	WindowSamples      int
	CutoffHz           float64
	InboundQueue       int
	WebRTC             rtc.WebRTCConfig
}

func ConfigFrom(cfg *config.Config) Config {
	c := cfg.Capture
	return Config{
		Channels:           c.Channels,
		SampleRate:         c.SampleRate,
		ReferenceChannel:   c.ReferenceChannel,
		Grid:               domain.Grid{Width: c.Grid.Width, Height: c.Grid.Height},
		HeatmapInterval:    c.HeatmapInterval,
		AudioInterval:      c.AudioInterval,
		NegotiationTimeout: c.NegotiationTimeout,
		MaxBufferedAmount:  c.MaxBufferedAmount,
		SnapshotSamples:    c.SnapshotSamples,
		WindowSamples:      c.WindowSamples,
		CutoffHz:           c.CutoffHz,
		InboundQueue:       32,
		WebRTC:             rtc.ConfigFrom(cfg),
	}
}
