package daq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/core/protocol"
	"leakrelay/pkg/circuitbreaker"
	"leakrelay/pkg/retry"
	"leakrelay/pkg/spatial"

	"go.uber.org/zap"
)

// Poller pulls audio blocks and heatmaps from the acquisition service into a
// Ring and a HeatmapStore.
type Poller struct {
	client          *Client
	ring            *Ring
	heatmaps        *HeatmapStore
	grid            domain.Grid
	audioInterval   time.Duration
	heatmapInterval time.Duration
	retry           retry.Config
	lastSeq         uint64
	logger          *zap.SugaredLogger
}

// NewPoller polls client into ring and heatmaps. Heatmap frames that are not
// a valid grid of the given size are rejected.
func NewPoller(client *Client, ring *Ring, heatmaps *HeatmapStore, grid domain.Grid, audioInterval, heatmapInterval time.Duration, logger *zap.SugaredLogger) *Poller {
	client.OnBreakerChange(func(from, to circuitbreaker.State) {
		logger.Warnw("acquisition circuit changed", "from", from.String(), "to", to.String())
	})
	return &Poller{
		client:          client,
		ring:            ring,
		heatmaps:        heatmaps,
		grid:            grid,
		audioInterval:   audioInterval,
		heatmapInterval: heatmapInterval,
		retry:           pollRetry(),
		logger:          logger,
	}
}

// SetRetry replaces the backoff used for each poll.
func (p *Poller) SetRetry(cfg retry.Config) {
	p.retry = cfg
}

// Run polls until ctx is cancelled. Failed polls keep the last good data.
func (p *Poller) Run(ctx context.Context) error {
	audioTicker := time.NewTicker(p.audioInterval)
	defer audioTicker.Stop()
	heatmapTicker := time.NewTicker(p.heatmapInterval)
	defer heatmapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-audioTicker.C:
			p.PollAudio(ctx)
		case <-heatmapTicker.C:
			p.PollHeatmap(ctx)
		}
	}
}

// PollAudio fetches one block and pushes it unless it was already seen.
func (p *Poller) PollAudio(ctx context.Context) bool {
	resp, err := retry.RetryWithResult(ctx, p.retry, func() (AudioResponse, error) {
		return p.client.AudioData(ctx)
	})
	if err != nil {
		p.logFailure("audio", err)
		return false
	}
	if resp.Sequence != 0 && resp.Sequence == p.lastSeq {
		return false
	}
	p.lastSeq = resp.Sequence

	samples := spatial.Orient(resp.AudioData)
	if len(samples) == 0 {
		return false
	}
	p.ring.Push(samples)
	return true
}

// PollHeatmap fetches and stores the latest heatmap. An invalid frame is
// logged and the previous one kept.
func (p *Poller) PollHeatmap(ctx context.Context) bool {
	frame, err := retry.RetryWithResult(ctx, p.retry, func() (domain.HeatmapFrame, error) {
		return p.client.Heatmap(ctx)
	})
	if err != nil {
		p.logFailure("heatmap", err)
		return false
	}
	if len(frame.Cells) == 0 {
		return false
	}
	if err := p.checkFrame(frame); err != nil {
		p.logger.Warnw("rejecting heatmap frame", "error", err)
		return false
	}
	p.heatmaps.Store(frame)
	return true
}

func (p *Poller) checkFrame(frame domain.HeatmapFrame) error {
	if err := protocol.ValidateCells(frame.Cells); err != nil {
		return err
	}
	if got := frame.Dimensions(); got != p.grid {
		return fmt.Errorf("heatmap is %dx%d, want %dx%d", got.Width, got.Height, p.grid.Width, p.grid.Height)
	}
	return nil
}

func (p *Poller) logFailure(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return
	}
	if errors.Is(err, domain.ErrNotReady) {
		p.logger.Debugw("acquisition not ready", "resource", what)
		return
	}
	p.logger.Warnw("acquisition poll failed", "resource", what, "error", err)
}

func pollRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.NonRetryableErrors = []error{circuitbreaker.ErrOpen}
	return cfg
}
