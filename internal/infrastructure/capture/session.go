package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/core/ports"
	"leakrelay/internal/core/protocol"
	"leakrelay/internal/infrastructure/monitoring"
	rtc "leakrelay/internal/infrastructure/webrtc"
	"leakrelay/pkg/audio"
	"leakrelay/pkg/logger"
	"leakrelay/pkg/spatial"
	"leakrelay/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// dataChannel is the part of *webrtc.DataChannel a session uses.
type dataChannel interface {
	ReadyState() webrtc.DataChannelState
	BufferedAmount() uint64
	SendText(s string) error
}

// sampleWriter is the part of *webrtc.TrackLocalStaticSample a session uses.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// beam is the active steering state. It is replaced whole on every selection
// change; filter and window belong to the audio task.
type beam struct {
	gen       uint64
	selection *domain.Selection
	theta     float64
	phi       float64
	weights   []float64
	filter    *spatial.LowPassState
	resampler *audio.ChunkResampler
	window    *audio.Window
}

func (b *beam) active() bool { return b != nil && b.selection != nil }

// Session is one negotiated connection between the node and an operator.
type Session struct {
	peerID     domain.PeerID
	cfg        Config
	frames     ports.FrameSource
	heatmaps   ports.HeatmapSource
	channel    dataChannel
	track      sampleWriter
	pc         *webrtc.PeerConnection
	candidates rtc.CandidateQueue
	createdAt  time.Time

	inbound    chan []byte
	beam       atomic.Pointer[beam]
	generation atomic.Uint64
	cursor     uint64 // audio task only
	streamGen  uint64 // audio task only

	mu      sync.Mutex
	state   domain.SessionState
	cancel  context.CancelFunc
	closed  sync.Once
	onClose func(*Session)

	metrics *monitoring.NodeCollector
	logger  *zap.SugaredLogger
}

func newSession(
	peerID domain.PeerID,
	cfg Config,
	frames ports.FrameSource,
	heatmaps ports.HeatmapSource,
	channel dataChannel,
	track sampleWriter,
	metrics *monitoring.NodeCollector,
	log *zap.SugaredLogger,
) *Session {
	queue := cfg.InboundQueue
	if queue <= 0 {
		queue = 32
	}
	s := &Session{
		peerID:    peerID,
		cfg:       cfg,
		frames:    frames,
		heatmaps:  heatmaps,
		channel:   channel,
		track:     track,
		createdAt: time.Now(),
		inbound:   make(chan []byte, queue),
		state:     domain.SessionIdle,
		metrics:   metrics,
		logger:    log.With("peer_id", peerID),
	}
	s.beam.Store(&beam{})
	return s
}

// start runs the session tasks until ctx is cancelled or the session closes.
func (s *Session) start(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.transition(domain.SessionNegotiating)

	go s.dispatch(sctx)
	go s.every(sctx, s.cfg.HeatmapInterval, s.pushHeatmap)
	go s.every(sctx, s.cfg.AudioInterval, s.streamAudio)
	if s.cfg.NegotiationTimeout > 0 {
		go s.reap(sctx)
	}
}

func (s *Session) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Session) reap(ctx context.Context) {
	timer := time.NewTimer(s.cfg.NegotiationTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		if s.State() == domain.SessionNegotiating {
			s.logger.Warnw("negotiation timed out, closing session", "timeout", s.cfg.NegotiationTimeout)
			s.metrics.RecordReaped()
			s.Close()
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time view for health and logs.
func (s *Session) Info() domain.SessionInfo {
	info := domain.SessionInfo{PeerID: s.peerID, State: s.State(), CreatedAt: s.createdAt}
	if b := s.beam.Load(); b.active() {
		sel := *b.selection
		info.Selection = &sel
	}
	return info
}

// transition moves the session forward; states never go backwards.
func (s *Session) transition(to domain.SessionState) bool {
	s.mu.Lock()
	from := s.state
	if to <= from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.metrics.RecordTransition(from, to)
	s.logger.Infow("session state changed", "from", from.String(), "state", to.String())
	return true
}

// Close stops all tasks and releases the peer connection. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() {
	s.closed.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.transition(domain.SessionClosed)
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				s.logger.Debugw("close peer connection", "error", err)
			}
		}
		s.metrics.ForgetPeer(s.peerID)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// enqueue hands an inbound data-channel payload to the dispatcher.
func (s *Session) enqueue(data []byte) {
	select {
	case s.inbound <- data:
	default:
		s.logger.Warnw("inbound queue full, dropping message", "bytes", len(data))
	}
}

func (s *Session) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.inbound:
			s.handle(ctx, data)
		}
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warnw("dropping data channel message", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.PixelSelect:
		if err := s.selectPixel(ctx, m); err != nil {
			s.logger.Warnw("pixel selection rejected", "x", m.X, "y", m.Y, "error", err)
		}
	case protocol.Deselect:
		s.deselect(m.Pixel)
	case protocol.AudioRequest:
		s.replyAudio(ctx, m.Pixel)
	default:
		s.logger.Warnw("unexpected message from operator", "type", msg.Kind())
	}
}

// prepareBeam computes the steering state for sel under a new generation.
func (s *Session) prepareBeam(sel domain.Selection) *beam {
	gen := s.generation.Add(1)
	theta, phi := spatial.PipeAngles(sel.Pixel.X, sel.Pixel.Y, s.cfg.Grid.Width, s.cfg.Grid.Height)
	return &beam{
		gen:       gen,
		selection: &sel,
		theta:     theta,
		phi:       phi,
		weights:   spatial.BeamWeights(s.cfg.Channels, theta, phi),
		filter:    &spatial.LowPassState{},
		resampler: audio.NewChunkResampler(s.frames.SampleRate(), audio.TrackRate),
		window:    audio.NewWindow(s.cfg.WindowSamples),
	}
}

// commit installs b unless a newer generation is already installed.
func (s *Session) commit(b *beam) bool {
	for {
		cur := s.beam.Load()
		if cur.gen > b.gen {
			return false
		}
		if s.beam.CompareAndSwap(cur, b) {
			return true
		}
	}
}

func (s *Session) selectPixel(ctx context.Context, m protocol.PixelSelect) error {
	ctx, span := tracing.TraceCapture(ctx, "select", string(s.peerID), m.X, m.Y)
	defer span.End()

	if !s.cfg.Grid.Contains(m.Pixel) {
		tracing.RecordError(ctx, domain.ErrInvalidPixel)
		return domain.ErrInvalidPixel
	}
	mode := m.Mode
	if mode == "" {
		mode = domain.ModeProcessed
	}
	b := s.prepareBeam(domain.Selection{Pixel: m.Pixel, Mode: mode})
	tracing.AddSpanAttributes(ctx,
		tracing.ModeKey.String(string(mode)),
		tracing.ThetaKey.Float64(b.theta),
		tracing.PhiKey.Float64(b.phi),
	)
	applied := s.commit(b)
	s.metrics.RecordBeamRecompute(applied)
	if applied {
		logger.WithTrace(ctx, s.logger).Infow("pixel selected", "x", m.X, "y", m.Y, "mode", mode)
	}
	return nil
}

func (s *Session) deselect(p domain.Pixel) {
	cur := s.beam.Load()
	if cur.active() && cur.selection.Pixel != p {
		s.logger.Debugw("deselect for a different pixel", "x", p.X, "y", p.Y, "selected", cur.selection.Pixel.String())
	}
	s.commit(&beam{gen: s.generation.Add(1)})
	s.logger.Infow("pixel deselected", "x", p.X, "y", p.Y)
}

// snapshot builds a one-shot buffer for p from the most recent samples.
func (s *Session) snapshot(ctx context.Context, p domain.Pixel) protocol.AudioBuffer {
	ctx, span := tracing.TraceCapture(ctx, "audio_snapshot", string(s.peerID), p.X, p.Y)
	defer span.End()
	started := time.Now()
	defer func() { s.metrics.RecordSnapshot(time.Since(started)) }()

	reply := protocol.AudioBuffer{Pixel: p, Raw: []float64{}, Filtered: []float64{}}
	samples := s.frames.Latest(s.cfg.SnapshotSamples)
	if len(samples) == 0 {
		return reply
	}

	mode := domain.ModeProcessed
	if b := s.beam.Load(); b.active() && b.selection.Pixel == p {
		mode = b.selection.Mode
	}

	var raw []float64
	if mode == domain.ModeRaw {
		// Raw mode bypasses both the beam and the low-pass stage.
		raw = spatial.Channel(samples, s.cfg.ReferenceChannel)
		reply.Raw = raw
		reply.Filtered = append([]float64(nil), raw...)
	} else {
		theta, phi := spatial.PipeAngles(p.X, p.Y, s.cfg.Grid.Width, s.cfg.Grid.Height)
		raw = spatial.NormalizeAmplitude(spatial.ApplyBeam(samples, spatial.BeamWeights(s.cfg.Channels, theta, phi)))
		reply.Raw = raw
		reply.Filtered = spatial.NormalizeAmplitude(spatial.LowPass(raw, float64(s.frames.SampleRate()), s.cfg.CutoffHz))
	}

	tracing.AddSpanAttributes(ctx, tracing.SamplesKey.Int(len(raw)))
	return reply
}

func (s *Session) replyAudio(ctx context.Context, p domain.Pixel) {
	reply := s.snapshot(ctx, p)
	if err := s.send(reply); err != nil {
		s.logger.Warnw("failed to send audio buffer", "x", p.X, "y", p.Y, "error", err)
		return
	}
	s.logger.Debugw("audio buffer sent", "x", p.X, "y", p.Y, "samples", len(reply.Raw))
}

func (s *Session) send(m protocol.Message) error {
	if s.channel == nil || s.channel.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotOpen
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.channel.SendText(string(data))
}

func (s *Session) pushHeatmap() {
	if s.channel == nil || s.channel.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if s.channel.BufferedAmount() > s.cfg.MaxBufferedAmount {
		s.metrics.RecordHeatmapDropped("backpressure")
		return
	}
	frame, ok := s.heatmaps.Heatmap()
	if !ok {
		return
	}
	if err := s.send(protocol.NewHeatmap(frame)); err != nil {
		s.metrics.RecordHeatmapDropped("send_failed")
		if !errors.Is(err, domain.ErrChannelNotOpen) {
			s.logger.Warnw("failed to send heatmap", "error", err)
		}
		return
	}
	s.metrics.RecordHeatmapSent()
}

// streamAudio beamforms samples that arrived since the last tick and writes
// them to the media track.
func (s *Session) streamAudio() {
	b := s.beam.Load()
	if !b.active() {
		return
	}
	if b.gen != s.streamGen {
		// Start a new selection from live audio, not the backlog.
		s.streamGen = b.gen
		_, s.cursor = s.frames.Since(math.MaxUint64)
		return
	}

	chunks, cursor := s.frames.Since(s.cursor)
	s.cursor = cursor
	if len(chunks) == 0 {
		return
	}
	var frame [][]float64
	for _, c := range chunks {
		frame = append(frame, c.Samples...)
	}

	rate := s.frames.SampleRate()
	var out []float64
	if b.selection.Mode == domain.ModeRaw {
		out = spatial.Channel(frame, s.cfg.ReferenceChannel)
	} else {
		out = b.filter.Apply(spatial.NormalizeAmplitude(spatial.ApplyBeam(frame, b.weights)), float64(rate), s.cfg.CutoffHz)
	}
	b.window.Append(out)

	if s.track == nil {
		return
	}
	resampled := b.resampler.Process(out)
	sample := media.Sample{
		Data:     audio.EncodePCMU(resampled),
		Duration: time.Duration(len(resampled)) * time.Second / audio.TrackRate,
	}
	if err := s.track.WriteSample(sample); err != nil {
		s.logger.Debugw("failed to write audio sample", "error", err)
		return
	}
	s.metrics.RecordAudio(len(resampled))
}
