// Package operator is the listening side of a leak survey: it connects to a
// capture node through the relay, shows its heatmap and lets the operator
// steer the array at a pixel and listen.
package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/core/ports"
	"leakrelay/internal/core/protocol"
	"leakrelay/internal/infrastructure/signal"
	rtc "leakrelay/internal/infrastructure/webrtc"
	"leakrelay/pkg/audio"
	"leakrelay/pkg/config"
	"leakrelay/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// liveRate is the clock rate of the µ-law media track.
const liveRate = 8000

// Relay is the signaling connection the client negotiates over.
type Relay interface {
	ID() domain.PeerID
	Messages() <-chan signal.Envelope
	Ready() error
	Signal(target domain.PeerID, payload signal.SignalPayload) error
	Close() error
}

// DialFunc opens a relay connection.
type DialFunc func(ctx context.Context, url string) (Relay, error)

// dataChannel is the outbound half of the heatmap channel.
type dataChannel interface {
	SendText(string) error
}

type Config struct {
	RelayURL      string
	Mode          domain.Mode
	Grid          domain.Grid
	RequestDelay  time.Duration
	RetryBackoff  time.Duration
	DialTimeout   time.Duration
	WindowSamples int
	SnapshotRate  int
	WebRTC        rtc.WebRTCConfig
}

// ConfigFrom reads the operator section of the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	mode, err := domain.ParseMode(cfg.Operator.Mode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		RelayURL:      cfg.Operator.RelayURL,
		Mode:          mode,
		Grid:          domain.Grid{Width: cfg.Operator.Grid.Width, Height: cfg.Operator.Grid.Height},
		RequestDelay:  cfg.Operator.RequestDelay,
		RetryBackoff:  cfg.Operator.RetryBackoff,
		DialTimeout:   cfg.Operator.DialTimeout,
		WindowSamples: cfg.Operator.WindowSamples,
		SnapshotRate:  cfg.Operator.SnapshotRate,
		WebRTC:        rtc.ConfigFrom(cfg),
	}, nil
}

// Events processed by the loop. Those carrying an epoch belong to one
// connection and are ignored once it has been torn down.
type (
	cmdConnect    struct{}
	cmdDisconnect struct{}
	cmdSelect     struct{ pixel domain.Pixel }
	cmdSetMode    struct{ mode domain.Mode }
	cmdPlay       struct{ kind PlayKind }

	evDialed struct {
		relay Relay
		err   error
	}
	evRelay struct {
		epoch uint64
		env   signal.Envelope
		ok    bool
	}
	evPeerState struct {
		epoch uint64
		state webrtc.PeerConnectionState
	}
	evChannelOpen struct {
		epoch uint64
		ch    dataChannel
	}
	evChannelClosed struct{ epoch uint64 }
	evChannelMessage struct {
		epoch uint64
		data  []byte
	}
	evLive struct {
		epoch   uint64
		samples []float64
	}
	evRequestAudio struct {
		gen   uint64
		pixel domain.Pixel
	}
	evStatus struct{ text string }
)

// Client owns all operator session state. Every field below events is only
// touched by the Run goroutine.
type Client struct {
	cfg    Config
	dial   DialFunc
	player ports.Player

	events    chan interface{}
	snapshots chan Snapshot
	done      chan struct{}

	ctx      context.Context
	state    State
	conn     uint64 // relay connection epoch
	epoch    uint64 // peer connection epoch
	relay    Relay
	peerID   domain.PeerID
	remote   domain.PeerID
	pc       *webrtc.PeerConnection
	queue    *rtc.CandidateQueue
	channel  dataChannel
	mode     domain.Mode
	heatmap  domain.HeatmapFrame
	selected *domain.Pixel
	gen      uint64
	attempts int
	audio    *domain.AudioSnapshot
	live     *audio.Window
	status   string
	timers   []*time.Timer

	base   *zap.SugaredLogger
	logger *zap.SugaredLogger
}

func NewClient(cfg Config, dial DialFunc, player ports.Player, logger *zap.SugaredLogger) *Client {
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeProcessed
	}
	if cfg.Grid.Width <= 0 || cfg.Grid.Height <= 0 {
		cfg.Grid = domain.DefaultGrid
	}
	if cfg.SnapshotRate <= 0 {
		cfg.SnapshotRate = 44100
	}
	return &Client{
		cfg:       cfg,
		dial:      dial,
		player:    player,
		events:    make(chan interface{}, 256),
		snapshots: make(chan Snapshot, 1),
		done:      make(chan struct{}),
		mode:      cfg.Mode,
		live:      audio.NewWindow(cfg.WindowSamples),
		base:      logger,
		logger:    logger,
	}
}

// DialRelay is the DialFunc for a real relay.
func DialRelay(logger *zap.SugaredLogger) DialFunc {
	return func(ctx context.Context, url string) (Relay, error) {
		return signal.Dial(ctx, url, logger)
	}
}

// Snapshots yields the latest state after every change. Only the newest
// snapshot is kept; the channel is closed when Run returns.
func (c *Client) Snapshots() <-chan Snapshot { return c.snapshots }

func (c *Client) Connect()                   { c.post(cmdConnect{}) }
func (c *Client) Disconnect()                { c.post(cmdDisconnect{}) }
func (c *Client) SelectPixel(p domain.Pixel) { c.post(cmdSelect{pixel: p}) }
func (c *Client) SetMode(m domain.Mode)      { c.post(cmdSetMode{mode: m}) }
func (c *Client) Play(kind PlayKind)         { c.post(cmdPlay{kind: kind}) }

func (c *Client) setStatus(format string, args ...interface{}) {
	c.status = fmt.Sprintf(format, args...)
}

func (c *Client) post(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run processes commands and network events until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.snapshots)
	defer close(c.done)
	defer c.teardown("shutdown")

	c.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

func (c *Client) handle(ev interface{}) {
	switch e := ev.(type) {
	case cmdConnect:
		c.connect()
	case cmdDisconnect:
		c.teardown("disconnected by operator")
	case cmdSelect:
		c.selectPixel(e.pixel)
	case cmdSetMode:
		c.setMode(e.mode)
	case cmdPlay:
		c.play(e.kind)
	case evDialed:
		c.onDialed(e)
	case evStatus:
		c.status = e.text
	case evRequestAudio:
		c.requestAudio(e)
	default:
		c.handleConnEvent(ev)
	}
}

func (c *Client) handleConnEvent(ev interface{}) {
	switch e := ev.(type) {
	case evRelay:
		if e.epoch != c.conn {
			return
		}
		if !e.ok {
			c.teardown("relay connection lost")
			return
		}
		c.onEnvelope(e.env)
	case evPeerState:
		if e.epoch != c.epoch {
			return
		}
		c.logger.Infow("peer connection state", "state", e.state.String())
		switch {
		case e.state == webrtc.PeerConnectionStateConnected && c.state == StateNegotiating:
			c.state = StateConnected
		case rtc.IsTerminal(e.state):
			c.teardown("peer connection " + e.state.String())
		}
	case evChannelOpen:
		if e.epoch != c.epoch {
			return
		}
		c.channel = e.ch
		c.state = StateSelectionIdle
		c.setStatus("connected to %s", c.remote)
	case evChannelClosed:
		if e.epoch != c.epoch {
			return
		}
		c.teardown("data channel closed")
	case evChannelMessage:
		if e.epoch != c.epoch {
			return
		}
		c.onMessage(e.data)
	case evLive:
		if e.epoch != c.epoch || c.selected == nil {
			return
		}
		c.live.Append(e.samples)
	}
}

func (c *Client) connect() {
	if c.state != StateDisconnected {
		return
	}
	c.state = StateSignaling
	c.setStatus("connecting to %s", c.cfg.RelayURL)

	ctx, timeout := c.ctx, c.cfg.DialTimeout
	go func() {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		relay, err := c.dial(ctx, c.cfg.RelayURL)
		c.post(evDialed{relay: relay, err: err})
	}()
}

func (c *Client) onDialed(e evDialed) {
	if e.err != nil {
		c.state = StateDisconnected
		c.setStatus("relay unreachable: %v", e.err)
		c.logger.Warnw("relay dial failed", "error", e.err)
		return
	}
	if c.state != StateSignaling {
		e.relay.Close()
		return
	}

	c.conn++
	c.relay = e.relay
	c.peerID = e.relay.ID()
	c.logger = logger.WithTrace(logger.WithPeer(c.ctx, string(c.peerID)), c.base)

	epoch, msgs := c.conn, e.relay.Messages()
	go func() {
		for env := range msgs {
			c.post(evRelay{epoch: epoch, env: env, ok: true})
		}
		c.post(evRelay{epoch: epoch})
	}()

	if err := e.relay.Ready(); err != nil {
		c.teardown("announce failed")
		return
	}
	c.setStatus("waiting for capture node")
	c.logger.Infow("announced as receiver")
}

func (c *Client) onEnvelope(env signal.Envelope) {
	if env.Type != signal.TypeSignal {
		return
	}
	payload, err := env.Payload()
	if err != nil {
		c.logger.Warnw("bad signal", "from", env.From, "error", err)
		return
	}

	switch {
	case payload.SDP != nil && payload.SDP.Type == webrtc.SDPTypeOffer:
		if err := c.answer(env.From, *payload.SDP); err != nil {
			c.logger.Warnw("negotiation failed", "from", env.From, "error", err)
			c.setStatus("negotiation failed: %v", err)
		}
	case payload.Candidate != nil:
		if c.pc == nil || env.From != c.remote {
			c.logger.Debugw("candidate without session", "from", env.From)
			return
		}
		if err := c.queue.Add(c.pc, *payload.Candidate); err != nil {
			c.logger.Warnw("add ICE candidate failed", "error", err)
		}
	}
}

// answer accepts an offer from a capture node. A new offer replaces any
// previous peer connection.
func (c *Client) answer(from domain.PeerID, offer webrtc.SessionDescription) error {
	c.closePeer()
	c.epoch++
	epoch := c.epoch

	pc, err := rtc.NewPeerConnection(c.cfg.WebRTC)
	if err != nil {
		return err
	}
	c.pc, c.remote, c.queue = pc, from, &rtc.CandidateQueue{}
	c.state = StateNegotiating

	relay := c.relay
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		if err := relay.Signal(from, signal.SignalPayload{Candidate: &init}); err != nil {
			c.logger.Debugw("send candidate failed", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.post(evPeerState{epoch: epoch, state: s})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != protocol.Label {
			return
		}
		dc.OnOpen(func() { c.post(evChannelOpen{epoch: epoch, ch: dc}) })
		dc.OnClose(func() { c.post(evChannelClosed{epoch: epoch}) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.post(evChannelMessage{epoch: epoch, data: msg.Data})
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log := c.logger
		go func() {
			gaps, err := ReadPCMU(track, func(samples []float64) {
				c.post(evLive{epoch: epoch, samples: samples})
			})
			log.Debugw("audio track ended", "gaps", gaps, "error", err)
		}()
	})

	if err := c.queue.SetRemote(pc, offer); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := relay.Signal(from, signal.SignalPayload{SDP: pc.LocalDescription()}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.setStatus("negotiating with %s", from)
	c.logger.Infow("answer sent", "remote", from)
	return nil
}

func (c *Client) send(m protocol.Message) error {
	if c.channel == nil {
		return domain.ErrChannelNotOpen
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.channel.SendText(string(data))
}

// selectPixel toggles p: selecting the active pixel deselects it.
func (c *Client) selectPixel(p domain.Pixel) {
	if c.channel == nil {
		c.setStatus("not connected")
		return
	}
	if !c.cfg.Grid.Contains(p) {
		c.setStatus("%s is outside the grid", p)
		return
	}

	c.gen++
	c.stopTimers()
	c.audio = nil
	c.live.Reset()

	if c.selected != nil && *c.selected == p {
		c.selected = nil
		c.state = StateSelectionIdle
		if err := c.send(protocol.Deselect{Pixel: p}); err != nil {
			c.logger.Warnw("send deselect failed", "error", err)
		}
		c.setStatus("deselected %s", p)
		return
	}

	c.selected = &p
	c.attempts = 0
	c.state = StateSelectionActive
	if err := c.send(protocol.PixelSelect{Pixel: p, Mode: c.mode}); err != nil {
		c.logger.Warnw("send select failed", "error", err)
		c.setStatus("select failed: %v", err)
		return
	}
	c.setStatus("listening at %s", p)
	c.after(c.cfg.RequestDelay, evRequestAudio{gen: c.gen, pixel: p})
}

func (c *Client) requestAudio(e evRequestAudio) {
	if e.gen != c.gen || c.selected == nil {
		return
	}
	c.attempts++
	if err := c.send(protocol.AudioRequest{Pixel: e.pixel}); err != nil {
		c.logger.Warnw("send audio request failed", "error", err)
	}
}

func (c *Client) setMode(m domain.Mode) {
	if m == c.mode {
		return
	}
	c.mode = m
	c.setStatus("mode %s", m)
	if c.selected == nil {
		return
	}
	// The cached snapshot belongs to the old mode.
	c.gen++
	c.stopTimers()
	c.audio = nil
	c.attempts = 0
	c.live.Reset()
	if err := c.send(protocol.PixelSelect{Pixel: *c.selected, Mode: m}); err != nil {
		c.logger.Warnw("send mode change failed", "error", err)
		return
	}
	c.after(c.cfg.RequestDelay, evRequestAudio{gen: c.gen, pixel: *c.selected})
}

func (c *Client) onMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debugw("ignoring message", "error", err)
		return
	}
	switch m := msg.(type) {
	case protocol.Heatmap:
		c.heatmap = m.Frame()
	case protocol.AudioBuffer:
		c.onAudioBuffer(m)
	default:
		c.logger.Debugw("unexpected message", "kind", msg.Kind())
	}
}

// onAudioBuffer accepts only replies for the selected pixel. An empty reply
// is retried once after the backoff.
func (c *Client) onAudioBuffer(m protocol.AudioBuffer) {
	if c.selected == nil || *c.selected != m.Pixel {
		c.logger.Debugw("discarding stale audio", "x", m.X, "y", m.Y)
		return
	}
	if !m.Ready() {
		if c.attempts < 2 {
			c.after(c.cfg.RetryBackoff, evRequestAudio{gen: c.gen, pixel: m.Pixel})
			return
		}
		c.setStatus("audio not ready for (%d,%d), try again", m.X, m.Y)
		return
	}
	c.audio = &domain.AudioSnapshot{Pixel: m.Pixel, Raw: m.Raw, Filtered: m.Filtered}
	c.setStatus("audio ready for %s", m.Pixel)
}

func (c *Client) play(kind PlayKind) {
	var (
		samples []float64
		rate    = c.cfg.SnapshotRate
	)
	switch kind {
	case PlayRaw:
		if c.audio != nil {
			samples = c.audio.Raw
		}
	case PlayFiltered:
		if c.audio != nil {
			samples = c.audio.Filtered
		}
	case PlayLive:
		samples, rate = c.live.Snapshot(), liveRate
	}
	if len(samples) == 0 {
		c.setStatus("no %s audio yet", kind)
		return
	}
	if c.player == nil {
		return
	}

	c.setStatus("playing %s", kind)
	ctx, player := c.ctx, c.player
	go func() {
		text := fmt.Sprintf("played %s", kind)
		if err := player.Play(ctx, string(kind), samples, rate); err != nil && !errors.Is(err, context.Canceled) {
			text = fmt.Sprintf("playback failed: %v", err)
		}
		c.post(evStatus{text: text})
	}()
}

func (c *Client) after(d time.Duration, ev interface{}) {
	c.timers = append(c.timers, time.AfterFunc(d, func() { c.post(ev) }))
}

func (c *Client) stopTimers() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

func (c *Client) closePeer() {
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Debugw("close peer connection", "error", err)
		}
	}
	c.pc, c.queue, c.channel, c.remote = nil, nil, nil, ""
}

// teardown returns to Disconnected and clears everything tied to the
// connection.
func (c *Client) teardown(reason string) {
	if c.state == StateDisconnected && c.relay == nil {
		return
	}
	c.logger.Infow("disconnected", "reason", reason)

	c.conn++
	c.epoch++
	c.gen++
	c.stopTimers()
	c.closePeer()
	if c.relay != nil {
		c.relay.Close()
		c.relay = nil
	}

	c.state = StateDisconnected
	c.peerID = ""
	c.heatmap = domain.HeatmapFrame{}
	c.selected = nil
	c.audio = nil
	c.live.Reset()
	c.status = reason
	c.logger = c.base
}

func (c *Client) snapshot() Snapshot {
	s := Snapshot{
		State:   c.state,
		PeerID:  c.peerID,
		Mode:    c.mode,
		Heatmap: c.heatmap,
		Audio:   c.audio,
		Live:    c.live.Len(),
		Status:  c.status,
	}
	if c.selected != nil {
		p := *c.selected
		s.Selected = &p
	}
	return s
}

func (c *Client) publish() {
	s := c.snapshot()
	select {
	case <-c.snapshots:
	default:
	}
	select {
	case c.snapshots <- s:
	default:
	}
}
