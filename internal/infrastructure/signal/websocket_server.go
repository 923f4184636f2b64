package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/monitoring"
	"leakrelay/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Config tunes relay connections.
type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 100,
		Burst:             200,
		MaxMessageSize:    64 * 1024,
	}
}

type peer struct {
	id          domain.PeerID
	conn        *websocket.Conn
	writeMu     sync.Mutex
	limiter     *rate.Limiter
	connectedAt time.Time
}

func (p *peer) write(messageType int, data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(messageType, data)
}

// Relay is the signaling relay: it hands out peer ids, broadcasts readiness
// and forwards opaque signal payloads between registered peers.
type Relay struct {
	cfg        Config
	peers      map[domain.PeerID]*peer
	mu         sync.RWMutex
	bus        Bus
	directory  Directory
	instanceID string
	metrics    *monitoring.RelayCollector
	health     *monitoring.HealthChecker
	logger     *zap.SugaredLogger
}

func NewRelay(cfg Config, metrics *monitoring.RelayCollector, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		cfg:        cfg,
		peers:      make(map[domain.PeerID]*peer),
		instanceID: uuid.NewString(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Directory records which relay instance holds each peer.
type Directory interface {
	Register(ctx context.Context, id domain.PeerID) error
	Unregister(ctx context.Context, id domain.PeerID) error
	Holder(ctx context.Context, id domain.PeerID) (instance string, ok bool, err error)
}

const directoryTimeout = 2 * time.Second

// SetDirectory lets the relay drop signals for peers no instance holds
// instead of publishing them on the bus.
func (r *Relay) SetDirectory(d Directory) {
	r.directory = d
}

// InstanceID identifies this relay on the bus.
func (r *Relay) InstanceID() string { return r.instanceID }

// SetBus enables cross-instance fan-out. Call before serving and run RunBus.
func (r *Relay) SetBus(b Bus) {
	r.bus = b
}

// RunBus delivers bus traffic from other instances until ctx ends.
func (r *Relay) RunBus(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.bus.Subscribe(ctx, r.handleBusMessage)
}

func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	p := &peer{
		id:          domain.PeerID(uuid.NewString()),
		conn:        conn,
		limiter:     rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst),
		connectedAt: time.Now(),
	}

	// Hold the write lock across registration so your-id is always the
	// first frame the peer sees.
	p.writeMu.Lock()
	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()
	r.metrics.RecordPeerConnected()
	err = r.writeJSONLocked(p, Envelope{Type: TypeYourID, ID: p.id})
	p.writeMu.Unlock()
	r.updateDirectory(p.id, true)
	defer func() {
		r.mu.Lock()
		if r.peers[p.id] == p {
			delete(r.peers, p.id)
		}
		r.mu.Unlock()
		r.updateDirectory(p.id, false)
		r.metrics.RecordPeerDisconnected(time.Since(p.connectedAt))
		r.logger.Infow("peer disconnected", "peer_id", p.id)
	}()

	if err != nil {
		r.logger.Warnw("failed to send peer id", "peer_id", p.id, "error", err)
		return
	}
	r.logger.Infow("peer connected", "peer_id", p.id, "remote", req.RemoteAddr)

	conn.SetReadLimit(r.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			r.handleMessage(req.Context(), p, data)

		case <-pingTicker.C:
			if err := p.write(websocket.PingMessage, nil, r.cfg.WriteTimeout); err != nil {
				r.logger.Infow("error sending ping", "peer_id", p.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading message from peer", "peer_id", p.id, "error", err)
			}
			return
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, from *peer, data []byte) {
	if !from.limiter.Allow() {
		r.metrics.RecordRateLimited()
		r.logger.Warnw("rate limit exceeded, dropping message", "peer_id", from.id)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.metrics.RecordMalformed()
		r.logger.Warnw("malformed message", "peer_id", from.id, "error", err)
		return
	}

	switch env.Type {
	case TypeReady:
		r.broadcastReady(from.id)
		if r.bus != nil {
			if err := r.bus.Publish(ctx, &BusMessage{Type: TypeReady, From: from.id}); err != nil {
				r.logger.Warnw("failed to publish ready", "peer_id", from.id, "error", err)
			}
		}

	case TypeSignal:
		r.relaySignal(ctx, from.id, env.Target, env.Message)

	default:
		r.metrics.RecordMalformed()
		r.logger.Warnw("unknown message type", "peer_id", from.id, "type", env.Type)
	}
}

// broadcastReady tells every peer except receiver that receiver is ready.
func (r *Relay) broadcastReady(receiver domain.PeerID) {
	data, _ := json.Marshal(Envelope{Type: TypeReceiverReady, ReceiverID: receiver})

	for _, p := range r.snapshot() {
		if p.id == receiver {
			continue
		}
		if err := p.write(websocket.TextMessage, data, r.cfg.WriteTimeout); err != nil {
			r.logger.Warnw("failed to deliver receiver-ready", "peer_id", p.id, "error", err)
			continue
		}
		r.metrics.RecordBroadcast()
	}
	r.logger.Debugw("receiver ready", "peer_id", receiver)
}

func (r *Relay) relaySignal(ctx context.Context, from, target domain.PeerID, message json.RawMessage) {
	ctx, span := tracing.TraceSignal(ctx, TypeSignal, string(from), string(target))
	defer span.End()

	if target == "" {
		r.metrics.RecordSignalDropped()
		r.logger.Warnw("signal without target dropped", "from", from)
		return
	}

	if p := r.lookup(target); p != nil {
		if err := r.forward(p, from, message); err != nil {
			tracing.RecordError(ctx, err)
			r.logger.Warnw("failed to forward signal", "from", from, "target", target, "error", err)
		}
		return
	}

	if r.bus != nil && r.heldElsewhere(ctx, target) {
		err := r.bus.Publish(ctx, &BusMessage{Type: TypeSignal, From: from, Target: target, Message: message})
		if err == nil {
			return
		}
		tracing.RecordError(ctx, err)
		r.logger.Warnw("failed to publish signal", "from", from, "target", target, "error", err)
	}

	r.metrics.RecordSignalDropped()
	r.logger.Warnw("signal target not connected, dropping", "from", from, "target", target)
}

// heldElsewhere reports whether another instance may hold target. Without a
// directory, or when it cannot be reached, the answer is yes.
func (r *Relay) heldElsewhere(ctx context.Context, target domain.PeerID) bool {
	if r.directory == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	instance, ok, err := r.directory.Holder(ctx, target)
	if err != nil {
		r.logger.Warnw("peer directory lookup failed", "target", target, "error", err)
		return true
	}
	return ok && instance != r.instanceID
}

func (r *Relay) updateDirectory(id domain.PeerID, register bool) {
	if r.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()

	var err error
	if register {
		err = r.directory.Register(ctx, id)
	} else {
		err = r.directory.Unregister(ctx, id)
	}
	if err != nil {
		r.logger.Warnw("peer directory update failed", "peer_id", id, "register", register, "error", err)
	}
}

func (r *Relay) forward(p *peer, from domain.PeerID, message json.RawMessage) error {
	data, err := forwardFrame(from, message)
	if err != nil {
		return err
	}
	if err := p.write(websocket.TextMessage, data, r.cfg.WriteTimeout); err != nil {
		return err
	}
	r.metrics.RecordSignalRelayed()
	return nil
}

func (r *Relay) handleBusMessage(msg *BusMessage) {
	switch msg.Type {
	case TypeReady:
		r.broadcastReady(msg.From)
	case TypeSignal:
		// Another instance may hold the target.
		p := r.lookup(msg.Target)
		if p == nil {
			return
		}
		if err := r.forward(p, msg.From, msg.Message); err != nil {
			r.logger.Warnw("failed to forward bus signal", "from", msg.From, "target", msg.Target, "error", err)
		}
	}
}

func (r *Relay) writeJSONLocked(p *peer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Relay) lookup(id domain.PeerID) *peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

func (r *Relay) snapshot() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// SetHealthChecker adds dependency checks (such as Redis) to HealthCheck.
func (r *Relay) SetHealthChecker(h *monitoring.HealthChecker) {
	r.health = h
}

func (r *Relay) HealthCheck(w http.ResponseWriter, req *http.Request) {
	status := monitoring.HealthStatus{Status: monitoring.StatusHealthy, Timestamp: time.Now()}
	if r.health != nil {
		status = r.health.CheckAll(req.Context())
	}
	status.Details = map[string]any{
		"connections": len(r.Peers()),
		"instance_id": r.instanceID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status.HTTPCode())
	_ = json.NewEncoder(w).Encode(status)
}

// Peers lists the currently registered peer ids.
func (r *Relay) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		peers = append(peers, id)
	}
	return peers
}
