package monitoring

import (
	"time"

	"leakrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayCollector tracks the signaling relay.
type RelayCollector struct {
	peersConnected   prometheus.Gauge
	connectionsTotal prometheus.Counter
	signalsRelayed   prometheus.Counter
	signalsDropped   prometheus.Counter
	broadcasts       prometheus.Counter
	rateLimited      prometheus.Counter
	malformed        prometheus.Counter
	connDuration     prometheus.Histogram
}

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	f := promauto.With(reg)
	return &RelayCollector{
		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "leakrelay_peers_connected",
			Help: "Number of peers currently registered with the relay",
		}),

		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_connections_total",
			Help: "Total number of websocket connections accepted",
		}),

		signalsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_signal_relayed_total",
			Help: "Signals forwarded to a registered target",
		}),

		signalsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_signal_dropped_total",
			Help: "Signals dropped because the target is not registered",
		}),

		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_receiver_ready_broadcasts_total",
			Help: "receiver-ready broadcasts sent",
		}),

		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_rate_limited_messages_total",
			Help: "Inbound messages dropped by the per-connection rate limit",
		}),

		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_malformed_messages_total",
			Help: "Inbound messages that could not be decoded",
		}),

		connDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leakrelay_connection_duration_seconds",
			Help:    "Lifetime of relay websocket connections",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

func (c *RelayCollector) RecordPeerConnected() {
	c.peersConnected.Inc()
	c.connectionsTotal.Inc()
}

func (c *RelayCollector) RecordPeerDisconnected(lifetime time.Duration) {
	c.peersConnected.Dec()
	c.connDuration.Observe(lifetime.Seconds())
}

func (c *RelayCollector) RecordSignalRelayed() { c.signalsRelayed.Inc() }
func (c *RelayCollector) RecordSignalDropped() { c.signalsDropped.Inc() }
func (c *RelayCollector) RecordBroadcast()     { c.broadcasts.Inc() }
func (c *RelayCollector) RecordRateLimited()   { c.rateLimited.Inc() }
func (c *RelayCollector) RecordMalformed()     { c.malformed.Inc() }

// NodeCollector tracks the capture node and its sessions.
type NodeCollector struct {
	sessions         *prometheus.GaugeVec
	heatmapSent      prometheus.Counter
	heatmapDropped   *prometheus.CounterVec
	audioChunks      prometheus.Counter
	audioSamples     prometheus.Counter
	beamRecomputes   *prometheus.CounterVec
	reaped           prometheus.Counter
	snapshotDuration prometheus.Histogram
	fractionLost     *prometheus.GaugeVec
}

func NewNodeCollector(reg prometheus.Registerer) *NodeCollector {
	f := promauto.With(reg)
	return &NodeCollector{
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leakrelay_sessions",
			Help: "Operator sessions by state",
		}, []string{"state"}),

		heatmapSent: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_heatmap_frames_sent_total",
			Help: "Heatmap frames sent over data channels",
		}),

		heatmapDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakrelay_heatmap_frames_dropped_total",
			Help: "Heatmap frames not sent",
		}, []string{"reason"}),

		audioChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_audio_chunks_total",
			Help: "Audio samples written to media tracks",
		}),

		audioSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_audio_samples_total",
			Help: "8 kHz samples written to media tracks",
		}),

		beamRecomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "leakrelay_beam_recomputes_total",
			Help: "Beam recomputes by outcome",
		}, []string{"outcome"}),

		reaped: f.NewCounter(prometheus.CounterOpts{
			Name: "leakrelay_negotiations_reaped_total",
			Help: "Sessions closed because negotiation timed out",
		}),

		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "leakrelay_audio_snapshot_duration_seconds",
			Help:    "Time to build an audio snapshot",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		fractionLost: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leakrelay_rtcp_fraction_lost",
			Help: "Fraction of audio packets lost as reported by the operator (0-1)",
		}, []string{"peer_id"}),
	}
}

// RecordTransition moves one session between state gauges. from may be
// SessionIdle for a new session.
func (c *NodeCollector) RecordTransition(from, to domain.SessionState) {
	if from != domain.SessionIdle {
		c.sessions.WithLabelValues(from.String()).Dec()
	}
	if to != domain.SessionClosed {
		c.sessions.WithLabelValues(to.String()).Inc()
	}
}

func (c *NodeCollector) RecordHeatmapSent() { c.heatmapSent.Inc() }

func (c *NodeCollector) RecordHeatmapDropped(reason string) {
	c.heatmapDropped.WithLabelValues(reason).Inc()
}

func (c *NodeCollector) RecordAudio(samples int) {
	c.audioChunks.Inc()
	c.audioSamples.Add(float64(samples))
}

func (c *NodeCollector) RecordBeamRecompute(applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "superseded"
	}
	c.beamRecomputes.WithLabelValues(outcome).Inc()
}

func (c *NodeCollector) RecordReaped() { c.reaped.Inc() }

func (c *NodeCollector) RecordSnapshot(d time.Duration) {
	c.snapshotDuration.Observe(d.Seconds())
}

func (c *NodeCollector) RecordFractionLost(peerID domain.PeerID, fraction float64) {
	c.fractionLost.WithLabelValues(string(peerID)).Set(fraction)
}

// ForgetPeer drops per-peer series once a session closes.
func (c *NodeCollector) ForgetPeer(peerID domain.PeerID) {
	c.fractionLost.DeleteLabelValues(string(peerID))
}
