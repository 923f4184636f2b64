package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"leakrelay/internal/app"
	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/capture"
	"leakrelay/internal/infrastructure/daq"
	"leakrelay/internal/infrastructure/monitoring"
	"leakrelay/internal/infrastructure/signal"
	"leakrelay/pkg/config"
	"leakrelay/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	daqTimeout       = 5 * time.Second
	relayDialTimeout = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var sourceFlag string

	cmd := &cobra.Command{
		Use:           "capture",
		Short:         "Capture node: beamforms the microphone array for operators",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.LoadConfig(configFlag)
			if err != nil {
				return err
			}
			if sourceFlag != "" {
				cfg.Capture.Source = sourceFlag
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := app.SignalContext(cmd.Context())
			defer stop()
			return run(ctx, cfg, path)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&sourceFlag, "source", "", "Microphone source: daq, synth or ffmpeg")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	log := app.NewLogger(cfg, "capture")
	defer log.Sync()
	log.Infow("loaded configuration", "path", configPath, "source", cfg.Capture.Source)

	lock, err := capture.AcquireDeviceLock(cfg.Capture.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	tp, err := app.InitTracing(cfg, "leakrelay-capture")
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	ring := daq.NewRing(cfg.Capture.RingCapacity, cfg.Capture.Channels, cfg.Capture.SampleRate)
	heatmaps := &daq.HeatmapStore{}

	reg := app.NewRegistry()
	metrics := monitoring.NewNodeCollector(reg)

	health := monitoring.NewHealthChecker()
	health.AddFreshnessCheck("heatmap", func() time.Time {
		f, _ := heatmaps.Heatmap()
		return f.Timestamp
	}, 10*cfg.Capture.HeatmapInterval+5*time.Second)

	var live atomic.Pointer[capture.Node]

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSource(ctx, cfg, ring, heatmaps, log) })
	g.Go(func() error { return runNode(ctx, cfg, ring, heatmaps, metrics, &live, log) })
	if cfg.Monitoring.PrometheusEnabled {
		g.Go(func() error { return serveMonitoring(ctx, cfg, reg, health, &live, log) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSource fills the ring (and, unless the DAQ provides one, the heatmap).
func runSource(ctx context.Context, cfg *config.Config, ring *daq.Ring, heatmaps *daq.HeatmapStore, log *zap.SugaredLogger) error {
	c := cfg.Capture
	grid := domain.Grid{Width: c.Grid.Width, Height: c.Grid.Height}

	switch c.Source {
	case "daq":
		client := daq.NewClient(c.DAQURL, daqTimeout)
		return daq.NewPoller(client, ring, heatmaps, grid, c.PollInterval, c.HeatmapInterval, log).Run(ctx)

	case "synth":
		synth := daq.NewSynth(daq.SynthConfig{
			Channels:     c.Channels,
			SampleRate:   c.SampleRate,
			Grid:         grid,
			Source:       domain.Pixel{X: cfg.DAQSim.SourceX, Y: cfg.DAQSim.SourceY},
			ToneHz:       cfg.DAQSim.ToneHz,
			Noise:        cfg.DAQSim.Noise,
			ChunkSamples: c.ChunkSamples,
			Seed:         time.Now().UnixNano(),
		})
		return runWithScanner(ctx, grid, c, ring, heatmaps, func(ctx context.Context) error {
			return synth.Run(ctx, ring)
		})

	case "ffmpeg":
		src := daq.NewFFmpegSource(daq.FFmpegConfig{
			Path:         c.FFmpeg.Path,
			Format:       c.FFmpeg.Format,
			Device:       c.FFmpeg.Device,
			Channels:     c.Channels,
			SampleRate:   c.SampleRate,
			ChunkSamples: c.ChunkSamples,
		}, log)
		return runWithScanner(ctx, grid, c, ring, heatmaps, func(ctx context.Context) error {
			return src.Run(ctx, ring)
		})
	}
	return fmt.Errorf("unknown capture source %q", c.Source)
}

func runWithScanner(
	ctx context.Context,
	grid domain.Grid,
	c config.CaptureConfig,
	ring *daq.Ring,
	heatmaps *daq.HeatmapStore,
	source func(context.Context) error,
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return source(ctx) })
	g.Go(func() error {
		return daq.NewScanner(grid, c.Channels).Run(ctx, ring, heatmaps, c.HeatmapInterval)
	})
	return g.Wait()
}

// runNode keeps a relay connection open, reconnecting with backoff when it
// drops, and serves operators over it. live holds the node of the current
// connection, nil while reconnecting.
func runNode(
	ctx context.Context,
	cfg *config.Config,
	ring *daq.Ring,
	heatmaps *daq.HeatmapStore,
	metrics *monitoring.NodeCollector,
	live *atomic.Pointer[capture.Node],
	log *zap.SugaredLogger,
) error {
	nodeCfg := capture.ConfigFrom(cfg)
	backoff := retry.Config{
		Enabled:      true,
		MaxAttempts:  1 << 30,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for {
		client, err := retry.RetryWithResult(ctx, backoff, func() (*signal.Client, error) {
			dialCtx, cancel := context.WithTimeout(ctx, relayDialTimeout)
			defer cancel()
			c, err := signal.Dial(dialCtx, cfg.Capture.RelayURL, log)
			if err != nil {
				log.Warnw("relay unreachable", "url", cfg.Capture.RelayURL, "error", err)
			}
			return c, err
		})
		if err != nil {
			return err
		}
		log.Infow("connected to relay", "url", cfg.Capture.RelayURL, "peer_id", client.ID())

		node := capture.NewNode(nodeCfg, ring, heatmaps, client, metrics, log.With("peer_id", client.ID()))
		live.Store(node)
		err = node.Run(ctx)
		live.Store(nil)
		client.Close()
		if !errors.Is(err, capture.ErrSignalingClosed) {
			return err
		}
		log.Warnw("relay connection lost, reconnecting")
	}
}

func serveMonitoring(
	ctx context.Context,
	cfg *config.Config,
	reg *prometheus.Registry,
	health *monitoring.HealthChecker,
	live *atomic.Pointer[capture.Node],
	log *zap.SugaredLogger,
) error {
	router := app.NewRouter(cfg, log)
	router.GET("/metrics", gin.WrapH(app.MetricsHandler(reg)))
	router.GET("/health", healthHandler(health, live))

	srv := &http.Server{Addr: cfg.Monitoring.Address, Handler: router}
	return app.Serve(ctx, srv, cfg.Signal.ShutdownTimeout, log)
}

// healthHandler reports the checks plus the operator sessions of the live node.
func healthHandler(health *monitoring.HealthChecker, live *atomic.Pointer[capture.Node]) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		node := live.Load()
		var sessions []domain.SessionInfo
		if node != nil {
			sessions = node.Sessions()
		}
		if status.Details == nil {
			status.Details = map[string]any{}
		}
		status.Details["relay_connected"] = node != nil
		status.Details["sessions"] = sessionDetails(sessions)
		c.JSON(status.HTTPCode(), status)
	}
}

func sessionDetails(sessions []domain.SessionInfo) []gin.H {
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		entry := gin.H{
			"peer_id":    string(s.PeerID),
			"state":      s.State.String(),
			"created_at": s.CreatedAt,
		}
		if s.Selection != nil {
			entry["pixel"] = s.Selection.Pixel
			entry["mode"] = string(s.Selection.Mode)
		}
		out = append(out, entry)
	}
	return out
}
