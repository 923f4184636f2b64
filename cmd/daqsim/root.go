package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"leakrelay/internal/app"
	"leakrelay/internal/core/domain"
	httphandlers "leakrelay/internal/handlers/http"
	"leakrelay/internal/infrastructure/daq"
	"leakrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ringChunks is how many synthetic chunks the simulator keeps.
const ringChunks = 64

func newRootCommand() *cobra.Command {
	var configFlag string
	var sourceX, sourceY int

	cmd := &cobra.Command{
		Use:           "daqsim",
		Short:         "Synthetic DAQ and playback service for local runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.LoadConfig(configFlag)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("x") {
				cfg.DAQSim.SourceX = sourceX
			}
			if cmd.Flags().Changed("y") {
				cfg.DAQSim.SourceY = sourceY
			}
			ctx, stop := app.SignalContext(cmd.Context())
			defer stop()
			return run(ctx, cfg, path)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().IntVar(&sourceX, "x", 0, "Heatmap column the simulated leak sits at")
	cmd.Flags().IntVar(&sourceY, "y", 0, "Heatmap row the simulated leak sits at")
	return cmd
}

type simulator struct {
	ring     *daq.Ring
	heatmaps *daq.HeatmapStore
	synth    *daq.Synth
	scanner  *daq.Scanner
	handler  *httphandlers.DAQHandler
	interval time.Duration
}

func newSimulator(cfg *config.Config, log *zap.SugaredLogger) *simulator {
	s := cfg.DAQSim
	grid := domain.Grid{Width: s.Grid.Width, Height: s.Grid.Height}

	ring := daq.NewRing(ringChunks, s.Channels, s.SampleRate)
	heatmaps := &daq.HeatmapStore{}
	synth := daq.NewSynth(daq.SynthConfig{
		Channels:     s.Channels,
		SampleRate:   s.SampleRate,
		Grid:         grid,
		Source:       domain.Pixel{X: s.SourceX, Y: s.SourceY},
		ToneHz:       s.ToneHz,
		Noise:        s.Noise,
		ChunkSamples: s.ChunkSamples,
		Seed:         time.Now().UnixNano(),
	})
	handler := httphandlers.NewDAQHandler(httphandlers.DAQConfig{
		Grid:         grid,
		ChunkSamples: s.ChunkSamples,
		CutoffHz:     s.CutoffHz,
		WarmUp:       s.WarmUp,
	}, ring, heatmaps, log)

	return &simulator{
		ring:     ring,
		heatmaps: heatmaps,
		synth:    synth,
		scanner:  daq.NewScanner(grid, s.Channels),
		handler:  handler,
		interval: s.HeatmapInterval,
	}
}

func (s *simulator) routes(cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	router := app.NewRouter(cfg, log)
	s.handler.SetupRoutes(router)
	return router
}

func (s *simulator) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.synth.Run(ctx, s.ring) })
	g.Go(func() error { return s.scanner.Run(ctx, s.ring, s.heatmaps, s.interval) })
	return g.Wait()
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	log := app.NewLogger(cfg, "daqsim")
	defer log.Sync()
	log.Infow("loaded configuration", "path", configPath,
		"source_x", cfg.DAQSim.SourceX, "source_y", cfg.DAQSim.SourceY)

	sim := newSimulator(cfg, log)
	srv := &http.Server{Addr: cfg.DAQSim.Address, Handler: sim.routes(cfg, log)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sim.run(ctx) })
	g.Go(func() error { return app.Serve(ctx, srv, cfg.Signal.ShutdownTimeout, log) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
