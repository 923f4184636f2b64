package main

import (
	"fmt"
	"strconv"
	"time"

	"leakrelay/internal/app"
	"leakrelay/internal/core/domain"
	"leakrelay/internal/infrastructure/playback"
	"leakrelay/internal/operator"
	"leakrelay/pkg/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const playbackTimeout = 10 * time.Second

func newPlaybackClient(cfg *config.Config, log *zap.SugaredLogger) *playback.Client {
	return playback.NewClient(cfg.Operator.PlaybackURL, playbackTimeout, cfg.Operator.RetryBackoff, log)
}

func newSelectCommand(ctx *commandContext) *cobra.Command {
	var connect string
	var play string
	var deselect bool

	cmd := &cobra.Command{
		Use:   "select X Y",
		Short: "Fetch one pixel's audio from the playback service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p, err := parsePixel(args, domain.Grid{Width: cfg.Operator.Grid.Width, Height: cfg.Operator.Grid.Height})
			if err != nil {
				return err
			}
			var kind operator.PlayKind
			if play != "" {
				if kind, err = operator.ParsePlayKind(play); err != nil || kind == operator.PlayLive {
					return fmt.Errorf("--play must be raw or filtered")
				}
			}

			log := app.NewLogger(cfg, "operator")
			defer log.Sync()
			client := newPlaybackClient(cfg, log)
			reqCtx := cmd.Context()

			if connect != "" {
				if err := client.Connect(reqCtx, connect); err != nil {
					return err
				}
			}

			snap, rate, err := client.SelectPixel(reqCtx, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pixel %s: %d raw, %d filtered samples at %d Hz\n", p, len(snap.Raw), len(snap.Filtered), rate)

			if kind != "" {
				samples := snap.Raw
				if kind == operator.PlayFiltered {
					samples = snap.Filtered
				}
				player := operator.NewWAVPlayer(cfg.Operator.OutputDir, cfg.Operator.PlayCommand, log)
				if err := player.Play(reqCtx, string(kind), samples, rate); err != nil {
					return err
				}
			}

			if deselect {
				return client.DeselectPixel(reqCtx, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&connect, "connect", "", "Capture host address to connect the service to first")
	cmd.Flags().StringVar(&play, "play", "", "Play the clip: raw or filtered")
	cmd.Flags().BoolVar(&deselect, "deselect", false, "Deselect the pixel afterwards")
	return cmd
}

func parsePixel(args []string, grid domain.Grid) (domain.Pixel, error) {
	x, err := strconv.Atoi(args[0])
	if err != nil {
		return domain.Pixel{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return domain.Pixel{}, fmt.Errorf("y: %w", err)
	}
	p := domain.Pixel{X: x, Y: y}
	if !grid.Contains(p) {
		return domain.Pixel{}, fmt.Errorf("%w: %s outside %dx%d", domain.ErrInvalidPixel, p, grid.Width, grid.Height)
	}
	return p, nil
}
