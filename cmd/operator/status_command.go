package main

import (
	"fmt"

	"leakrelay/internal/app"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the playback service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg, "operator")
			defer log.Sync()

			st, err := newPlaybackClient(cfg, log).Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "acquiring: %t\naudio ready: %t\n", st.IsAcquiring, st.AudioServerReady)
			if st.Connected != "" {
				fmt.Fprintf(out, "connected: %s\n", st.Connected)
			}
			for _, px := range st.SelectedPixels {
				fmt.Fprintf(out, "selected (%d,%d) playing=%t\n", px.X, px.Y, px.IsPlaying)
			}
			return nil
		},
	}
}
