package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"leakrelay/internal/app"
	"leakrelay/internal/operator"
	"leakrelay/internal/operator/tui"
	"leakrelay/pkg/logger"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and open the heatmap view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opCfg, err := operator.ConfigFrom(cfg)
			if err != nil {
				return err
			}

			if logFile == "" {
				logFile = filepath.Join(cfg.Operator.OutputDir, "leakrelay-operator.log")
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer f.Close()
			log := logger.NewWriter(cfg.Logging.Level, "json", zapcore.AddSync(f)).Sugar().With("service", "operator")
			defer log.Sync()

			runCtx, cancel := app.SignalContext(cmd.Context())
			defer cancel()

			player := operator.NewWAVPlayer(cfg.Operator.OutputDir, cfg.Operator.PlayCommand, log)
			client := operator.NewClient(opCfg, operator.DialRelay(log), player, log)

			done := make(chan error, 1)
			go func() { done <- client.Run(runCtx) }()

			program := tea.NewProgram(tui.New(client, opCfg.Grid), tea.WithAltScreen(), tea.WithContext(runCtx))
			_, uiErr := program.Run()
			cancel()
			if err := <-done; err != nil {
				return err
			}
			if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
				return uiErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "Log file (default <output_dir>/leakrelay-operator.log)")
	return cmd
}
