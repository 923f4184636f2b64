package operator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/pkg/audio"

	"go.uber.org/zap"
)

// WAVPlayer writes each clip to a WAV file in dir and, when command is set,
// runs it with the file path appended (e.g. ["aplay", "-q"]).
type WAVPlayer struct {
	dir     string
	command []string
	logger  *zap.SugaredLogger
}

func NewWAVPlayer(dir string, command []string, logger *zap.SugaredLogger) *WAVPlayer {
	return &WAVPlayer{dir: dir, command: command, logger: logger}
}

func (p *WAVPlayer) Play(ctx context.Context, name string, samples []float64, sampleRate int) error {
	if len(samples) == 0 {
		return fmt.Errorf("play %s: %w", name, domain.ErrNotReady)
	}
	path, err := p.write(name, samples, sampleRate)
	if err != nil {
		return err
	}
	if len(p.command) == 0 {
		p.logger.Infow("clip written", "path", path, "samples", len(samples))
		return nil
	}

	args := append(append([]string{}, p.command[1:]...), path)
	out, err := exec.CommandContext(ctx, p.command[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w: %s", p.command[0], err, out)
	}
	p.logger.Debugw("clip played", "path", path, "command", p.command[0])
	return nil
}

func (p *WAVPlayer) write(name string, samples []float64, sampleRate int) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(p.dir, fmt.Sprintf("leakrelay-%s-%s.wav", name, time.Now().Format("20060102-150405.000")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create clip: %w", err)
	}
	if err := audio.WriteWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close clip: %w", err)
	}
	return path, nil
}
