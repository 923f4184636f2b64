package daq

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// FFmpegConfig selects the capture device ffmpeg reads from.
type FFmpegConfig struct {
	Path         string
	Format       string // alsa, pulse, avfoundation, ...
	Device       string
	Channels     int
	SampleRate   int
	ChunkSamples int
}

// FFmpegSource captures a multichannel device through ffmpeg as interleaved
// signed 16-bit little-endian PCM.
type FFmpegSource struct {
	cfg    FFmpegConfig
	logger *zap.SugaredLogger
}

func NewFFmpegSource(cfg FFmpegConfig, logger *zap.SugaredLogger) *FFmpegSource {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = cfg.SampleRate / 100
	}
	return &FFmpegSource{cfg: cfg, logger: logger}
}

// Args is the ffmpeg command line used for capture.
func (f *FFmpegSource) Args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", f.cfg.Format,
		"-ac", strconv.Itoa(f.cfg.Channels),
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-i", f.cfg.Device,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	}
}

// Run streams chunks into ring until ctx ends or ffmpeg exits.
func (f *FFmpegSource) Run(ctx context.Context, ring *Ring) error {
	cmd := exec.CommandContext(ctx, f.cfg.Path, f.Args()...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	f.logger.Infow("ffmpeg capture started", "device", f.cfg.Device, "format", f.cfg.Format, "channels", f.cfg.Channels)

	readErr := f.pump(stdout, ring)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return readErr
}

func (f *FFmpegSource) pump(r io.Reader, ring *Ring) error {
	buf := make([]byte, f.cfg.ChunkSamples*f.cfg.Channels*2)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if chunk := DecodeS16LE(buf[:n], f.cfg.Channels); len(chunk) > 0 {
				ring.Push(chunk)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ffmpeg output: %w", err)
		}
	}
}

// DecodeS16LE converts interleaved PCM into [sample][channel] floats in
// [-1, 1]. A trailing partial frame is dropped.
func DecodeS16LE(data []byte, channels int) [][]float64 {
	if channels <= 0 {
		return nil
	}
	frameBytes := channels * 2
	frames := len(data) / frameBytes
	out := make([][]float64, frames)
	for i := range out {
		row := make([]float64, channels)
		for c := range row {
			off := i*frameBytes + c*2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			row[c] = math.Max(-1, float64(v)/math.MaxInt16)
		}
		out[i] = row
	}
	return out
}
