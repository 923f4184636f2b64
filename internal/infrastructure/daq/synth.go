package daq

import (
	"context"
	"math"
	"math/rand"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/pkg/spatial"
)

// SynthConfig describes a simulated leak.
type SynthConfig struct {
	Channels     int
	SampleRate   int
	Grid         domain.Grid
	Source       domain.Pixel
	ToneHz       float64
	Noise        float64
	ChunkSamples int
	Seed         int64
}

// Synth generates an array recording of a tone arriving from one pixel's
// direction plus white noise.
type Synth struct {
	cfg   SynthConfig
	gains []float64
	rng   *rand.Rand
	n     int64
}

func NewSynth(cfg SynthConfig) *Synth {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = cfg.SampleRate / 10
	}
	theta, phi := spatial.PipeAngles(cfg.Source.X, cfg.Source.Y, cfg.Grid.Width, cfg.Grid.Height)
	gains := spatial.NormalizeAmplitude(spatial.BeamWeights(cfg.Channels, theta, phi))
	return &Synth{
		cfg:   cfg,
		gains: gains,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Next returns the next chunk indexed [sample][channel].
func (s *Synth) Next() [][]float64 {
	out := make([][]float64, s.cfg.ChunkSamples)
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)
	for i := range out {
		tone := 0.5 * math.Sin(step*float64(s.n))
		s.n++
		row := make([]float64, s.cfg.Channels)
		for c := range row {
			row[c] = s.gains[c]*tone + s.cfg.Noise*(2*s.rng.Float64()-1)
		}
		out[i] = row
	}
	return out
}

// ChunkDuration is the wall-clock span of one chunk.
func (s *Synth) ChunkDuration() time.Duration {
	return time.Duration(float64(s.cfg.ChunkSamples) / float64(s.cfg.SampleRate) * float64(time.Second))
}

// Run pushes chunks into ring at real-time pace until ctx ends.
func (s *Synth) Run(ctx context.Context, ring *Ring) error {
	ticker := time.NewTicker(s.ChunkDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ring.Push(s.Next())
		}
	}
}
