package daq

import (
	"context"
	"math"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/pkg/spatial"
)

// scanSamples bounds how much history each heatmap scan looks at.
const scanSamples = 512

// Scanner estimates a heatmap by steering the beam at every cell and
// measuring the RMS of the result.
type Scanner struct {
	grid    domain.Grid
	weights [][]float64 // [cell][channel], row-major
}

func NewScanner(grid domain.Grid, channels int) *Scanner {
	s := &Scanner{grid: grid, weights: make([][]float64, grid.Width*grid.Height)}
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			theta, phi := spatial.PipeAngles(x, y, grid.Width, grid.Height)
			s.weights[y*grid.Width+x] = spatial.BeamWeights(channels, theta, phi)
		}
	}
	return s
}

// Scan computes a frame from samples indexed [sample][channel].
func (s *Scanner) Scan(samples [][]float64) domain.HeatmapFrame {
	if len(samples) > scanSamples {
		samples = samples[len(samples)-scanSamples:]
	}
	cells := make([][]float64, s.grid.Height)
	for y := range cells {
		cells[y] = make([]float64, s.grid.Width)
		for x := range cells[y] {
			cells[y][x] = rms(spatial.ApplyBeam(samples, s.weights[y*s.grid.Width+x]))
		}
	}
	return domain.HeatmapFrame{Cells: cells, Timestamp: time.Now()}
}

// Run rescans the latest ring contents every interval until ctx ends.
func (s *Scanner) Run(ctx context.Context, ring *Ring, store *HeatmapStore, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			latest := ring.Latest(scanSamples)
			if len(latest) == 0 {
				continue
			}
			store.Store(s.Scan(latest))
		}
	}
}

func rms(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(series)))
}
