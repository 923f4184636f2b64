package domain

import (
	"fmt"
	"time"
)

// Mode selects what the capture node streams for a selected pixel.
type Mode string

const (
	ModeRaw       Mode = "raw"
	ModeProcessed Mode = "processed"
)

// ParseMode accepts the empty string as processed.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeProcessed:
		return ModeProcessed, nil
	case ModeRaw:
		return ModeRaw, nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidMode, s)
	}
}

// Grid is the heatmap geometry: Width columns by Height rows.
type Grid struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// DefaultGrid matches the operator display of 50x5 cells.
var DefaultGrid = Grid{Width: 50, Height: 5}

// Contains reports whether p is a cell of the grid.
func (g Grid) Contains(p Pixel) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.Width && p.Y < g.Height
}

// Pixel is a heatmap cell, X across the width and Y down the height.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Pixel) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Selection is the pixel and mode an operator asked to listen to.
type Selection struct {
	Pixel Pixel
	Mode  Mode
}

// HeatmapFrame is a snapshot of directional energy, indexed [row][col].
type HeatmapFrame struct {
	Cells     [][]float64
	Timestamp time.Time
}

// Dimensions returns the grid implied by the frame.
func (f HeatmapFrame) Dimensions() Grid {
	if len(f.Cells) == 0 {
		return Grid{}
	}
	return Grid{Width: len(f.Cells[0]), Height: len(f.Cells)}
}

// Chunk is an immutable block of microphone samples indexed [sample][channel].
type Chunk struct {
	Seq     uint64
	Samples [][]float64
}

// AudioSnapshot is the one-shot buffer returned for a getAudioData request.
// Empty slices mean no data has been captured yet.
type AudioSnapshot struct {
	Pixel    Pixel
	Raw      []float64
	Filtered []float64
}

// Ready reports whether the snapshot carries audio.
func (s AudioSnapshot) Ready() bool {
	return len(s.Raw) > 0 || len(s.Filtered) > 0
}
