package ports

import (
	"context"

	"leakrelay/internal/core/domain"
)

// FrameSource is the live microphone-array stream. Chunks are immutable once
// published and are indexed [sample][channel].
type FrameSource interface {
	// Since returns chunks published after cursor and the cursor to pass next time.
	Since(cursor uint64) ([]*domain.Chunk, uint64)
	// Latest returns up to n of the most recent samples.
	Latest(n int) [][]float64
	Channels() int
	SampleRate() int
}

// HeatmapSource exposes the latest directional-energy grid.
type HeatmapSource interface {
	Heatmap() (domain.HeatmapFrame, bool)
}

// PlaybackService is the collaborator playback API used by the operator CLI.
type PlaybackService interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	SelectPixel(ctx context.Context, p domain.Pixel) (domain.AudioSnapshot, int, error)
	DeselectPixel(ctx context.Context, p domain.Pixel) error
	Play(ctx context.Context, p domain.Pixel) (bool, error)
}

// Player renders a mono sample series for the operator.
type Player interface {
	Play(ctx context.Context, name string, samples []float64, sampleRate int) error
}
