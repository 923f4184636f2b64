package daq

import (
	"testing"

	"leakrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(v float64, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = []float64{v, -v}
	}
	return out
}

func TestRing_SinceReturnsNewChunksInOrder(t *testing.T) {
	r := NewRing(4, 2, 44100)
	assert.Equal(t, uint64(0), r.Head())

	r.Push(chunk(1, 2))
	r.Push(chunk(2, 2))

	chunks, cursor := r.Since(0)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(1), chunks[0].Seq)
	assert.Equal(t, uint64(2), chunks[1].Seq)
	assert.Equal(t, uint64(2), cursor)

	chunks, cursor = r.Since(cursor)
	assert.Empty(t, chunks)
	assert.Equal(t, uint64(2), cursor)
}

func TestRing_SlowReaderSkipsOverwritten(t *testing.T) {
	r := NewRing(3, 2, 44100)
	for i := 1; i <= 10; i++ {
		r.Push(chunk(float64(i), 1))
	}

	chunks, cursor := r.Since(2)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(8), chunks[0].Seq)
	assert.Equal(t, 10.0, chunks[2].Samples[0][0])
	assert.Equal(t, uint64(10), cursor)
}

func TestRing_Latest(t *testing.T) {
	r := NewRing(8, 2, 44100)
	assert.Nil(t, r.Latest(4))

	r.Push(chunk(1, 3))
	r.Push(chunk(2, 3))

	latest := r.Latest(4)
	require.Len(t, latest, 4)
	assert.Equal(t, 1.0, latest[0][0])
	assert.Equal(t, 2.0, latest[3][0])

	assert.Len(t, r.Latest(100), 6)
	assert.Equal(t, 2, r.Channels())
	assert.Equal(t, 44100, r.SampleRate())
}

func TestHeatmapStore(t *testing.T) {
	var s HeatmapStore
	_, ok := s.Heatmap()
	assert.False(t, ok)

	s.Store(domain.HeatmapFrame{Cells: [][]float64{{0, 1}, {1, 0}, {0, 0}}})
	f, ok := s.Heatmap()
	require.True(t, ok)
	assert.Equal(t, domain.Grid{Width: 2, Height: 3}, f.Dimensions())
}
