package daq

import (
	"sync/atomic"

	"leakrelay/internal/core/domain"
)

// HeatmapStore holds the latest heatmap frame. Frames are replaced whole and
// never mutated after Store.
type HeatmapStore struct {
	latest atomic.Pointer[domain.HeatmapFrame]
}

func (s *HeatmapStore) Store(f domain.HeatmapFrame) {
	s.latest.Store(&f)
}

// Heatmap returns the latest frame and whether one has been stored.
func (s *HeatmapStore) Heatmap() (domain.HeatmapFrame, bool) {
	f := s.latest.Load()
	if f == nil {
		return domain.HeatmapFrame{}, false
	}
	return *f, true
}
