package daq

import (
	"sync/atomic"

	"leakrelay/internal/core/domain"
)

// Ring is a single-producer, multi-consumer buffer of microphone chunks.
// Push never waits for readers; a reader that falls more than the capacity
// behind skips the chunks that were overwritten.
type Ring struct {
	slots      []atomic.Pointer[domain.Chunk]
	head       atomic.Uint64
	channels   int
	sampleRate int
}

// NewRing creates a ring holding up to capacity chunks.
func NewRing(capacity, channels, sampleRate int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		slots:      make([]atomic.Pointer[domain.Chunk], capacity),
		channels:   channels,
		sampleRate: sampleRate,
	}
}

// Push publishes samples ([sample][channel]) as the next chunk and returns its
// sequence number. The ring takes ownership of samples; the caller must not
// modify them afterwards. Only one goroutine may call Push.
func (r *Ring) Push(samples [][]float64) uint64 {
	seq := r.head.Load() + 1
	r.slots[seq%uint64(len(r.slots))].Store(&domain.Chunk{Seq: seq, Samples: samples})
	r.head.Store(seq)
	return seq
}

// Head is the sequence number of the newest chunk, 0 when empty.
func (r *Ring) Head() uint64 {
	return r.head.Load()
}

// Since returns the chunks published after cursor, oldest first, and the new
// cursor.
func (r *Ring) Since(cursor uint64) ([]*domain.Chunk, uint64) {
	head := r.head.Load()
	if head <= cursor {
		return nil, head
	}
	capacity := uint64(len(r.slots))
	start := cursor + 1
	if head-cursor > capacity {
		start = head - capacity + 1
	}

	out := make([]*domain.Chunk, 0, head-start+1)
	for seq := start; seq <= head; seq++ {
		c := r.slots[seq%capacity].Load()
		if c == nil || c.Seq != seq {
			continue
		}
		out = append(out, c)
	}
	return out, head
}

// Latest returns up to n of the most recent samples, oldest first.
func (r *Ring) Latest(n int) [][]float64 {
	if n <= 0 {
		return nil
	}
	head := r.head.Load()
	capacity := uint64(len(r.slots))

	var chunks []*domain.Chunk
	total := 0
	for seq := head; seq > 0 && head-seq < capacity && total < n; seq-- {
		c := r.slots[seq%capacity].Load()
		if c == nil || c.Seq != seq {
			break
		}
		chunks = append(chunks, c)
		total += len(c.Samples)
	}

	out := make([][]float64, 0, min(n, total))
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i].Samples...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (r *Ring) Channels() int   { return r.channels }
func (r *Ring) SampleRate() int { return r.sampleRate }
