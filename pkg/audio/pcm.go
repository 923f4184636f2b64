// Package audio converts beamformed sample series into the forms the relay
// carries and the operator plays: 8 kHz µ-law for the media track, PCM16
// and WAV for playback.
package audio

import (
	"math"

	"leakrelay/pkg/spatial"

	"github.com/zaf/g711"
)

// TrackRate is the clock rate of the PCMU media track.
const TrackRate = 8000

// ToPCM16 clips series to [-1,1] and scales it to signed 16-bit.
func ToPCM16(series []float64) []int16 {
	out := make([]int16, len(series))
	for i, v := range spatial.Clip(series) {
		out[i] = int16(math.Round(v * math.MaxInt16))
	}
	return out
}

// FromPCM16 scales signed 16-bit samples back into [-1,1].
func FromPCM16(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	for i, v := range pcm {
		out[i] = float64(v) / math.MaxInt16
	}
	return out
}

// EncodePCMU returns one µ-law byte per sample.
func EncodePCMU(series []float64) []byte {
	pcm := ToPCM16(series)
	out := make([]byte, len(pcm))
	for i, v := range pcm {
		out[i] = g711.EncodeUlawFrame(v)
	}
	return out
}

// DecodePCMU expands a µ-law payload into samples in [-1,1].
func DecodePCMU(payload []byte) []float64 {
	pcm := make([]int16, len(payload))
	for i, b := range payload {
		pcm[i] = g711.DecodeUlawFrame(b)
	}
	return FromPCM16(pcm)
}

// ChunkResampler converts a live stream between sample rates one chunk at a
// time by linear interpolation. Phase and the last input sample carry over to
// the next chunk, so chunk boundaries do not click. One resampler per stream.
type ChunkResampler struct {
	step float64 // input samples per output sample
	pos  float64 // next output position; -1 is the previous chunk's last sample
	prev float64
}

// NewChunkResampler returns a resampler from one rate to another. Invalid
// rates resample 1:1.
func NewChunkResampler(from, to int) *ChunkResampler {
	step := 1.0
	if from > 0 && to > 0 {
		step = float64(from) / float64(to)
	}
	return &ChunkResampler{step: step}
}

// Process resamples chunk, continuing from the previous call.
func (r *ChunkResampler) Process(chunk []float64) []float64 {
	if len(chunk) == 0 {
		return []float64{}
	}
	last := float64(len(chunk) - 1)
	out := make([]float64, 0, int(float64(len(chunk))/r.step)+1)
	for ; r.pos <= last; r.pos += r.step {
		i := int(math.Floor(r.pos))
		a, b := r.at(chunk, i), r.at(chunk, i+1)
		out = append(out, a+(b-a)*(r.pos-float64(i)))
	}
	r.prev = chunk[len(chunk)-1]
	r.pos -= float64(len(chunk))
	return out
}

func (r *ChunkResampler) at(chunk []float64, i int) float64 {
	switch {
	case i < 0:
		return r.prev
	case i >= len(chunk):
		return chunk[len(chunk)-1]
	}
	return chunk[i]
}

// Streamer plays a mono series as a beep stream, duplicating it on both sides.
type Streamer struct {
	samples []float64
	pos     int
}

// NewStreamer wraps samples without copying them.
func NewStreamer(samples []float64) *Streamer {
	return &Streamer{samples: samples}
}

func (s *Streamer) Stream(buf [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy2(buf, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *Streamer) Err() error { return nil }

func copy2(dst [][2]float64, src []float64) int {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i][0] = src[i]
		dst[i][1] = src[i]
	}
	return n
}
