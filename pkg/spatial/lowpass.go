package spatial

import "math"

// Alpha is the smoothing factor of a single-pole RC low-pass filter.
func Alpha(sampleRate, cutoffHz float64) float64 {
	rc := 1 / (twoPi * cutoffHz)
	dt := 1 / sampleRate
	return dt / (rc + dt)
}

// LowPass runs a first-order RC filter over series:
// out[0] = in[0], out[i] = α·in[i] + (1-α)·out[i-1].
// Invalid rates return an unfiltered copy.
func LowPass(series []float64, sampleRate, cutoffHz float64) []float64 {
	var st LowPassState
	return st.Apply(series, sampleRate, cutoffHz)
}

// LowPassState carries the filter memory between chunks of one stream.
// The zero value is a fresh filter. It is not safe for concurrent use; each
// selection owns its own state.
type LowPassState struct {
	prev   float64
	primed bool
}

// Apply filters series, continuing from the previous call.
func (st *LowPassState) Apply(series []float64, sampleRate, cutoffHz float64) []float64 {
	out := make([]float64, len(series))
	if sampleRate <= 0 || cutoffHz <= 0 || !finite(sampleRate) || !finite(cutoffHz) {
		copy(out, series)
		return out
	}
	alpha := Alpha(sampleRate, cutoffHz)
	for i, v := range series {
		if !st.primed {
			out[i] = v
			st.primed = true
		} else {
			out[i] = alpha*v + (1-alpha)*st.prev
		}
		st.prev = out[i]
	}
	return out
}

// Reset clears the filter memory.
func (st *LowPassState) Reset() {
	st.prev = 0
	st.primed = false
}

// Clip bounds every sample to [-1,1].
func Clip(series []float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = math.Max(-1, math.Min(1, v))
	}
	return out
}
