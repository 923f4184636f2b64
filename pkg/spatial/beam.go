package spatial

import "math"

// BeamWeights returns one weight per channel for a uniform circular array,
// w_i = cos(theta - 2πi/n)·sin(phi), scaled so that Σ|w_i| == 1.
// A degenerate direction (zero sum or undefined angle) yields all zeros.
func BeamWeights(channels int, theta, phi float64) []float64 {
	if channels <= 0 {
		return []float64{}
	}
	weights := make([]float64, channels)
	if !finite(theta) || !finite(phi) {
		return weights
	}

	sinPhi := math.Sin(phi)
	var sum float64
	for i := range weights {
		channelAngle := twoPi * float64(i) / float64(channels)
		weights[i] = math.Cos(theta-channelAngle) * sinPhi
		sum += math.Abs(weights[i])
	}
	if sum == 0 || !finite(sum) {
		for i := range weights {
			weights[i] = 0
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// ApplyBeam sums each sample row across channels using weights.
// frame is indexed [sample][channel]; channels missing from a short row
// contribute nothing.
func ApplyBeam(frame [][]float64, weights []float64) []float64 {
	out := make([]float64, len(frame))
	for s, row := range frame {
		n := len(row)
		if len(weights) < n {
			n = len(weights)
		}
		var acc float64
		for c := 0; c < n; c++ {
			acc += row[c] * weights[c]
		}
		out[s] = acc
	}
	return out
}

// Channel extracts a single reference channel from a [sample][channel] frame.
func Channel(frame [][]float64, channel int) []float64 {
	out := make([]float64, len(frame))
	for s, row := range frame {
		if channel >= 0 && channel < len(row) {
			out[s] = row[channel]
		}
	}
	return out
}

// Orient returns frame as [sample][channel]. Collaborators sometimes deliver
// [channel][sample]; a block with fewer rows than columns is transposed.
func Orient(frame [][]float64) [][]float64 {
	if len(frame) == 0 || len(frame) >= len(frame[0]) {
		return frame
	}
	rows, cols := len(frame), len(frame[0])
	out := make([][]float64, cols)
	for s := range out {
		out[s] = make([]float64, rows)
		for c := 0; c < rows; c++ {
			if s < len(frame[c]) {
				out[s][c] = frame[c][s]
			}
		}
	}
	return out
}

// NormalizeAmplitude scales series so that max|x| == 1. Silence is returned
// unchanged.
func NormalizeAmplitude(series []float64) []float64 {
	out := make([]float64, len(series))
	copy(out, series)

	var peak float64
	for _, v := range series {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak == 0 || !finite(peak) {
		return out
	}
	for i := range out {
		out[i] /= peak
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
