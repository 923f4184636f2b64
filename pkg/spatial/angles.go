// Package spatial holds the beamforming math shared by the capture node and
// the operator: pixel to angle mapping, beam weights, channel summing,
// amplitude normalization and the single-pole low-pass filter.
package spatial

import "math"

const twoPi = 2 * math.Pi

// PlanarAngles maps a heatmap pixel linearly onto the sphere:
// theta = (x/width)*2π, phi = (y/height)*π.
// The operator side uses this mapping for its heatmap.
func PlanarAngles(x, y, width, height int) (theta, phi float64) {
	if width <= 0 || height <= 0 {
		return math.NaN(), math.NaN()
	}
	theta = float64(x) / float64(width) * twoPi
	phi = float64(y) / float64(height) * math.Pi
	return theta, phi
}

// PipeAngles maps a pixel to normalized pipe coordinates in [-1,1] and
// derives theta = atan2(y, x) and phi = acos(|(x,y)|). theta is wrapped into
// [0,2π). The capture node uses this mapping when steering the array.
func PipeAngles(x, y, width, height int) (theta, phi float64) {
	if width <= 0 || height <= 0 {
		return math.NaN(), math.NaN()
	}
	xn := clamp(float64(x)/float64(width)*2-1, -1, 1)
	yn := clamp(float64(y)/float64(height)*2-1, -1, 1)

	theta = math.Atan2(yn, xn)
	if theta < 0 {
		theta += twoPi
	}
	if theta >= twoPi {
		theta = 0
	}
	phi = math.Acos(clamp(math.Sqrt(xn*xn+yn*yn), 0, 1))
	return theta, phi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
