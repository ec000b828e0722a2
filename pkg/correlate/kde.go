package correlate

import "math"

// No statistics dependency here on purpose: the engine needs exactly one
// 1-D Gaussian kernel density evaluation, which is a dozen lines.

const minBandwidth = 1e-3

// silvermanBandwidth is Silverman's rule-of-thumb bandwidth for a 1-D
// Gaussian KDE, floored so degenerate samples stay numerically stable.
func silvermanBandwidth(samples []float64) float64 {
	n := float64(len(samples))
	if n < 2 {
		return minBandwidth
	}
	var sum, sumSq float64
	for _, s := range samples {
		sum += s
		sumSq += s * s
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	bw := 1.06 * math.Sqrt(variance) * math.Pow(n, -0.2)
	if bw < minBandwidth {
		bw = minBandwidth
	}
	return bw
}

// kdeAt evaluates a Gaussian kernel density estimate over the samples at x.
func kdeAt(samples []float64, bandwidth, x float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	norm := 1 / (float64(len(samples)) * bandwidth * math.Sqrt(2*math.Pi))
	var density float64
	for _, s := range samples {
		z := (x - s) / bandwidth
		density += math.Exp(-0.5 * z * z)
	}
	return norm * density
}
