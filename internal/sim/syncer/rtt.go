package syncer

import (
	"math"
	"time"
)

const (
	DefaultRTTAlpha = 0.875
	DefaultRTTBeta  = 0.75
)

// rttEstimator smooths round-trip samples. The first sample seeds the mean
// with itself and the variance with half of it.
type rttEstimator struct {
	alpha float64
	beta  float64

	seeded   bool
	mean     float64
	variance float64
}

func newRTTEstimator(alpha, beta float64) rttEstimator {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultRTTAlpha
	}
	if beta <= 0 || beta >= 1 {
		beta = DefaultRTTBeta
	}
	return rttEstimator{alpha: alpha, beta: beta}
}

func (r *rttEstimator) Observe(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	x := float64(sample)
	if !r.seeded {
		r.seeded = true
		r.mean = x
		r.variance = x / 2
		return
	}
	dev := math.Abs(x - r.mean)
	r.mean = r.alpha*r.mean + (1-r.alpha)*x
	r.variance = r.beta*r.variance + (1-r.beta)*dev
}

func (r *rttEstimator) Mean() time.Duration     { return time.Duration(r.mean) }
func (r *rttEstimator) Variance() time.Duration { return time.Duration(r.variance) }
