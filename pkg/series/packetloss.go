package series

import (
	"math"

	"github.com/vjranagit/serverwatch/pkg/types"
)

// Delay thresholds in milliseconds.
const (
	timeoutThreshold      = 3000
	extremeDelayThreshold = 10000
	lossAlpha             = 0.3
)

// EstimatePacketLoss derives a packet loss percentage for every delay sample.
//
// The result is a heuristic proxy computed from the shape of the delay signal,
// not a measured loss rate: a zero delay counts as a timeout, very high delays map
// onto a saturating loss, and jitter in the neighbourhood of a sample (its
// coefficient of variation) raises the estimate. Consecutive estimates are blended
// with an EWMA so one noisy point does not dominate.
//
// The output has the length of the input and every element lies in [0, 100],
// rounded to two decimals.
func EstimatePacketLoss(delays []float64) []float64 {
	vals := make([]*float64, len(delays))
	for i := range delays {
		vals[i] = types.Float(delays[i])
	}
	return estimate(vals)
}

// EstimateSampleLoss is EstimatePacketLoss over sample values. A nil value is
// treated as a timeout.
func EstimateSampleLoss(samples []types.Sample) []float64 {
	vals := make([]*float64, len(samples))
	for i := range samples {
		vals[i] = samples[i].Value
	}
	return estimate(vals)
}

func estimate(delays []*float64) []float64 {
	n := len(delays)
	rates := make([]float64, 0, n)
	if n == 0 {
		return rates
	}

	windowSize := min(10, max(3, n/10))
	half := windowSize / 2
	halfUp := (windowSize + 1) / 2

	for i := 0; i < n; i++ {
		var loss float64

		switch d := delayAt(delays, i); {
		case d == 0:
			loss = 100
		case d >= extremeDelayThreshold:
			loss = math.Min(95, 60+(d-extremeDelayThreshold)/1000)
		case d >= timeoutThreshold:
			loss = math.Min(50, (d-timeoutThreshold)/200)
		default:
			loss = jitterLoss(delays, max(0, i-half), min(n, i+halfUp), d)
		}

		if i > 0 {
			loss = lossAlpha*loss + (1-lossAlpha)*rates[i-1]
		}

		rates = append(rates, math.Max(0, math.Min(100, loss)))
	}

	for i := range rates {
		rates[i] = round2(rates[i])
	}

	return rates
}

// delayAt returns the delay at i, or 0 for missing and non-finite values.
func delayAt(delays []*float64, i int) float64 {
	d := delays[i]
	if d == nil || math.IsNaN(*d) || math.IsInf(*d, 0) {
		return 0
	}
	return *d
}

// jitterLoss scores the positive delays in [start, end) around current.
func jitterLoss(delays []*float64, start, end int, current float64) float64 {
	window := make([]float64, 0, end-start)
	for j := start; j < end; j++ {
		if d := delayAt(delays, j); d > 0 {
			window = append(window, d)
		}
	}
	if len(window) <= 2 {
		return 0
	}

	var sum float64
	for _, d := range window {
		sum += d
	}
	mean := sum / float64(len(window))

	var variance float64
	for _, d := range window {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(window))

	cv := math.Sqrt(variance) / mean

	var loss float64
	switch {
	case cv > 0.8:
		loss = math.Min(25, cv*15)
	case cv > 0.5:
		loss = math.Min(10, cv*8)
	case cv > 0.3:
		loss = math.Min(5, cv*5)
	}

	if current > mean*2.5 {
		loss += math.Min(15, (current/mean-2.5)*10)
	}

	return loss
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
