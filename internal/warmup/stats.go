// Package warmup measures how steadily a stream delivers during its first
// seconds.
package warmup

import (
	"math"
	"time"
)

const (
	// rateStabilityThreshold is the largest allowed standard deviation of the
	// instantaneous rate, as a fraction of the mean rate.
	rateStabilityThreshold = 0.15

	// jitterStabilityThreshold is the largest allowed mean jitter, as a
	// fraction of the expected interval.
	jitterStabilityThreshold = 0.20
)

// RateStats describes arrival regularity.
type RateStats struct {
	Count    int
	Duration time.Duration
	Mean     float64 // events per second over Duration
	StdDev   float64 // of the instantaneous rate
	Min      float64
	Max      float64
	// Jitter is |interval - expected interval|, in seconds
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64
	Stable       bool
}

// Rate computes arrival statistics for times observed over total.
// A stream is stable when the rate deviation stays under 15% of the mean
// and the mean jitter under 20% of the expected interval.
func Rate(times []time.Time, total time.Duration) RateStats {
	st := RateStats{Count: len(times), Duration: total}
	if len(times) == 0 || total <= 0 {
		return st
	}
	st.Mean = float64(len(times)) / total.Seconds()

	intervals := make([]float64, 0, len(times)-1)
	rates := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		iv := times[i].Sub(times[i-1]).Seconds()
		intervals = append(intervals, iv)
		if iv > 0 {
			rates = append(rates, 1/iv)
		}
	}
	if len(rates) == 0 {
		return st
	}

	st.Min, st.Max = minMax(rates)
	st.StdDev = stdDevAround(rates, st.Mean)

	expected := 1 / st.Mean
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
	}
	st.JitterMean = mean(jitters)
	st.JitterStdDev = stdDevAround(jitters, st.JitterMean)
	_, st.JitterMax = minMax(jitters)

	st.Stable = st.StdDev < st.Mean*rateStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

// SkewStats describes the arrival offset between paired frames.
type SkewStats struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	Max    time.Duration
}

// Skew summarizes absolute arrival offsets.
func Skew(skews []time.Duration) SkewStats {
	st := SkewStats{Count: len(skews)}
	if len(skews) == 0 {
		return st
	}

	vals := make([]float64, len(skews))
	for i, s := range skews {
		if s < 0 {
			s = -s
		}
		vals[i] = float64(s)
	}
	m := mean(vals)
	_, mx := minMax(vals)
	st.Mean = time.Duration(m)
	st.StdDev = time.Duration(stdDevAround(vals, m))
	st.Max = time.Duration(mx)
	return st
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdDevAround(vals []float64, center float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		d := v - center
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
