// Package util holds the small counter and ratio helpers shared by the
// telemetry and monitoring code.
package util

import "math"

// EMA is an exponential moving average. The first sample seeds it.
type EMA struct {
	alpha, prev float64
	ok          bool
}

func NewEMA(alpha float64) *EMA { return &EMA{alpha: alpha} }

func (e *EMA) Next(v float64) float64 {
	if !e.ok {
		e.prev, e.ok = v, true
		return v
	}
	e.prev = e.alpha*v + (1-e.alpha)*e.prev
	return e.prev
}

// Value returns the current average, zero before the first sample.
func (e *EMA) Value() float64 { return e.prev }

// DeltaU64 is now-prev for a monotonic counter, zero when now < prev
// (counter reset or prev unset).
func DeltaU64(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	return 0
}

// DeltaWrap is now-prev for a counter that wraps at max (exclusive). A
// reading below the previous one means exactly one wrap.
func DeltaWrap(now, prev, max uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	return now + max - prev
}

func SafeDiv(n, d float64) float64 {
	const eps = 1e-12
	if d > eps || d < -eps {
		return n / d
	}
	return 0
}

func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	// NaN
	if math.IsNaN(x) {
		return 0
	}
	return x
}
