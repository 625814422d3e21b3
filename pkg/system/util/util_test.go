package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMA_SequenceAlphaPointFive(t *testing.T) {
	e := NewEMA(0.5)
	assert.Zero(t, e.Value())
	got := []float64{e.Next(10), e.Next(20), e.Next(20), e.Next(40)}

	want := []float64{10, 15, 17.5, 28.75}
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "i=%d", i)
	}
	assert.InDelta(t, 28.75, e.Value(), 1e-9)
}

func TestEMA_ClosedFormMatch(t *testing.T) {
	const alpha, target, steps = 0.3, 100.0, 50

	e := NewEMA(alpha)
	_ = e.Next(0.0)
	var out float64
	for i := 0; i < steps; i++ {
		out = e.Next(target)
	}
	// y_n = target * (1 - (1-alpha)^n)
	want := target * (1 - math.Pow(1-alpha, steps))
	assert.InDelta(t, want, out, 1e-6)
}

func TestDeltaU64(t *testing.T) {
	assert.Equal(t, uint64(5), DeltaU64(15, 10))
	assert.Zero(t, DeltaU64(10, 10))
	assert.Zero(t, DeltaU64(3, 10), "reset reads as zero")
}

func TestDeltaWrap(t *testing.T) {
	const max = uint64(1) << 32
	cases := []struct {
		name            string
		now, prev, want uint64
	}{
		{"forward", 1500, 1000, 500},
		{"equal", 7, 7, 0},
		{"wrapped", 100, max - 50, 150},
		{"wrapped_to_zero", 0, max - 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeltaWrap(tc.now, tc.prev, max))
		})
	}
}

func TestSafeDiv(t *testing.T) {
	assert.Equal(t, 2.5, SafeDiv(5, 2))
	assert.Zero(t, SafeDiv(5, 0))
	assert.Zero(t, SafeDiv(5, 1e-13))
	assert.Equal(t, -2.0, SafeDiv(4, -2))
}

func TestClamp01(t *testing.T) {
	assert.Zero(t, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.25, Clamp01(0.25))
	assert.Zero(t, Clamp01(math.NaN()))
}
