// Package rapl encodes and programs Running Average Power Limit registers:
// the unit register, PERF_CTL frequency/turbo control, and the two-level
// package power limit.
package rapl

import "math"

// Units are the fixed-point scales decoded from RAPL_POWER_UNIT (0x606).
type Units struct {
	Power  float64 // Watts per LSB
	Energy float64 // Joules per LSB
	Time   float64 // seconds per LSB
}

// DecodeUnits splits the unit register:
//   - bits 3:0   power unit   1/2^p W
//   - bits 12:8  energy unit  1/2^e J
//   - bits 19:16 time unit    1/2^t s
func DecodeUnits(raw uint64) Units {
	p := raw & 0xF
	e := (raw >> 8) & 0x1F
	t := (raw >> 16) & 0xF
	return Units{
		Power:  1 / float64(uint64(1)<<p),
		Energy: 1 / float64(uint64(1)<<e),
		Time:   1 / float64(uint64(1)<<t),
	}
}

const (
	ratioMask      = 0xFFFF
	turboDisengage = uint64(1) << 32
)

// PerfControl returns PERF_CTL with the target ratio replaced by freq and the
// turbo-disengage bit cleared (turbo on) or set (turbo off). All other bits of
// old are preserved.
func PerfControl(old, freq uint64, turbo bool) uint64 {
	v := old&^(ratioMask|turboDisengage) | freq&ratioMask
	if !turbo {
		v |= turboDisengage
	}
	return v
}

// Field widths of one power-limit half. Encoded limits are kept to bits
// 13:0; the register field is read back through bits 14:0.
const (
	PowerFieldMax  = 0x3FFF
	powerFieldMask = 0x7FFF
	WindowFieldMax = 0x7F // bits 23:17
	windowYMax     = 0x1F
)

// EncodePower converts watts to the limit field, floor(watts/unit). Values
// above PowerFieldMax are clamped to it and reported.
func EncodePower(watts, unit float64) (field uint64, clamped bool) {
	if watts <= 0 || unit <= 0 {
		return 0, watts < 0
	}
	v := math.Floor(watts / unit)
	if v > PowerFieldMax {
		return PowerFieldMax, true
	}
	return uint64(v), false
}

// DecodePower is the inverse of EncodePower.
func DecodePower(field uint64, unit float64) float64 {
	return float64(field&powerFieldMask) * unit
}

// EncodeTimeWindow converts seconds to the y|x<<5 window encoding, where the
// window is 2^y * (1 + x/4) time units. x is picked from the fractional part
// f of log2(seconds/unit): f<=0.15 -> 0, <=0.45 -> 1, <=0.7 -> 2, else 3.
// Windows shorter than one unit encode as zero; windows whose exponent does
// not fit are clamped to WindowFieldMax and reported.
func EncodeTimeWindow(seconds, unit float64) (field uint64, clamped bool) {
	if seconds <= 0 || unit <= 0 {
		return 0, seconds < 0
	}
	l := math.Log2(seconds / unit)
	if l < 0 {
		return 0, true
	}
	y := math.Floor(l)
	f := l - y
	var x uint64
	switch {
	case f <= 0.15:
		x = 0
	case f <= 0.45:
		x = 1
	case f <= 0.7:
		x = 2
	default:
		x = 3
	}
	if y > windowYMax {
		return WindowFieldMax, true
	}
	return uint64(y) | x<<5, false
}

// DecodeTimeWindow returns the window in seconds.
func DecodeTimeWindow(field uint64, unit float64) float64 {
	y := field & windowYMax
	x := (field >> 5) & 0x3
	return math.Ldexp(1+float64(x)/4, int(y)) * unit
}

// Limit is one half of PKG_POWER_LIMIT.
type Limit struct {
	Power  uint64 // bits 14:0
	Enable bool   // bit 15
	Clamp  bool   // bit 16
	Window uint64 // bits 23:17
}

func (l Limit) pack() uint64 {
	v := l.Power&powerFieldMask | (l.Window&WindowFieldMax)<<17
	if l.Enable {
		v |= 1 << 15
	}
	if l.Clamp {
		v |= 1 << 16
	}
	return v
}

func unpack(v uint64) Limit {
	return Limit{
		Power:  v & powerFieldMask,
		Enable: v&(1<<15) != 0,
		Clamp:  v&(1<<16) != 0,
		Window: (v >> 17) & WindowFieldMax,
	}
}

// PackLimits assembles PKG_POWER_LIMIT: primary in the low 32 bits, secondary
// in the high 32 bits.
func PackLimits(primary, secondary Limit) uint64 {
	return primary.pack() | secondary.pack()<<32
}

// UnpackLimits splits PKG_POWER_LIMIT into its two halves.
func UnpackLimits(v uint64) (primary, secondary Limit) {
	return unpack(v & 0xFFFFFFFF), unpack(v >> 32)
}
