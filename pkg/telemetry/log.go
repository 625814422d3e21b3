// Package telemetry samples per-iteration hardware counters into pre-sized
// logs, meters interval package power and summarizes socket state at the end
// of a run.
package telemetry

import (
	"fmt"

	"github.com/ja7ad/corestress/pkg/system/util"
)

// Sample is one iteration's measurement.
type Sample struct {
	Cycles   uint64 // TSC delta across the phase
	Retired  uint64 // instructions retired delta
	APERF    uint64
	MPERF    uint64
	Status   uint16 // low 16 bits of PERF_STATUS after the phase
	Flag     uint64 // reserved log column, always 0
	Workload uint8
	Payload  uint64 // result of the phase, keeps it from being elided
}

// Frequency is the effective frequency during the sample in the unit of
// maxFreq.
func (s Sample) Frequency(maxFreq float64) float64 {
	return util.SafeDiv(float64(s.APERF), float64(s.MPERF)) * maxFreq
}

// Log is a fixed-capacity array of samples indexed by iteration-1. It never
// grows.
type Log struct {
	samples []Sample
	filled  []bool
	n       int
}

// NewLog allocates room for exactly capacity samples.
func NewLog(capacity uint64) *Log {
	return &Log{
		samples: make([]Sample, capacity),
		filled:  make([]bool, capacity),
	}
}

// Put stores s for the 1-based iteration iter.
func (l *Log) Put(iter uint64, s Sample) error {
	if iter == 0 || iter > uint64(len(l.samples)) {
		return fmt.Errorf("%w: iteration %d, capacity %d", ErrIndexOutOfRange, iter, len(l.samples))
	}
	i := iter - 1
	if !l.filled[i] {
		l.filled[i] = true
		l.n++
	}
	l.samples[i] = s
	return nil
}

// At returns the sample of 1-based iteration iter.
func (l *Log) At(iter uint64) (Sample, bool) {
	if iter == 0 || iter > uint64(len(l.samples)) {
		return Sample{}, false
	}
	return l.samples[iter-1], l.filled[iter-1]
}

// Cap is the pre-sized capacity.
func (l *Log) Cap() int { return len(l.samples) }

// Filled is the number of populated entries.
func (l *Log) Filled() int { return l.n }

// Samples returns the backing array, populated or not.
func (l *Log) Samples() []Sample { return l.samples }

// Release drops the backing arrays.
func (l *Log) Release() {
	l.samples, l.filled, l.n = nil, nil, 0
}
