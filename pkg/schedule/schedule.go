// Package schedule implements the duty-cycle state machine that alternates a
// worker between the heavy compute kernel and the light integer workload.
package schedule

import (
	"fmt"

	"go.uber.org/multierr"
)

// Catalog constants: heavy and light sub-states of one cycle.
const (
	HighStates = 6
	LowStates  = 2
)

// Workload selects what one iteration runs.
type Workload uint8

const (
	Heavy Workload = 0 // compute kernel, followed by the low-load function
	Light Workload = 1 // integer micro-workload
)

func (w Workload) String() string {
	if w == Light {
		return "light"
	}
	return "heavy"
}

// DutyCycle is the scheduler configuration. Duty/Partitions iterations make
// up one sub-state; Duty/4 iterations make up one sampling interval.
type DutyCycle struct {
	Duty       uint64
	Partitions uint64
	High       uint64
	Low        uint64

	advance uint64
	sample  uint64
	state   uint64
}

// Tick is what Step decided for one iteration.
type Tick struct {
	Advanced bool     // state moved this iteration
	Sample   bool     // barrier + energy sample due
	Workload Workload // what to run
	State    uint64
}

// New validates and returns a scheduler in state 0. Intervals that would be
// zero are raised to 1 and reported through an error wrapping
// ErrIntervalClamped, one per clamped interval; the returned scheduler is
// usable either way.
func New(duty, partitions uint64) (*DutyCycle, error) {
	d := &DutyCycle{Duty: duty, Partitions: partitions, High: HighStates, Low: LowStates}
	var err error
	if partitions == 0 {
		d.Partitions = 1
		err = multierr.Append(err, fmt.Errorf("%w: partitions=0", ErrIntervalClamped))
	}
	d.advance = d.Duty / d.Partitions
	if d.advance < 1 {
		d.advance = 1
		err = multierr.Append(err, fmt.Errorf("%w: duty/partitions=%d/%d", ErrIntervalClamped, duty, d.Partitions))
	}
	d.sample = d.Duty / 4
	if d.sample < 1 {
		d.sample = 1
		err = multierr.Append(err, fmt.Errorf("%w: duty/4=%d/4", ErrIntervalClamped, duty))
	}
	return d, err
}

// AdvanceEvery is the number of iterations per sub-state.
func (d *DutyCycle) AdvanceEvery() uint64 { return d.advance }

// SampleEvery is the number of iterations per sampling interval.
func (d *DutyCycle) SampleEvery() uint64 { return d.sample }

// Period is the length of one full cycle in iterations.
func (d *DutyCycle) Period() uint64 { return d.advance * (d.High + d.Low) }

// State is the current sub-state.
func (d *DutyCycle) State() uint64 { return d.state }

// Workload derives the workload of the current state.
func (d *DutyCycle) Workload() Workload {
	if d.state < d.High {
		return Heavy
	}
	return Light
}

// Step accounts for iteration iter (1-based) and returns what it should do.
func (d *DutyCycle) Step(iter uint64) Tick {
	var t Tick
	if iter%d.sample == 0 {
		t.Sample = true
	}
	if iter%d.advance == 0 {
		d.state = (d.state + 1) % (d.High + d.Low)
		t.Advanced = true
	}
	t.State = d.state
	t.Workload = d.Workload()
	return t
}
