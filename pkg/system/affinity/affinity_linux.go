//go:build linux

// Package affinity pins the calling goroutine's OS thread to one CPU.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// cpuSetSize is the bit width of unix.CPUSet (glibc CPU_SETSIZE).
const cpuSetSize = 1024

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to cpu. The lock is never released; the goroutine is expected to own the
// thread for the rest of its life.
func Pin(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("affinity: negative cpu %d", cpu)
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

// Current returns the CPUs the calling thread may run on.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("affinity: get: %w", err)
	}
	var out []int
	for i := 0; i < cpuSetSize && len(out) < set.Count(); i++ {
		if set.IsSet(i) {
			out = append(out, i)
		}
	}
	return out, nil
}
