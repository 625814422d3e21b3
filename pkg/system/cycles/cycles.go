// Package cycles reads the time-stamp counter and issues serializing fences
// around timed regions.
package cycles

// Now returns the current time-stamp counter.
func Now() uint64 { return now() }

// Serialize drains the store buffer and serializes the instruction stream
// (MFENCE; CPUID on amd64).
func Serialize() { serialize() }
