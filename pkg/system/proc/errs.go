package proc

import "errors"

var (
	// ErrNoCPU indicates that /proc/stat had no per-CPU lines.
	ErrNoCPU = errors.New("proc: no cpu line")

	// ErrShortStat indicates a cpuN line with fewer fields than expected.
	ErrShortStat = errors.New("proc: short stat")
)
