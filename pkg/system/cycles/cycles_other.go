//go:build !amd64

package cycles

import (
	"sync/atomic"
	"time"
)

var (
	epoch = time.Now()
	fence atomic.Uint64
)

// Without a TSC, nanoseconds since process start stand in for cycles.
func now() uint64 { return uint64(time.Since(epoch).Nanoseconds()) }

func serialize() { fence.Add(1) }
