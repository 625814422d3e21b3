//go:build linux

// Package proc reads per-CPU time accounting from /proc/stat, used to confirm
// that pinned workers actually keep their CPUs busy.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ja7ad/corestress/pkg/system/util"
)

// DefaultStat is the kernel's CPU accounting file.
const DefaultStat = "/proc/stat"

// PageSize returns the system memory page size in bytes. The PAGE_SIZE env
// var overrides it, which eases testing.
func PageSize() int {
	if ps := os.Getenv("PAGE_SIZE"); ps != "" {
		if v, _ := strconv.Atoi(ps); v > 0 {
			return v
		}
	}
	return os.Getpagesize()
}

// CPUTimes are jiffy counters for one CPU.
//   - Active: user + nice + system + irq + softirq + steal
//   - Total:  Active + idle + iowait
type CPUTimes struct {
	Active uint64
	Total  uint64
}

// Utilization is the busy fraction between two readings, in [0,1].
func Utilization(prev, now CPUTimes) float64 {
	da := util.DeltaU64(now.Active, prev.Active)
	dt := util.DeltaU64(now.Total, prev.Total)
	return util.Clamp01(util.SafeDiv(float64(da), float64(dt)))
}

// ReadCPUTimes parses the per-CPU "cpuN" lines of a /proc/stat file.
func ReadCPUTimes(path string) (map[int]CPUTimes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCPUTimes(f)
}

// ParseCPUTimes is ReadCPUTimes over an arbitrary reader. The aggregate
// "cpu" line is skipped.
func ParseCPUTimes(r io.Reader) (map[int]CPUTimes, error) {
	out := map[int]CPUTimes{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fs := strings.Fields(sc.Text())
		if len(fs) == 0 || !strings.HasPrefix(fs[0], "cpu") || fs[0] == "cpu" {
			continue
		}
		id, err := strconv.Atoi(fs[0][3:])
		if err != nil {
			continue
		}
		if len(fs) < 9 {
			return nil, fmt.Errorf("%w: %s", ErrShortStat, fs[0])
		}
		var vals [8]uint64
		for i := range vals {
			vals[i], _ = strconv.ParseUint(fs[i+1], 10, 64)
		}
		active := vals[0] + vals[1] + vals[2] + vals[5] + vals[6] + vals[7]
		out[id] = CPUTimes{Active: active, Total: active + vals[3] + vals[4]}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoCPU
	}
	return out, nil
}
