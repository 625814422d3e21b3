// Package msr is the register-access layer: reads and writes of x86
// model-specific registers addressed by (socket, core, thread).
package msr

import "fmt"

// Register is an MSR address.
type Register uint32

// Registers used by the workload loop and the power limiter.
const (
	MPERF          Register = 0xE7
	APERF          Register = 0xE8
	PerfStatus     Register = 0x198
	PerfCtl        Register = 0x199
	ThermStatus    Register = 0x19C // per-core IA32_THERM_STATUS
	PkgThermStatus Register = 0x1B1
	PkgThermInt    Register = 0x1B2
	TurboLimit0    Register = 0x1AD
	TurboLimit1    Register = 0x1AE
	TurboLimit2    Register = 0x1AF
	FixedCtr0      Register = 0x309 // instructions retired
	FixedCtrCtrl   Register = 0x38D
	RAPLUnit       Register = 0x606
	PkgPowerLimit  Register = 0x610
	PkgEnergy      Register = 0x611
	PkgPowerInfo   Register = 0x614
	PP0Energy      Register = 0x639
)

var names = map[Register]string{
	MPERF:          "MPERF",
	APERF:          "APERF",
	PerfStatus:     "PERF_STATUS",
	PerfCtl:        "PERF_CTL",
	ThermStatus:    "THERM_STATUS",
	PkgThermStatus: "PKG_THERM_STATUS",
	PkgThermInt:    "PKG_THERM_INTERRUPT",
	TurboLimit0:    "TURBO_RATIO_LIMIT",
	TurboLimit1:    "TURBO_RATIO_LIMIT1",
	TurboLimit2:    "TURBO_RATIO_LIMIT2",
	FixedCtr0:      "FIXED_CTR0",
	FixedCtrCtrl:   "FIXED_CTR_CTRL",
	RAPLUnit:       "RAPL_POWER_UNIT",
	PkgPowerLimit:  "PKG_POWER_LIMIT",
	PkgEnergy:      "PKG_ENERGY_STATUS",
	PkgPowerInfo:   "PKG_POWER_INFO",
	PP0Energy:      "PP0_ENERGY_STATUS",
}

func (r Register) String() string {
	if n, ok := names[r]; ok {
		return n
	}
	return fmt.Sprintf("MSR(0x%X)", uint32(r))
}

// Coord addresses one hardware thread.
type Coord struct {
	Socket int
	Core   int
	Thread int
}

func (c Coord) String() string {
	return fmt.Sprintf("s%d/c%d/t%d", c.Socket, c.Core, c.Thread)
}

// Reader reads a register on a hardware thread.
type Reader interface {
	Read(c Coord, r Register) (uint64, error)
}

// Writer writes a register on a hardware thread.
type Writer interface {
	Write(c Coord, r Register, v uint64) error
}

// Device is a full register-access transport.
type Device interface {
	Reader
	Writer
	Close() error
}
