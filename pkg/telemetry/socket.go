package telemetry

import (
	"time"

	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/rapl"
	"github.com/ja7ad/corestress/pkg/system/util"
	"go.uber.org/multierr"
)

// TurboEntries is the number of one-byte entries across the three turbo
// ratio limit registers.
const TurboEntries = 24

// CoreThermBits is the number of status/log flags reported from
// IA32_THERM_STATUS.
const CoreThermBits = 10

// Baseline is the socket state captured before the loop starts.
type Baseline struct {
	Energy uint64
	PP0    uint64
	APERF  uint64
	MPERF  uint64
	At     time.Time
	// Missing lists registers whose baseline read failed.
	Missing []msr.Register
}

func (b Baseline) has(r msr.Register) bool {
	for _, m := range b.Missing {
		if m == r {
			return false
		}
	}
	return true
}

// ReadBaseline captures the start-of-run counters on c. Failed registers
// are recorded in Missing; their errors are combined.
func ReadBaseline(dev msr.Reader, c msr.Coord) (Baseline, error) {
	b := Baseline{At: time.Now()}
	var errs error
	for _, f := range []struct {
		reg msr.Register
		dst *uint64
	}{
		{msr.PkgEnergy, &b.Energy},
		{msr.PP0Energy, &b.PP0},
		{msr.APERF, &b.APERF},
		{msr.MPERF, &b.MPERF},
	} {
		v, err := dev.Read(c, f.reg)
		if err != nil {
			errs = multierr.Append(errs, err)
			b.Missing = append(b.Missing, f.reg)
			continue
		}
		*f.dst = v
	}
	return b, errs
}

// Socket is the end-of-run summary written by the designated thread.
type Socket struct {
	Socket         int                 `json:"socket"`
	Seconds        float64             `json:"seconds"`
	PowerW         float64             `json:"power_w"`
	PP0W           float64             `json:"pp0_w"`
	FrequencyGHz   float64             `json:"frequency_ghz"`
	TurboRatios    [TurboEntries]uint8 `json:"turbo_ratios"`
	CriticalTemp   uint64              `json:"critical_temp"`
	CurrentTemp    uint64              `json:"current_temp"`
	TempMargin     int64               `json:"temp_margin"`
	CoreThermFlags [CoreThermBits]bool `json:"core_therm_flags"`
	CoreTemp       uint64              `json:"core_temp"`
	MinPowerW      float64             `json:"min_power_w"`
	PowerInfo      uint64              `json:"power_info"`

	// Interval series summary.
	IntervalMeanW     float64 `json:"interval_mean_w"`
	IntervalSmoothedW float64 `json:"interval_smoothed_w"`
	IntervalSamples   int     `json:"interval_samples"`
	IntervalEnergyJ   float64 `json:"interval_energy_j"`
}

// ReadSocket reads the closing registers on c and derives the summary
// against base. maxFreq is the declared maximum frequency in GHz. A derived
// field whose baseline or closing read failed is left at zero; all failures
// are combined into the returned error alongside a usable summary.
func ReadSocket(dev msr.Reader, c msr.Coord, base Baseline, units rapl.Units, maxFreq float64) (Socket, error) {
	s := Socket{Socket: c.Socket}
	var errs error
	read := func(r msr.Register) uint64 {
		v, err := dev.Read(c, r)
		errs = multierr.Append(errs, err)
		return v
	}

	// closing reports false when r has no usable start and end pair.
	closing := func(r msr.Register) (uint64, bool) {
		v, err := dev.Read(c, r)
		if err != nil {
			errs = multierr.Append(errs, err)
			return 0, false
		}
		return v, base.has(r)
	}

	energy, energyOK := closing(msr.PkgEnergy)
	pp0, pp0OK := closing(msr.PP0Energy)
	aperf, aperfOK := closing(msr.APERF)
	mperf, mperfOK := closing(msr.MPERF)
	s.Seconds = time.Since(base.At).Seconds()

	if energyOK {
		s.PowerW = util.SafeDiv(float64(EnergyDelta(base.Energy, energy))*units.Energy, s.Seconds)
	}
	if pp0OK {
		s.PP0W = util.SafeDiv(float64(EnergyDelta(base.PP0, pp0))*units.Energy, s.Seconds)
	}
	if aperfOK && mperfOK {
		s.FrequencyGHz = util.SafeDiv(float64(aperf-base.APERF), float64(mperf-base.MPERF)) * maxFreq
	}

	for i, r := range []msr.Register{msr.TurboLimit0, msr.TurboLimit1, msr.TurboLimit2} {
		v := read(r)
		for b := 0; b < 8; b++ {
			s.TurboRatios[i*8+b] = uint8(v >> (8 * b))
		}
	}

	stat := read(msr.PkgThermStatus)
	intr := read(msr.PkgThermInt)
	core := read(msr.ThermStatus)
	s.PowerInfo = read(msr.PkgPowerInfo)

	s.CurrentTemp = (stat >> 16) & 0x7F
	s.CriticalTemp = (intr >> 8) & 0x7F
	s.TempMargin = int64(s.CriticalTemp) - int64(s.CurrentTemp)
	for i := range s.CoreThermFlags {
		s.CoreThermFlags[i] = core&(1<<i) != 0
	}
	s.CoreTemp = (core >> 16) & 0x7F
	s.MinPowerW = rapl.DecodePower(s.PowerInfo>>16, units.Power)

	return s, errs
}

// WithIntervals folds the interval series of p into the summary.
func (s Socket) WithIntervals(p *PowerLog) Socket {
	s.IntervalMeanW = p.Mean()
	s.IntervalSmoothedW = p.Smoothed()
	s.IntervalSamples = p.Len()
	s.IntervalEnergyJ = p.EnergyJ()
	return s
}
