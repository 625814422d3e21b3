package telemetry

import (
	"time"

	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/system/util"
	"go.uber.org/zap"
)

// EnergyCounterMax is the modulus of the 32-bit energy status counters.
const EnergyCounterMax = uint64(1) << 32

// PowerLogCapacity bounds the interval wattage series.
const PowerLogCapacity = 1024

// EnergyDelta returns after-before across at most one counter wrap.
func EnergyDelta(before, after uint64) uint64 {
	const mask = EnergyCounterMax - 1
	return util.DeltaWrap(after&mask, before&mask, EnergyCounterMax)
}

// PowerLog is a bounded series of interval wattages. Appends past capacity
// are dropped, not wrapped.
type PowerLog struct {
	vals    []float64
	n       int
	dropped int
	sum     float64
	energyJ float64
	smooth  *util.EMA
}

// NewPowerLog returns an empty log of PowerLogCapacity entries.
func NewPowerLog() *PowerLog {
	return &PowerLog{vals: make([]float64, PowerLogCapacity), smooth: util.NewEMA(0.3)}
}

// Append records w watts observed over elapsed. It reports false when the
// log is full.
func (p *PowerLog) Append(w float64, elapsed time.Duration) bool {
	if p.n == len(p.vals) {
		p.dropped++
		return false
	}
	p.vals[p.n] = w
	p.n++
	p.sum += w
	p.energyJ += w * elapsed.Seconds()
	p.smooth.Next(w)
	return true
}

// Values returns the series up to the first zero entry.
func (p *PowerLog) Values() []float64 {
	for i, v := range p.vals[:p.n] {
		if v == 0 {
			return p.vals[:i]
		}
	}
	return p.vals[:p.n]
}

// Len is the number of appended entries.
func (p *PowerLog) Len() int { return p.n }

// Dropped is the number of appends refused because the log was full.
func (p *PowerLog) Dropped() int { return p.dropped }

// Mean is the average wattage over all appended intervals.
func (p *PowerLog) Mean() float64 { return util.SafeDiv(p.sum, float64(p.n)) }

// Smoothed is an exponential moving average of the series.
func (p *PowerLog) Smoothed() float64 { return p.smooth.Value() }

// EnergyJ is the cumulative energy implied by the series.
func (p *PowerLog) EnergyJ() float64 { return p.energyJ }

// Meter turns successive PKG_ENERGY_STATUS readings into interval wattage.
type Meter struct {
	dev     msr.Reader
	coord   msr.Coord
	unit    float64
	out     *PowerLog
	log     *zap.Logger
	now     func() time.Time
	last    uint64
	lastAt  time.Time
	started bool
}

// NewMeter returns a meter for the socket of c with the given energy unit
// (joules per LSB) appending into out.
func NewMeter(dev msr.Reader, c msr.Coord, energyUnit float64, out *PowerLog, log *zap.Logger) *Meter {
	return &Meter{dev: dev, coord: c, unit: energyUnit, out: out, log: logutil.OrNop(log), now: time.Now}
}

// Start takes the baseline reading.
func (m *Meter) Start() error {
	v, err := m.dev.Read(m.coord, msr.PkgEnergy)
	if err != nil {
		return err
	}
	m.last, m.lastAt, m.started = v, m.now(), true
	return nil
}

// Sample reads the counter, appends the wattage since the previous reading
// and returns it. A failed read leaves the previous reading in place so the
// next interval spans both.
func (m *Meter) Sample() (float64, error) {
	if !m.started {
		return 0, ErrNotStarted
	}
	v, err := m.dev.Read(m.coord, msr.PkgEnergy)
	if err != nil {
		return 0, err
	}
	at := m.now()
	elapsed := at.Sub(m.lastAt)
	w := util.SafeDiv(float64(EnergyDelta(m.last, v))*m.unit, elapsed.Seconds())
	if !m.out.Append(w, elapsed) && m.out.Dropped() == 1 {
		m.log.Debug("power log full, dropping further samples", zap.Stringer("coord", m.coord))
	}
	m.last, m.lastAt = v, at
	return w, nil
}
