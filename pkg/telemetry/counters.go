package telemetry

import (
	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/system/cycles"
	"github.com/ja7ad/corestress/pkg/system/util"
	"go.uber.org/zap"
)

// Width of the fixed-function instruction counter.
const retiredCounterMax = uint64(1) << 48

// Counters are the per-core registers read around every phase.
type Counters struct {
	Retired uint64
	APERF   uint64
	MPERF   uint64
}

// CounterReader reads the calling thread's own per-core counters. A failed
// read keeps the last-known value; each register is reported once. A
// CounterReader belongs to one thread.
type CounterReader struct {
	dev    msr.Reader
	coord  msr.Coord
	log    *zap.Logger
	last   Counters
	status uint64
	warned map[msr.Register]bool
}

// NewCounterReader returns a counter reader for coordinate c.
func NewCounterReader(dev msr.Reader, c msr.Coord, log *zap.Logger) *CounterReader {
	return &CounterReader{
		dev:    dev,
		coord:  c,
		log:    logutil.OrNop(log),
		warned: map[msr.Register]bool{},
	}
}

func (cr *CounterReader) read(r msr.Register, last *uint64) {
	v, err := cr.dev.Read(cr.coord, r)
	if err != nil {
		if !cr.warned[r] {
			cr.warned[r] = true
			cr.log.Warn("counter read failed, keeping last value",
				zap.Stringer("reg", r), zap.Stringer("coord", cr.coord), zap.Error(err))
		}
		return
	}
	*last = v
}

// Counters reads retired, APERF and MPERF in that order.
func (cr *CounterReader) Counters() Counters {
	cr.read(msr.FixedCtr0, &cr.last.Retired)
	cr.read(msr.APERF, &cr.last.APERF)
	cr.read(msr.MPERF, &cr.last.MPERF)
	return cr.last
}

// CountersAfter reads APERF, MPERF, then retired. This is the closing order
// of a phase, so the retired count includes the other two reads.
func (cr *CounterReader) CountersAfter() Counters {
	cr.read(msr.APERF, &cr.last.APERF)
	cr.read(msr.MPERF, &cr.last.MPERF)
	cr.read(msr.FixedCtr0, &cr.last.Retired)
	return cr.last
}

// Status reads PERF_STATUS.
func (cr *CounterReader) Status() uint64 {
	cr.read(msr.PerfStatus, &cr.status)
	return cr.status
}

// Collector brackets one phase with counter reads and stores the deltas.
type Collector struct {
	src *CounterReader
	log *Log
	now func() uint64
}

// NewCollector writes samples read through src into log.
func NewCollector(src *CounterReader, log *Log) *Collector {
	return &Collector{src: src, log: log, now: cycles.Now}
}

// Log returns the sample log.
func (c *Collector) Log() *Log { return c.log }

// Measure runs fn as iteration iter (1-based) and records its deltas. An
// iteration outside the log is rejected before fn runs.
func (c *Collector) Measure(iter uint64, workload uint8, fn func() uint64) error {
	if iter == 0 || iter > uint64(c.log.Cap()) {
		return c.log.Put(iter, Sample{})
	}
	before := c.src.Counters()
	t0 := c.now()
	payload := fn()
	t1 := c.now()
	status := c.src.Status()
	after := c.src.CountersAfter()

	return c.log.Put(iter, Sample{
		Cycles:   t1 - t0,
		Retired:  util.DeltaWrap(after.Retired, before.Retired, retiredCounterMax),
		APERF:    after.APERF - before.APERF,
		MPERF:    after.MPERF - before.MPERF,
		Status:   uint16(status & 0xFFFF),
		Workload: workload,
		Payload:  payload,
	})
}
