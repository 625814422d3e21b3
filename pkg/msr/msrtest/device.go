// Package msrtest provides an in-memory msr.Device for tests and dry runs.
package msrtest

import (
	"fmt"
	"sync"

	"github.com/ja7ad/corestress/pkg/msr"
)

// Device is a register file keyed by coordinate. Registers that were never
// set read as zero. Hooks may advance counters on every read, which lets
// tests emulate running APERF/MPERF/energy counters.
type Device struct {
	mu     sync.Mutex
	regs   map[msr.Coord]map[msr.Register]uint64
	fail   map[msr.Register]error
	hooks  map[msr.Register]func(c msr.Coord, v uint64) uint64
	writes []Write
	closed bool
}

// Write records one register write.
type Write struct {
	Coord msr.Coord
	Reg   msr.Register
	Value uint64
}

// New returns an empty device.
func New() *Device {
	return &Device{
		regs:  map[msr.Coord]map[msr.Register]uint64{},
		fail:  map[msr.Register]error{},
		hooks: map[msr.Register]func(msr.Coord, uint64) uint64{},
	}
}

// Set stores v into register r on c.
func (d *Device) Set(c msr.Coord, r msr.Register, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(c, r, v)
}

// Get returns the current value of register r on c.
func (d *Device) Get(c msr.Coord, r msr.Register) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[c][r]
}

// Fail makes every access to r return err. A nil err clears the failure.
func (d *Device) Fail(r msr.Register, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, r)
		return
	}
	d.fail[r] = err
}

// OnRead installs fn to compute the next value of r after every read. fn
// receives the value just returned.
func (d *Device) OnRead(r msr.Register, fn func(c msr.Coord, v uint64) uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[r] = fn
}

// Tick is an OnRead hook that advances a counter by step per read.
func Tick(step uint64) func(msr.Coord, uint64) uint64 {
	return func(_ msr.Coord, v uint64) uint64 { return v + step }
}

// Writes returns a copy of all writes so far.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Read(c msr.Coord, r msr.Register) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[r]; err != nil {
		return 0, fmt.Errorf("msrtest: read %s on %s: %w", r, c, err)
	}
	v := d.regs[c][r]
	if fn := d.hooks[r]; fn != nil {
		d.set(c, r, fn(c, v))
	}
	return v, nil
}

func (d *Device) Write(c msr.Coord, r msr.Register, v uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[r]; err != nil {
		return fmt.Errorf("msrtest: write %s on %s: %w", r, c, err)
	}
	d.set(c, r, v)
	d.writes = append(d.writes, Write{Coord: c, Reg: r, Value: v})
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) set(c msr.Coord, r msr.Register, v uint64) {
	m := d.regs[c]
	if m == nil {
		m = map[msr.Register]uint64{}
		d.regs[c] = m
	}
	m[r] = v
}
