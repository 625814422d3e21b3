//go:build linux

// Package worker runs one pinned thread: it polls its mailbox in the control
// block, initializes its work buffer and kernel, and drives the duty-cycle
// workload loop when told to work.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/system/affinity"
	"github.com/ja7ad/corestress/pkg/telemetry"
	"go.uber.org/zap"
)

// Sink persists what a thread measured.
type Sink interface {
	WriteSamples(cpu int, samples []telemetry.Sample, maxFreq float64) error
	WritePower(cpu int, watts []float64) error
	WriteSocket(s telemetry.Socket) error
}

// Descriptor is one worker thread's static configuration and its results.
type Descriptor struct {
	ID         int       // mailbox and barrier slot, 0..N-1
	CPU        int       // logical CPU to pin to
	Coord      msr.Coord // register coordinate of CPU
	Designated bool      // programs RAPL and summarizes its socket
	// CoresPerSocket is the topology's count, checked against the run
	// config by the designated thread. 0 skips the check.
	CoresPerSocket int

	Kernel     kernel.ID
	Registry   *kernel.Registry
	BufferSize int
	Alignment  int
	// Period is the load-signal period; the low-load function naps for
	// Period/100 between polls.
	Period time.Duration

	Block  *control.Block
	Device msr.Device
	Config config.Source
	Sink   Sink
	Log    *zap.Logger

	// Pin binds the calling OS thread to a CPU. Defaults to affinity.Pin.
	Pin func(cpu int) error

	Result Result
}

// Result is filled in by Run.
type Result struct {
	Iterations uint64
	Filled     int
	StartTSC   uint64
	StopTSC    uint64
	Stopped    bool  // left the loop on LoadStop
	Flops      uint64
	PowerCap   error // non-nil when the RAPL limit was not applied
	Socket     *telemetry.Socket
}

type thread struct {
	d    *Descriptor
	log  *zap.Logger
	buf  *kernel.Buffer
	kern kernel.Kernel
	kctx *kernel.Context
}

// spinDelay is the countdown run when the mailbox has not changed.
const spinDelay = 100

//go:noinline
func delay() int {
	n := spinDelay
	for n > 0 {
		n--
	}
	return n
}

// Run is the thread controller. It returns nil after STOP, an unknown
// command or a completed WORK phase, and an error when INIT fails or the
// work loop could not persist its results.
func Run(d *Descriptor) error {
	t := &thread{
		d:   d,
		log: logutil.OrNop(d.Log).With(zap.Int("thread", d.ID), zap.Int("cpu", d.CPU)),
	}
	defer t.release()

	old := control.Idle
	for {
		cmd := d.Block.Command(d.ID)
		switch cmd {
		case control.Idle:
			delay()
		case control.Init, control.Wait, control.Work:
			if cmd == old {
				delay()
				continue
			}
			old = cmd
			switch cmd {
			case control.Init:
				if err := t.init(); err != nil {
					d.Block.SetAck(control.AckInitFailure)
					t.log.Error("init failed", zap.Error(err))
					return err
				}
				t.ack()
			case control.Wait:
				t.ack()
			case control.Work:
				if t.kern == nil {
					d.Block.SetAck(control.AckInitFailure)
					return ErrNotInitialized
				}
				t.ack()
				return t.work()
			}
		default:
			t.log.Debug("leaving", zap.Stringer("cmd", cmd))
			return nil
		}
	}
}

func (t *thread) ack() { t.d.Block.SetAck(uint64(t.d.ID) + 1) }

func (t *thread) init() error {
	d := t.d
	pin := d.Pin
	if pin == nil {
		pin = affinity.Pin
	}
	if err := pin(d.CPU); err != nil {
		return err
	}
	reg := d.Registry
	if reg == nil {
		reg = kernel.Default()
	}
	k, err := reg.Lookup(d.Kernel)
	if err != nil {
		if errors.Is(err, kernel.ErrUnknownKernel) {
			t.log.Error("unknown kernel", zap.String("kernel", string(d.Kernel)), zap.Any("known", reg.IDs()))
		}
		return err
	}
	buf, err := kernel.AllocBuffer(d.BufferSize, d.Alignment)
	if err != nil {
		return err
	}
	t.buf = buf
	t.kctx = &kernel.Context{Buffer: buf.Floats(), Block: d.Block}
	if err := k.Init(t.kctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKernelInit, d.Kernel, err)
	}
	t.kern = k
	t.log.Debug("initialized", zap.String("kernel", string(d.Kernel)),
		zap.Int("buffer", buf.Len()), zap.String("addr", fmt.Sprintf("%#x", buf.Addr())))
	return nil
}

func (t *thread) release() {
	if t.buf == nil {
		return
	}
	if err := t.buf.Release(); err != nil {
		t.log.Warn("release work buffer", zap.Error(err))
	}
	t.buf, t.kctx = nil, nil
}
