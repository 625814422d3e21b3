//go:build linux

// Package orchestrator owns a run: it builds the control block, starts one
// worker per CPU, walks them through INIT and WORK, drives the load signal
// and collects the results.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/system/proc"
	"github.com/ja7ad/corestress/pkg/system/topology"
	"github.com/ja7ad/corestress/pkg/telemetry"
	"github.com/ja7ad/corestress/pkg/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures one run.
type Options struct {
	CPUs     []int // logical CPUs, one worker each; empty means all of Topology
	Topology *topology.Topology

	Kernel     kernel.ID // empty means Registry.Auto
	Registry   *kernel.Registry
	BufferSize int
	Alignment  int

	Period  time.Duration // load-signal period
	Load    float64       // fraction of each period at high load, 0..1
	Timeout time.Duration // 0 runs until the iteration cap
	// JoinTimeout bounds the wait for workers after LoadStop.
	JoinTimeout time.Duration

	Device msr.Device
	Config config.Source
	Sink   worker.Sink
	Log    *zap.Logger

	// StatPath is read before and after WORK to report per-CPU utilization.
	// Empty disables it.
	StatPath string
	// SpinYield is passed to control.WithSpinYield.
	SpinYield uint64
	// Pin overrides thread pinning, mainly for tests.
	Pin func(cpu int) error
}

// Summary is what a run produced.
type Summary struct {
	Threads     []worker.Result
	Sockets     []telemetry.Socket
	Utilization map[int]float64
	// PowerCap combines every designated thread's RAPL failure.
	PowerCap error
	Elapsed  time.Duration
}

// Designate picks the single RAPL writer of each socket: the first of cpus,
// in order, on that socket.
func Designate(cpus []int, topo *topology.Topology) (map[int]bool, error) {
	out := make(map[int]bool, len(cpus))
	seen := map[int]bool{}
	for _, id := range cpus {
		c, ok := topo.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCPU, id)
		}
		if !seen[c.Socket] {
			seen[c.Socket] = true
			out[id] = true
		}
	}
	return out, nil
}

func coordOf(c topology.CPU) msr.Coord {
	return msr.Coord{Socket: c.Socket, Core: c.Core, Thread: c.Thread}
}

// Run executes a full run and blocks until every worker has returned. A
// worker failing during WORK publishes LoadStop so the others persist and
// return; the summary is then returned together with that worker's error.
func Run(ctx context.Context, o Options) (*Summary, error) {
	log := logutil.OrNop(o.Log)
	if o.Topology == nil {
		return nil, ErrNoTopology
	}
	cpus := o.CPUs
	if len(cpus) == 0 {
		for _, c := range o.Topology.CPUs {
			cpus = append(cpus, c.ID)
		}
	}
	reg := o.Registry
	if reg == nil {
		reg = kernel.Default()
	}
	kid := o.Kernel
	if kid == "" {
		id, err := reg.Auto()
		if err != nil {
			return nil, err
		}
		kid = id
	}
	designated, err := Designate(cpus, o.Topology)
	if err != nil {
		return nil, err
	}

	block, err := control.NewBlock(len(cpus), control.WithSpinYield(o.SpinYield))
	if err != nil {
		return nil, err
	}
	ds := make([]*worker.Descriptor, len(cpus))
	cores := o.Topology.CoresPerSocket()
	for i, id := range cpus {
		c, _ := o.Topology.Lookup(id)
		ds[i] = &worker.Descriptor{
			ID:             i,
			CPU:            id,
			Coord:          coordOf(c),
			Designated:     designated[id],
			CoresPerSocket: cores,
			Kernel:         kid,
			Registry:       reg,
			BufferSize:     o.BufferSize,
			Alignment:      o.Alignment,
			Period:         o.Period,
			Block:          block,
			Device:         o.Device,
			Config:         o.Config,
			Sink:           o.Sink,
			Log:            log,
			Pin:            o.Pin,
		}
	}
	log.Info("starting workers",
		zap.Int("threads", len(ds)),
		zap.Int("sockets", len(designated)),
		zap.String("kernel", string(kid)),
		zap.String("buffer", humanize.IBytes(uint64(o.BufferSize))),
		zap.Int("barrier_rounds", control.Rounds(len(ds))))

	// a worker error cancels gctx, which the watchdog turns into LoadStop
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range ds {
		d := d
		g.Go(func() error { return worker.Run(d) })
	}
	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	stopAll := func() {
		for i := range ds {
			block.SetCommand(i, control.Stop)
		}
	}

	for i, d := range ds {
		block.SetAck(control.AckPending)
		block.SetCommand(i, control.Init)
		if ack := block.AwaitAck(); ack != uint64(i)+1 {
			stopAll()
			return nil, multierr.Append(fmt.Errorf("%w: cpu %d ack %#x", ErrInitFailed, d.CPU, ack), <-joined)
		}
	}
	log.Debug("all workers initialized")

	before := readStat(o.StatPath, log)
	start := time.Now()

	wd := &Watchdog{Block: block, Period: o.Period, Load: o.Load, Timeout: o.Timeout, Log: log}
	wd.setInitial()
	for i := range ds {
		block.SetAck(control.AckPending)
		block.SetCommand(i, control.Work)
		block.AwaitAck()
	}
	block.SetAck(control.AckPending)

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		if wd.Run(gctx, done) {
			close(stopped)
		}
	}()

	var runErr error
	select {
	case runErr = <-joined:
	case <-stopped:
		timer := time.NewTimer(o.joinTimeout())
		defer timer.Stop()
		select {
		case runErr = <-joined:
		case <-timer.C:
			close(done)
			return nil, fmt.Errorf("%w after %s", ErrJoinTimeout, o.joinTimeout())
		}
	}
	close(done)
	stopAll()

	s := &Summary{Elapsed: time.Since(start)}
	for _, d := range ds {
		s.Threads = append(s.Threads, d.Result)
		s.PowerCap = multierr.Append(s.PowerCap, d.Result.PowerCap)
		if d.Result.Socket != nil {
			s.Sockets = append(s.Sockets, *d.Result.Socket)
		}
	}
	if after := readStat(o.StatPath, log); before != nil && after != nil {
		s.Utilization = make(map[int]float64, len(cpus))
		for _, id := range cpus {
			s.Utilization[id] = proc.Utilization(before[id], after[id])
		}
	}
	s.log(log)
	return s, runErr
}

func (o Options) joinTimeout() time.Duration {
	if o.JoinTimeout > 0 {
		return o.JoinTimeout
	}
	return DefaultJoinTimeout
}

func readStat(path string, log *zap.Logger) map[int]proc.CPUTimes {
	if path == "" {
		return nil
	}
	t, err := proc.ReadCPUTimes(path)
	if err != nil {
		log.Warn("cpu utilization unavailable", zap.Error(err))
		return nil
	}
	return t
}

func (s *Summary) log(log *zap.Logger) {
	var iters uint64
	var stopped int
	for _, r := range s.Threads {
		iters += r.Iterations
		if r.Stopped {
			stopped++
		}
	}
	var util float64
	for _, u := range s.Utilization {
		util += u
	}
	if n := len(s.Utilization); n > 0 {
		util /= float64(n)
	}
	log.Info("run finished",
		zap.Duration("elapsed", s.Elapsed),
		zap.String("iterations", humanize.Comma(int64(iters))),
		zap.Int("stopped_by_signal", stopped),
		zap.Float64("mean_utilization", util),
		zap.Bool("power_cap_applied", s.PowerCap == nil))
	for _, sk := range s.Sockets {
		log.Info("socket",
			zap.Int("socket", sk.Socket),
			zap.String("power", humanize.SIWithDigits(sk.PowerW, 2, "W")),
			zap.String("pp0", humanize.SIWithDigits(sk.PP0W, 2, "W")),
			zap.String("freq", humanize.SIWithDigits(sk.FrequencyGHz*1e9, 2, "Hz")))
	}
}
