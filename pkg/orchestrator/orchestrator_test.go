//go:build linux

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/msr/msrtest"
	"github.com/ja7ad/corestress/pkg/report"
	"github.com/ja7ad/corestress/pkg/system/topology"
	"github.com/ja7ad/corestress/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const stub kernel.ID = "stub_1t"

func stubRegistry(t *testing.T, initErr error) *kernel.Registry {
	r := kernel.NewRegistry()
	require.NoError(t, r.Register(stub, kernel.Funcs{
		InitFn: func(*kernel.Context) error { return initErr },
		RunFn:  func(*kernel.Context) error { return nil },
	}, nil))
	return r
}

func fakeDevice(topo *topology.Topology) *msrtest.Device {
	dev := msrtest.New()
	for _, c := range topo.CPUs {
		dev.Set(coordOf(c), msr.RAPLUnit, 0x000A0E03)
	}
	dev.OnRead(msr.PkgEnergy, msrtest.Tick(4096))
	dev.OnRead(msr.APERF, msrtest.Tick(30))
	dev.OnRead(msr.MPERF, msrtest.Tick(20))
	return dev
}

func baseOptions(t *testing.T, topo *topology.Topology, cfg config.RunConfig) Options {
	return Options{
		Topology:   topo,
		Kernel:     stub,
		Registry:   stubRegistry(t, nil),
		BufferSize: 4096,
		Alignment:  64,
		Period:     2 * time.Millisecond,
		Load:       1,
		Device:     fakeDevice(topo),
		Config:     config.Static(cfg),
		Sink:       report.Dir{Path: t.TempDir()},
		Log:        zaptest.NewLogger(t),
		SpinYield:  64,
		Pin:        func(int) error { return nil },
	}
}

func TestRun_CompletesAtIterationCap(t *testing.T) {
	topo := topology.Flat(4)
	cfg := config.New(&config.RunConfig{IterationCap: 40, Duty: 16, Partitions: 4})
	o := baseOptions(t, topo, cfg)
	o.StatPath = "/proc/stat"
	if _, err := os.Stat(o.StatPath); err != nil {
		o.StatPath = ""
	}

	s, err := Run(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, s.Threads, 4)
	for i, r := range s.Threads {
		assert.Equal(t, uint64(40), r.Iterations, "thread %d", i)
		assert.Equal(t, 40, r.Filled)
		assert.False(t, r.Stopped)
	}
	require.Len(t, s.Sockets, 1)
	assert.NoError(t, s.PowerCap)
	if o.StatPath != "" {
		assert.Len(t, s.Utilization, 4)
	}

	dir := o.Sink.(report.Dir).Path
	for cpu := 0; cpu < 4; cpu++ {
		assert.FileExists(t, filepath.Join(dir, report.SamplesFile(cpu)))
	}
	assert.FileExists(t, filepath.Join(dir, report.PowerFile(0)))
	assert.NoFileExists(t, filepath.Join(dir, report.PowerFile(1)))
	assert.FileExists(t, filepath.Join(dir, report.SocketFile(0)))
}

func TestRun_TimeoutStopsWorkers(t *testing.T) {
	topo := topology.Flat(2)
	cfg := config.New(&config.RunConfig{IterationCap: 200000, Duty: 16, Partitions: 4})
	o := baseOptions(t, topo, cfg)
	o.Load = 0.5
	o.Timeout = 50 * time.Millisecond

	s, err := Run(context.Background(), o)
	require.NoError(t, err)
	for _, r := range s.Threads {
		assert.True(t, r.Stopped)
		assert.Less(t, r.Iterations, uint64(200000))
		assert.LessOrEqual(t, uint64(r.Filled), r.Iterations)
	}
}

func TestRun_ContextCancelStopsWorkers(t *testing.T) {
	topo := topology.Flat(2)
	cfg := config.New(&config.RunConfig{IterationCap: 200000, Duty: 16, Partitions: 4})
	o := baseOptions(t, topo, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s, err := Run(ctx, o)
	require.NoError(t, err)
	for _, r := range s.Threads {
		assert.True(t, r.Stopped)
	}
}

func TestRun_InitFailure(t *testing.T) {
	topo := topology.Flat(3)
	boom := errors.New("no fma")
	o := baseOptions(t, topo, config.Default())
	o.Registry = stubRegistry(t, boom)

	_, err := Run(context.Background(), o)
	require.ErrorIs(t, err, ErrInitFailed)
	require.ErrorIs(t, err, worker.ErrKernelInit)
	require.ErrorIs(t, err, boom)
}

func TestRun_KernelFaultStopsOnlyThatThread(t *testing.T) {
	topo := topology.Flat(4)
	cfg := config.New(&config.RunConfig{IterationCap: 200000, Duty: 16, Partitions: 4})
	o := baseOptions(t, topo, cfg)
	fault := errors.New("bad result")
	var runs atomic.Int64
	o.Registry = kernel.NewRegistry()
	require.NoError(t, o.Registry.Register(stub, kernel.Funcs{
		InitFn: func(*kernel.Context) error { return nil },
		RunFn: func(*kernel.Context) error {
			if runs.Add(1) == 6 {
				return fault
			}
			return nil
		},
	}, nil))

	type outcome struct {
		s   *Summary
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		s, err := Run(context.Background(), o)
		out <- outcome{s, err}
	}()

	var got outcome
	select {
	case got = <-out:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after a worker failed")
	}
	require.ErrorIs(t, got.err, worker.ErrKernelRun)
	require.ErrorIs(t, got.err, fault)
	require.NotNil(t, got.s)
	require.Len(t, got.s.Threads, 4)

	var stopped int
	for _, r := range got.s.Threads {
		if r.Stopped {
			stopped++
		}
		assert.Less(t, r.Iterations, uint64(200000))
	}
	assert.Equal(t, 3, stopped)

	dir := o.Sink.(report.Dir).Path
	for cpu := 0; cpu < 4; cpu++ {
		assert.FileExists(t, filepath.Join(dir, report.SamplesFile(cpu)))
	}
}

func TestRun_PowerCapFailureReported(t *testing.T) {
	topo := topology.Flat(1)
	cfg := config.New(&config.RunConfig{IterationCap: 8, Duty: 16, Partitions: 4})
	o := baseOptions(t, topo, cfg)
	o.Device.(*msrtest.Device).Fail(msr.PkgPowerLimit, errors.New("locked"))

	s, err := Run(context.Background(), o)
	require.NoError(t, err)
	require.Error(t, s.PowerCap)
}

func TestRun_BadOptions(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNoTopology)

	o := baseOptions(t, topology.Flat(2), config.Default())
	o.CPUs = []int{0, 7}
	_, err = Run(context.Background(), o)
	require.ErrorIs(t, err, ErrUnknownCPU)
}

func TestDesignate_OnePerSocket(t *testing.T) {
	topo := topology.New([]topology.CPU{
		{ID: 0, Socket: 0, Core: 0},
		{ID: 1, Socket: 0, Core: 1},
		{ID: 2, Socket: 1, Core: 0},
		{ID: 3, Socket: 1, Core: 1},
		{ID: 4, Socket: 0, Core: 0, Thread: 1},
	})
	got, err := Designate([]int{1, 4, 3, 2}, topo)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true, 3: true}, got)

	got, err = Designate([]int{0, 1, 2, 3, 4}, topo)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 2: true}, got)
}

func TestWatchdog_Split(t *testing.T) {
	w := &Watchdog{Period: 10 * time.Millisecond, Load: 0.7}
	high, low := w.Split()
	assert.Equal(t, 7*time.Millisecond, high)
	assert.Equal(t, 3*time.Millisecond, low)

	w.Load = 2
	high, low = w.Split()
	assert.Equal(t, 10*time.Millisecond, high)
	assert.Zero(t, low)

	w.Load = -1
	high, _ = w.Split()
	assert.Zero(t, high)
}

func TestWatchdog_TogglesThenStops(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	w := &Watchdog{Block: b, Period: 2 * time.Millisecond, Load: 0.5, Timeout: 40 * time.Millisecond, Log: zaptest.NewLogger(t)}

	var sawHigh, sawLow atomic.Bool
	result := make(chan bool)
	go func() { result <- w.Run(context.Background(), nil) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case stopped := <-result:
			assert.True(t, stopped)
			assert.Equal(t, control.LoadStop, b.Signal())
			assert.True(t, sawHigh.Load())
			assert.True(t, sawLow.Load())
			return
		case <-deadline:
			t.Fatal("watchdog never stopped")
		default:
		}
		switch b.Signal() {
		case control.LoadHigh:
			sawHigh.Store(true)
		case control.LoadLow:
			sawLow.Store(true)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestWatchdog_DoneReturnsWithoutStop(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	w := &Watchdog{Block: b, Period: time.Millisecond, Load: 1}
	done := make(chan struct{})
	close(done)
	assert.False(t, w.Run(context.Background(), done))
	assert.Equal(t, control.LoadHigh, b.Signal())
}

func TestWatchdog_ZeroLoadStaysLow(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	b.SetSignal(control.LoadHigh)
	w := &Watchdog{Block: b, Period: time.Millisecond, Load: 0}
	w.setInitial()
	assert.Equal(t, control.LoadLow, b.Signal())
}
