//go:build linux

package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/msr/msrtest"
	"github.com/ja7ad/corestress/pkg/rapl"
	"github.com/ja7ad/corestress/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const stubKernel kernel.ID = "stub_1t"

type memSink struct {
	mu      sync.Mutex
	samples map[int][]telemetry.Sample
	power   map[int][]float64
	sockets []telemetry.Socket
	fail    error
}

func newMemSink() *memSink {
	return &memSink{samples: map[int][]telemetry.Sample{}, power: map[int][]float64{}}
}

func (m *memSink) WriteSamples(cpu int, s []telemetry.Sample, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[cpu] = append([]telemetry.Sample(nil), s...)
	return m.fail
}

func (m *memSink) WritePower(cpu int, w []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power[cpu] = append([]float64(nil), w...)
	return m.fail
}

func (m *memSink) WriteSocket(s telemetry.Socket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets = append(m.sockets, s)
	return m.fail
}

func stubRegistry(t *testing.T, runs *atomic.Int64, onRun func(n int64), initErr error) *kernel.Registry {
	r := kernel.NewRegistry()
	require.NoError(t, r.Register(stubKernel, kernel.Funcs{
		InitFn: func(c *kernel.Context) error {
			if len(c.Buffer) == 0 {
				return kernel.ErrEmptyBuffer
			}
			return initErr
		},
		RunFn: func(c *kernel.Context) error {
			c.Flops += 2
			n := runs.Add(1)
			if onRun != nil {
				onRun(n)
			}
			return nil
		},
	}, nil))
	return r
}

// 40 iterations, a sub-state every 4, light phase at iterations 24..31.
func smallConfig() config.RunConfig {
	return config.New(&config.RunConfig{IterationCap: 40, Duty: 16, Partitions: 4})
}

func newDevice(n int) *msrtest.Device {
	dev := msrtest.New()
	for i := 0; i < n; i++ {
		c := msr.Coord{Core: i}
		dev.Set(c, msr.RAPLUnit, 0x000A0E03)
	}
	dev.OnRead(msr.PkgEnergy, msrtest.Tick(16384))
	dev.OnRead(msr.APERF, msrtest.Tick(300))
	dev.OnRead(msr.MPERF, msrtest.Tick(200))
	dev.OnRead(msr.FixedCtr0, msrtest.Tick(1000))
	return dev
}

func newDescriptors(t *testing.T, n int, b *control.Block, dev msr.Device, reg *kernel.Registry, sink Sink) []*Descriptor {
	ds := make([]*Descriptor, n)
	for i := range ds {
		ds[i] = &Descriptor{
			ID:         i,
			CPU:        i,
			Coord:      msr.Coord{Core: i},
			Designated: i == 0,
			Kernel:     stubKernel,
			Registry:   reg,
			BufferSize: 4096,
			Alignment:  64,
			Period:     100 * time.Microsecond,
			Block:      b,
			Device:     dev,
			Config:     config.Static(smallConfig()),
			Sink:       sink,
			Log:        zaptest.NewLogger(t),
			Pin:        func(int) error { return nil },
		}
	}
	return ds
}

func start(ds []*Descriptor) (errs []error, wait func()) {
	errs = make([]error, len(ds))
	var wg sync.WaitGroup
	for i, d := range ds {
		wg.Add(1)
		go func(i int, d *Descriptor) {
			defer wg.Done()
			errs[i] = Run(d)
		}(i, d)
	}
	return errs, wg.Wait
}

func post(t *testing.T, b *control.Block, id int, cmd control.Command) uint64 {
	t.Helper()
	b.SetAck(control.AckPending)
	b.SetCommand(id, cmd)
	return b.AwaitAck()
}

func TestRun_FullProtocol(t *testing.T) {
	const n = 4
	b, err := control.NewBlock(n, control.WithSpinYield(64))
	require.NoError(t, err)
	var runs atomic.Int64
	sink := newMemSink()
	dev := newDevice(n)
	ds := newDescriptors(t, n, b, dev, stubRegistry(t, &runs, nil, nil), sink)

	errs, wait := start(ds)
	for id := 0; id < n; id++ {
		require.Equal(t, uint64(id+1), post(t, b, id, control.Init))
	}
	b.SetSignal(control.LoadHigh)
	for id := 0; id < n; id++ {
		require.Equal(t, uint64(id+1), post(t, b, id, control.Work))
	}
	b.SetAck(control.AckPending)
	wait()

	for i, err := range errs {
		require.NoError(t, err, "thread %d", i)
	}
	assert.Equal(t, int64(n*32), runs.Load(), "heavy iterations per thread")

	for _, d := range ds {
		r := d.Result
		assert.Equal(t, uint64(40), r.Iterations)
		assert.Equal(t, 40, r.Filled)
		assert.False(t, r.Stopped)
		assert.GreaterOrEqual(t, r.StopTSC, r.StartTSC)
		assert.Equal(t, uint64(2*32), r.Flops, "kernel work counted on heavy iterations only")

		s := sink.samples[d.CPU]
		require.Len(t, s, 40)
		for i, sm := range s {
			wantLight := i+1 >= 24 && i+1 < 32
			if wantLight {
				assert.Equal(t, uint8(1), sm.Workload, "iteration %d", i+1)
			} else {
				assert.Equal(t, uint8(0), sm.Workload, "iteration %d", i+1)
				assert.Equal(t, uint64(heavyPayload), sm.Payload)
			}
			assert.Equal(t, uint64(300), sm.APERF)
		}
	}

	require.NotNil(t, ds[0].Result.Socket)
	assert.NoError(t, ds[0].Result.PowerCap)
	require.Len(t, sink.sockets, 1)
	assert.Len(t, sink.power[0], 10, "one interval per duty/4 iterations")
	assert.NotContains(t, sink.power, 1, "only the designated thread meters power")
	assert.Nil(t, ds[1].Result.Socket)

	var fixed, limit int
	for _, w := range dev.Writes() {
		switch w.Reg {
		case msr.FixedCtrCtrl:
			fixed++
			assert.Equal(t, uint64(FixedCtrEnable), w.Value)
		case msr.PkgPowerLimit:
			limit++
			assert.Equal(t, msr.Coord{Core: 0}, w.Coord)
		}
	}
	assert.Equal(t, n, fixed)
	assert.Equal(t, 1, limit, "single writer of the power limit")
}

func TestRun_StopsOnLoadStop(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	reg := stubRegistry(t, &runs, func(n int64) {
		if n == 5 {
			b.SetSignal(control.LoadStop)
		}
	}, nil)
	sink := newMemSink()
	ds := newDescriptors(t, 1, b, newDevice(1), reg, sink)

	errs, wait := start(ds)
	require.Equal(t, uint64(1), post(t, b, 0, control.Init))
	b.SetSignal(control.LoadHigh)
	require.Equal(t, uint64(1), post(t, b, 0, control.Work))
	wait()

	require.NoError(t, errs[0])
	r := ds[0].Result
	assert.True(t, r.Stopped)
	assert.Equal(t, uint64(5), r.Iterations)
	assert.Equal(t, 5, r.Filled)
	assert.Len(t, sink.samples[0], 40, "log keeps its pre-sized length")
}

func TestRun_InitFailure(t *testing.T) {
	boom := errors.New("no vector unit")
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	ds := newDescriptors(t, 1, b, newDevice(1), stubRegistry(t, &runs, nil, boom), nil)

	errs, wait := start(ds)
	assert.Equal(t, control.AckInitFailure, post(t, b, 0, control.Init))
	wait()
	require.ErrorIs(t, errs[0], ErrKernelInit)
	require.ErrorIs(t, errs[0], boom)
	assert.Zero(t, runs.Load())
}

func TestRun_UnknownKernel(t *testing.T) {
	b, err := control.NewBlock(2)
	require.NoError(t, err)
	var runs atomic.Int64
	ds := newDescriptors(t, 2, b, newDevice(2), stubRegistry(t, &runs, nil, nil), nil)
	ds[1].Kernel = "avx1024_64t"

	errs, wait := start(ds)
	assert.Equal(t, uint64(1), post(t, b, 0, control.Init))
	assert.Equal(t, control.AckInitFailure, post(t, b, 1, control.Init))
	b.SetCommand(0, control.Stop)
	wait()
	require.NoError(t, errs[0], "other threads unaffected")
	require.ErrorIs(t, errs[1], kernel.ErrUnknownKernel)
}

func TestRun_BadBuffer(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	ds := newDescriptors(t, 1, b, newDevice(1), stubRegistry(t, &runs, nil, nil), nil)
	ds[0].Alignment = 48

	errs, wait := start(ds)
	assert.Equal(t, control.AckInitFailure, post(t, b, 0, control.Init))
	wait()
	require.ErrorIs(t, errs[0], kernel.ErrAlignment)
}

func TestRun_WaitThenStop(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	ds := newDescriptors(t, 1, b, newDevice(1), stubRegistry(t, &runs, nil, nil), nil)

	errs, wait := start(ds)
	assert.Equal(t, uint64(1), post(t, b, 0, control.Wait))
	assert.Equal(t, uint64(1), post(t, b, 0, control.Init))
	assert.Equal(t, uint64(1), post(t, b, 0, control.Wait))
	b.SetCommand(0, control.Stop)
	wait()
	require.NoError(t, errs[0])
	assert.Zero(t, runs.Load())
}

func TestRun_PowerCapFailureIsSurfaced(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	dev := newDevice(1)
	dev.Fail(msr.PkgPowerLimit, errors.New("locked"))
	sink := newMemSink()
	ds := newDescriptors(t, 1, b, dev, stubRegistry(t, &runs, nil, nil), sink)

	errs, wait := start(ds)
	require.Equal(t, uint64(1), post(t, b, 0, control.Init))
	b.SetSignal(control.LoadHigh)
	require.Equal(t, uint64(1), post(t, b, 0, control.Work))
	wait()

	require.NoError(t, errs[0], "the run itself completes")
	require.ErrorIs(t, ds[0].Result.PowerCap, rapl.ErrNotApplied)
	assert.Equal(t, uint64(40), ds[0].Result.Iterations)
}

func TestRun_PersistFailure(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	sink := newMemSink()
	sink.fail = errors.New("disk full")
	ds := newDescriptors(t, 1, b, newDevice(1), stubRegistry(t, &runs, nil, nil), sink)

	errs, wait := start(ds)
	require.Equal(t, uint64(1), post(t, b, 0, control.Init))
	b.SetSignal(control.LoadHigh)
	require.Equal(t, uint64(1), post(t, b, 0, control.Work))
	wait()
	require.ErrorIs(t, errs[0], ErrPersist)
}

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	th := &thread{
		d: &Descriptor{Config: config.SourceFunc(func() (config.RunConfig, error) {
			return config.RunConfig{}, errors.New("missing")
		})},
		log: zaptest.NewLogger(t),
	}
	assert.Equal(t, config.Default(), th.loadConfig())

	th.d.Config = nil
	assert.Equal(t, config.Default(), th.loadConfig())

	th.d.Config = config.Static(smallConfig())
	assert.Equal(t, smallConfig(), th.loadConfig())
}

func TestLowLoad_ReturnsWhenSignalLeavesLow(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	th := &thread{d: &Descriptor{Block: b, Period: 10 * time.Microsecond}}

	done := make(chan struct{})
	go func() {
		th.lowLoad()
		close(done)
	}()
	time.Sleep(2 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("returned while signal was low")
	default:
	}
	b.SetSignal(control.LoadHigh)
	<-done
}

func TestRun_KernelFaultPersistsAndReturns(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	fault := errors.New("nan in buffer")
	var runs atomic.Int64
	reg := kernel.NewRegistry()
	require.NoError(t, reg.Register(stubKernel, kernel.Funcs{
		InitFn: func(*kernel.Context) error { return nil },
		RunFn: func(*kernel.Context) error {
			if runs.Add(1) == 3 {
				return fault
			}
			return nil
		},
	}, nil))
	sink := newMemSink()
	ds := newDescriptors(t, 1, b, newDevice(1), reg, sink)

	errs, wait := start(ds)
	require.Equal(t, uint64(1), post(t, b, 0, control.Init))
	b.SetSignal(control.LoadHigh)
	require.Equal(t, uint64(1), post(t, b, 0, control.Work))
	wait()

	require.ErrorIs(t, errs[0], ErrKernelRun)
	require.ErrorIs(t, errs[0], fault)
	r := ds[0].Result
	assert.False(t, r.Stopped)
	assert.Equal(t, uint64(3), r.Iterations)
	assert.Len(t, sink.samples[0], 40, "results persisted after the fault")
	require.Len(t, sink.sockets, 1)
}

func TestRun_WarnsOnCoresMismatch(t *testing.T) {
	b, err := control.NewBlock(1)
	require.NoError(t, err)
	var runs atomic.Int64
	ds := newDescriptors(t, 1, b, newDevice(1), stubRegistry(t, &runs, nil, nil), newMemSink())
	core, logs := observer.New(zap.WarnLevel)
	ds[0].Log = zap.New(core)
	ds[0].CoresPerSocket = 4
	cfg := smallConfig()
	cfg.CoresPerSocket = 8
	ds[0].Config = config.Static(cfg)

	errs, wait := start(ds)
	require.Equal(t, uint64(1), post(t, b, 0, control.Init))
	b.SetSignal(control.LoadHigh)
	require.Equal(t, uint64(1), post(t, b, 0, control.Work))
	wait()

	require.NoError(t, errs[0])
	warned := logs.FilterMessage("run config does not match this host").All()
	require.Len(t, warned, 1)
	assert.ErrorIs(t, warned[0].ContextMap()["error"].(error), config.ErrCoresMismatch)
}
