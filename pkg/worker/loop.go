//go:build linux

package worker

import (
	"fmt"
	"time"

	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/rapl"
	"github.com/ja7ad/corestress/pkg/schedule"
	"github.com/ja7ad/corestress/pkg/system/cycles"
	"github.com/ja7ad/corestress/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FixedCtrEnable turns on fixed counter 0 (instructions retired) in both
// rings and fixed counters 1 and 2 in ring 0.
const FixedCtrEnable = 0x3 | 1<<4 | 1<<8

// heavyPayload marks samples of the compute kernel phase.
const heavyPayload = 0x12345

func (t *thread) loadConfig() config.RunConfig {
	if t.d.Config == nil {
		t.log.Warn("no run config source, using defaults")
		return config.Default()
	}
	cfg, err := t.d.Config.Load()
	if err != nil {
		t.log.Warn("run config unavailable, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
}

func (t *thread) work() error {
	d := t.d
	res := &d.Result
	res.StartTSC = cycles.Now()

	cfg := t.loadConfig()
	t.log.Debug("run config", zap.Stringer("config", cfg))
	if d.Designated && d.CoresPerSocket > 0 {
		if err := cfg.CheckCores(d.CoresPerSocket); err != nil {
			t.log.Warn("run config does not match this host", zap.Error(err))
		}
	}

	if err := d.Device.Write(d.Coord, msr.FixedCtrCtrl, FixedCtrEnable); err != nil {
		t.log.Warn("fixed counter enable failed", zap.Error(err))
	}

	var (
		units rapl.Units
		base  telemetry.Baseline
		meter *telemetry.Meter
		power = telemetry.NewPowerLog()
	)
	if d.Designated {
		r, err := rapl.NewLimiter(d.Device, t.log).Apply(d.Coord, cfg)
		if err != nil {
			res.PowerCap = err
			t.log.Error("power cap not in force for this run", zap.Error(err))
		}
		units = r.Units
		if base, err = telemetry.ReadBaseline(d.Device, d.Coord); err != nil {
			t.log.Warn("socket baseline incomplete", zap.Error(err))
		}
		if units.Energy > 0 {
			meter = telemetry.NewMeter(d.Device, d.Coord, units.Energy, power, t.log)
			if err := meter.Start(); err != nil {
				t.log.Warn("interval power disabled", zap.Error(err))
				meter = nil
			}
		}
	} else {
		// keep the others close behind the designated thread
		time.Sleep(100 * time.Microsecond)
	}

	sched, err := schedule.New(cfg.Duty, cfg.Partitions)
	if err != nil {
		t.log.Warn("duty cycle adjusted", zap.Error(err))
	}
	samples := telemetry.NewLog(cfg.IterationCap)
	col := telemetry.NewCollector(telemetry.NewCounterReader(d.Device, d.Coord, t.log), samples)

	runErr := t.loop(cfg, sched, col, meter)
	res.StopTSC = cycles.Now()
	res.Filled = samples.Filled()
	res.Flops = t.kctx.Flops

	if d.Designated {
		s, err := telemetry.ReadSocket(d.Device, d.Coord, base, units, cfg.MaxFrequency)
		if err != nil {
			t.log.Warn("socket summary incomplete", zap.Error(err))
		}
		s = s.WithIntervals(power)
		res.Socket = &s
		t.log.Info("socket summary",
			zap.Int("socket", s.Socket),
			zap.Float64("seconds", s.Seconds),
			zap.Float64("power_w", s.PowerW),
			zap.Float64("pp0_w", s.PP0W),
			zap.Float64("freq_ghz", s.FrequencyGHz),
			zap.Int64("temp_margin", s.TempMargin),
			zap.Float64("min_power_w", s.MinPowerW))
	}

	err = t.persist(cfg, samples, power)
	samples.Release()
	return multierr.Append(runErr, err)
}

// loop runs IterationCap iterations or until the load signal reads LoadStop.
func (t *thread) loop(cfg config.RunConfig, sched *schedule.DutyCycle, col *telemetry.Collector, meter *telemetry.Meter) error {
	d := t.d
	res := &d.Result
	var meterWarned bool

	if !d.Block.BarrierOrStop(d.ID) {
		res.Stopped = true
		return nil
	}
	for n := uint64(0); n < cfg.IterationCap; n++ {
		iter := res.Iterations + 1
		res.Iterations = iter
		tick := sched.Step(iter)

		if tick.Sample {
			if !d.Block.BarrierOrStop(d.ID) {
				res.Stopped = true
				return nil
			}
			if meter != nil {
				if _, err := meter.Sample(); err != nil && !meterWarned {
					meterWarned = true
					t.log.Warn("energy sample failed", zap.Error(err))
				}
			}
		}

		if tick.Workload == schedule.Light {
			if err := col.Measure(iter, uint8(schedule.Light), kernel.IntLoad); err != nil {
				return err
			}
			continue
		}

		var kerr error
		err := col.Measure(iter, uint8(schedule.Heavy), func() uint64 {
			kerr = t.kern.RunOnce(t.kctx)
			return heavyPayload
		})
		if err != nil {
			return err
		}
		if kerr != nil {
			return fmt.Errorf("%w: %s: %w", ErrKernelRun, d.Kernel, kerr)
		}

		t.lowLoad()
		if d.Block.Signal() == control.LoadStop {
			res.Stopped = true
			return nil
		}
	}
	return nil
}

// lowLoad naps while the load signal reads LoadLow, bracketing every nap
// with a serializing fence.
func (t *thread) lowLoad() {
	nap := t.d.Period / 100
	cycles.Serialize()
	for t.d.Block.Signal() == control.LoadLow {
		cycles.Serialize()
		time.Sleep(nap)
		cycles.Serialize()
	}
}

func (t *thread) persist(cfg config.RunConfig, samples *telemetry.Log, power *telemetry.PowerLog) error {
	d := t.d
	if d.Sink == nil {
		return nil
	}
	var errs error
	errs = multierr.Append(errs, d.Sink.WriteSamples(d.CPU, samples.Samples(), cfg.MaxFrequency))
	if d.Designated {
		errs = multierr.Append(errs, d.Sink.WritePower(d.CPU, power.Values()))
		if d.Result.Socket != nil {
			errs = multierr.Append(errs, d.Sink.WriteSocket(*d.Result.Socket))
		}
	}
	if errs != nil {
		return fmt.Errorf("%w: cpu %d: %w", ErrPersist, d.CPU, errs)
	}
	t.log.Info("results written",
		zap.Uint64("iterations", d.Result.Iterations),
		zap.Int("samples", samples.Filled()),
		zap.Int("power_samples", power.Len()),
		zap.Uint64("flops", d.Result.Flops),
		zap.Bool("stopped", d.Result.Stopped))
	return nil
}
