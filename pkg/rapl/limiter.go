package rapl

import (
	"fmt"

	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Result describes what Apply programmed.
type Result struct {
	Units     Units
	PerfCtl   uint64
	Raw       uint64 // PKG_POWER_LIMIT as written
	Primary   Limit
	Secondary Limit
	// Previous holds the limits found in PKG_POWER_LIMIT before the write;
	// zero when the read failed.
	Previous [2]Limit
	// Clamped lists the fields that did not fit and were saturated.
	Clamped []string
}

// Limiter programs the socket-level power limit. Exactly one thread per
// socket may call Apply.
type Limiter struct {
	dev msr.Device
	log *zap.Logger
}

// NewLimiter returns a limiter writing through dev.
func NewLimiter(dev msr.Device, log *zap.Logger) *Limiter {
	return &Limiter{dev: dev, log: logutil.OrNop(log)}
}

// Units reads and decodes RAPL_POWER_UNIT on c.
func (l *Limiter) Units(c msr.Coord) (Units, error) {
	raw, err := l.dev.Read(c, msr.RAPLUnit)
	if err != nil {
		return Units{}, err
	}
	return DecodeUnits(raw), nil
}

// Apply performs the read-modify-write of PERF_CTL and writes the two-level
// power limit derived from cfg. Out-of-range fields are clamped with a
// warning. Any register failure means the cap is not in force: the returned
// error wraps ErrNotApplied and every underlying failure.
func (l *Limiter) Apply(c msr.Coord, cfg config.RunConfig) (Result, error) {
	var res Result
	log := l.log.With(zap.Stringer("coord", c))

	units, err := l.Units(c)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrNotApplied, err)
	}
	res.Units = units
	log.Debug("rapl units",
		zap.Float64("power_unit_w", units.Power),
		zap.Float64("energy_unit_j", units.Energy),
		zap.Float64("time_unit_s", units.Time))

	var errs error
	old, err := l.dev.Read(c, msr.PerfCtl)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		res.PerfCtl = PerfControl(old, cfg.Frequency, cfg.Turbo)
		errs = multierr.Append(errs, l.dev.Write(c, msr.PerfCtl, res.PerfCtl))
	}

	clamp := func(name string, v uint64) {
		res.Clamped = append(res.Clamped, name)
		log.Warn("rapl field out of range, clamped", zap.String("field", name), zap.Uint64("value", v))
	}

	p, over := EncodePower(cfg.Watts, units.Power)
	if over {
		clamp("power", p)
	}
	w, over := EncodeTimeWindow(float64(cfg.Seconds), units.Time)
	if over {
		clamp("window", w)
	}
	sp, over := EncodePower(cfg.SecondaryWatts, units.Power)
	if over {
		clamp("secondary_power", sp)
	}
	sw := cfg.SubWindow
	if sw > WindowFieldMax {
		sw = WindowFieldMax
		clamp("secondary_window", sw)
	}

	res.Primary = Limit{Power: p, Window: w, Enable: true, Clamp: true}
	res.Secondary = Limit{Power: sp, Window: sw, Enable: true, Clamp: true}
	res.Raw = PackLimits(res.Primary, res.Secondary)

	if prev, err := l.dev.Read(c, msr.PkgPowerLimit); err == nil {
		res.Previous[0], res.Previous[1] = UnpackLimits(prev)
		log.Debug("replacing rapl limit",
			zap.Float64("watts", DecodePower(res.Previous[0].Power, units.Power)),
			zap.Float64("secondary_watts", DecodePower(res.Previous[1].Power, units.Power)),
			zap.Bool("enabled", res.Previous[0].Enable))
	}

	errs = multierr.Append(errs, l.dev.Write(c, msr.PkgPowerLimit, res.Raw))
	if errs != nil {
		return res, fmt.Errorf("%w: %w", ErrNotApplied, errs)
	}

	log.Info("rapl limit programmed",
		zap.String("raw", fmt.Sprintf("%#x", res.Raw)),
		zap.Float64("watts", DecodePower(p, units.Power)),
		zap.Float64("window_s", DecodeTimeWindow(w, units.Time)),
		zap.Float64("secondary_watts", DecodePower(sp, units.Power)),
		zap.String("perf_ctl", fmt.Sprintf("%#x", res.PerfCtl)))
	return res, nil
}
