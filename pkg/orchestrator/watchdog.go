package orchestrator

import (
	"context"
	"time"

	"github.com/ja7ad/corestress/pkg/control"
	"github.com/ja7ad/corestress/pkg/logutil"
	"go.uber.org/zap"
)

// Watchdog drives the load signal: HIGH for Load*Period, LOW for the rest
// of each Period, and LoadStop once Timeout has elapsed.
type Watchdog struct {
	Block   *control.Block
	Period  time.Duration
	Load    float64 // fraction of each period spent high, 0..1
	Timeout time.Duration
	Log     *zap.Logger
}

// Split returns the high and low phase lengths.
func (w *Watchdog) Split() (high, low time.Duration) {
	load := w.Load
	switch {
	case load < 0:
		load = 0
	case load > 1:
		load = 1
	}
	high = time.Duration(float64(w.Period) * load)
	return high, w.Period - high
}

// setInitial publishes the first phase so workers entering the loop see the
// right signal before the watchdog goroutine is scheduled.
func (w *Watchdog) setInitial() {
	if high, _ := w.Split(); high > 0 {
		w.Block.SetSignal(control.LoadHigh)
		return
	}
	w.Block.SetSignal(control.LoadLow)
}

// Run toggles the signal until the timeout, ctx cancellation or done. It
// reports whether it published LoadStop.
func (w *Watchdog) Run(ctx context.Context, done <-chan struct{}) bool {
	log := logutil.OrNop(w.Log)
	var deadline <-chan time.Time
	if w.Timeout > 0 {
		t := time.NewTimer(w.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	high, low := w.Split()
	state := control.LoadHigh
	if high <= 0 {
		state = control.LoadLow
	}
	var phase *time.Timer
	var toggle <-chan time.Time
	if high > 0 && low > 0 {
		phase = time.NewTimer(high)
		defer phase.Stop()
		toggle = phase.C
	}
	w.Block.SetSignal(state)
	log.Debug("watchdog started",
		zap.Duration("high", high), zap.Duration("low", low), zap.Duration("timeout", w.Timeout))

	var toggles uint64
	for {
		select {
		case <-ctx.Done():
			w.Block.SetSignal(control.LoadStop)
			log.Info("load stop", zap.String("reason", "canceled"), zap.Uint64("toggles", toggles))
			return true
		case <-deadline:
			w.Block.SetSignal(control.LoadStop)
			log.Info("load stop", zap.String("reason", "timeout"), zap.Uint64("toggles", toggles))
			return true
		case <-done:
			return false
		case <-toggle:
			if state == control.LoadHigh {
				state = control.LoadLow
				phase.Reset(low)
			} else {
				state = control.LoadHigh
				phase.Reset(high)
			}
			w.Block.SetSignal(state)
			toggles++
		}
	}
}
