package telemetry

import "errors"

var (
	// ErrIndexOutOfRange rejects a sample whose iteration lies outside the
	// pre-sized log.
	ErrIndexOutOfRange = errors.New("telemetry: iteration outside log")

	// ErrNotStarted indicates Meter.Sample before Meter.Start.
	ErrNotStarted = errors.New("telemetry: meter not started")
)
