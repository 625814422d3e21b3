package schedule

import "errors"

// ErrIntervalClamped reports that a configured interval was zero and has been
// raised to one iteration.
var ErrIntervalClamped = errors.New("schedule: interval clamped to 1")
