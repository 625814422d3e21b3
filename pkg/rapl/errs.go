package rapl

import "errors"

// ErrNotApplied indicates the power cap is not in force for this run because
// a register access failed.
var ErrNotApplied = errors.New("rapl: power limit not applied")
