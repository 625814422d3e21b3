package control

import "errors"

// ErrNoParticipants indicates a control block was requested for zero threads.
var ErrNoParticipants = errors.New("control: participant count must be > 0")
