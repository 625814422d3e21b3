package orchestrator

import (
	"errors"
	"time"
)

// DefaultJoinTimeout is how long Run waits for workers after LoadStop.
const DefaultJoinTimeout = 30 * time.Second

var (
	// ErrNoTopology indicates Options without a CPU topology.
	ErrNoTopology = errors.New("orchestrator: no topology")

	// ErrUnknownCPU indicates a requested CPU missing from the topology.
	ErrUnknownCPU = errors.New("orchestrator: cpu not in topology")

	// ErrInitFailed indicates a worker answered INIT with a failure.
	ErrInitFailed = errors.New("orchestrator: worker init failed")

	// ErrJoinTimeout indicates workers did not return after LoadStop.
	ErrJoinTimeout = errors.New("orchestrator: workers did not stop")
)
