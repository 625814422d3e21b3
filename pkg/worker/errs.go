package worker

import "errors"

var (
	// ErrKernelInit wraps a failure of the kernel's Init.
	ErrKernelInit = errors.New("worker: kernel init failed")

	// ErrKernelRun wraps a failure of the kernel's RunOnce.
	ErrKernelRun = errors.New("worker: kernel run failed")

	// ErrNotInitialized indicates WORK arrived before a successful INIT.
	ErrNotInitialized = errors.New("worker: work before init")

	// ErrPersist wraps failures writing results through the sink.
	ErrPersist = errors.New("worker: persist results")
)
