package kernel

import "errors"

var (
	// ErrUnknownKernel indicates an id with no registered kernel.
	ErrUnknownKernel = errors.New("kernel: unknown kernel")

	// ErrUnsupported indicates the host lacks the instructions a kernel needs.
	ErrUnsupported = errors.New("kernel: unsupported on this cpu")

	// ErrDuplicate indicates a second registration under the same id.
	ErrDuplicate = errors.New("kernel: duplicate id")

	// ErrNoKernel indicates no registered kernel runs on this host.
	ErrNoKernel = errors.New("kernel: no supported kernel")

	// ErrEmptyBuffer indicates Init was called without a work buffer.
	ErrEmptyBuffer = errors.New("kernel: empty work buffer")

	// ErrBufferSize indicates a work buffer too small to hold one float64.
	ErrBufferSize = errors.New("kernel: bad buffer size")

	// ErrAlignment indicates an alignment that is not a power of two or
	// exceeds the page size.
	ErrAlignment = errors.New("kernel: bad alignment")
)
