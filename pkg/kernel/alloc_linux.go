//go:build linux

package kernel

import (
	"fmt"
	"unsafe"

	"github.com/ja7ad/corestress/pkg/system/proc"
	"golang.org/x/sys/unix"
)

// Buffer is an aligned, anonymously mapped work buffer.
type Buffer struct {
	raw []byte
}

// AllocBuffer maps size bytes aligned to alignment. Mappings are page
// aligned, so any power-of-two alignment up to the page size is honoured.
func AllocBuffer(size, alignment int) (*Buffer, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: %d", ErrBufferSize, size)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 || alignment > proc.PageSize() {
		return nil, fmt.Errorf("%w: %d", ErrAlignment, alignment)
	}
	raw, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap %d bytes: %w", size, err)
	}
	return &Buffer{raw: raw}, nil
}

// Floats views the buffer as float64s.
func (b *Buffer) Floats() []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.raw[0])), len(b.raw)/8)
}

// Len returns the size in bytes.
func (b *Buffer) Len() int { return len(b.raw) }

// Addr returns the start address.
func (b *Buffer) Addr() uintptr { return uintptr(unsafe.Pointer(&b.raw[0])) }

// Release unmaps the buffer. Safe to call more than once.
func (b *Buffer) Release() error {
	if b.raw == nil {
		return nil
	}
	err := unix.Munmap(b.raw)
	b.raw = nil
	return err
}
