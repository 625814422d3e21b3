//go:build linux

package msr

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/ja7ad/corestress/pkg/system/topology"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// DefaultDir is the msr driver's device directory.
const DefaultDir = "/dev/cpu"

// devDevice reads and writes /dev/cpu/<id>/msr. All descriptors are opened up
// front so that the per-iteration read path takes no locks.
type devDevice struct {
	fds map[Coord]int
}

// Open opens the msr device of every CPU in topo. dir defaults to DefaultDir.
// The msr kernel module must be loaded and the caller needs CAP_SYS_RAWIO.
func Open(dir string, topo *topology.Topology) (Device, error) {
	if dir == "" {
		dir = DefaultDir
	}
	d := &devDevice{fds: make(map[Coord]int, len(topo.CPUs))}
	for _, c := range topo.CPUs {
		path := filepath.Join(dir, strconv.Itoa(c.ID), "msr")
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
		}
		d.fds[Coord{Socket: c.Socket, Core: c.Core, Thread: c.Thread}] = fd
	}
	return d, nil
}

func (d *devDevice) Read(c Coord, r Register) (uint64, error) {
	fd, ok := d.fds[c]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchCoord, c)
	}
	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], int64(r))
	if err != nil {
		return 0, fmt.Errorf("msr: read %s on %s: %w", r, c, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: read %s on %s: %d bytes", ErrShortIO, r, c, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *devDevice) Write(c Coord, r Register, v uint64) error {
	fd, ok := d.fds[c]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchCoord, c)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	n, err := unix.Pwrite(fd, buf[:], int64(r))
	if err != nil {
		return fmt.Errorf("msr: write %s on %s: %w", r, c, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: write %s on %s: %d bytes", ErrShortIO, r, c, n)
	}
	return nil
}

func (d *devDevice) Close() error {
	var err error
	for c, fd := range d.fds {
		err = multierr.Append(err, unix.Close(fd))
		delete(d.fds, c)
	}
	return err
}
