//go:build linux

// Package topology maps logical CPUs to (socket, core, thread) coordinates by
// reading the sysfs CPU topology files.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is where the kernel exposes CPU topology.
const DefaultRoot = "/sys/devices/system/cpu"

// CPU is one logical processor.
//   - Socket: physical_package_id
//   - Core:   dense index of the physical core within its socket (0..n-1),
//     ordered by the kernel's core_id
//   - Thread: index of this logical CPU among its core's siblings, ordered by
//     CPU id
type CPU struct {
	ID     int
	Socket int
	Core   int
	Thread int
}

// Topology is the set of online CPUs.
type Topology struct {
	CPUs []CPU
	byID map[int]CPU
}

// Read parses the online CPU list and per-CPU topology under root.
// An empty root means DefaultRoot.
func Read(root string) (*Topology, error) {
	if root == "" {
		root = DefaultRoot
	}
	b, err := os.ReadFile(filepath.Join(root, "online"))
	if err != nil {
		return nil, fmt.Errorf("topology: read online: %w", err)
	}
	ids, err := ParseList(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, err
	}

	type raw struct{ id, pkg, core int }
	raws := make([]raw, 0, len(ids))
	for _, id := range ids {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", id), "topology")
		pkg, err := readInt(filepath.Join(dir, "physical_package_id"))
		if err != nil {
			return nil, err
		}
		core, err := readInt(filepath.Join(dir, "core_id"))
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw{id: id, pkg: pkg, core: core})
	}

	// dense core numbering per socket
	coreIDs := map[int][]int{}
	for _, r := range raws {
		coreIDs[r.pkg] = appendUnique(coreIDs[r.pkg], r.core)
	}
	dense := map[[2]int]int{}
	for pkg, cs := range coreIDs {
		sort.Ints(cs)
		for i, c := range cs {
			dense[[2]int{pkg, c}] = i
		}
	}

	sort.Slice(raws, func(i, j int) bool { return raws[i].id < raws[j].id })
	siblings := map[[2]int]int{}
	t := &Topology{byID: make(map[int]CPU, len(raws))}
	for _, r := range raws {
		key := [2]int{r.pkg, r.core}
		c := CPU{ID: r.id, Socket: r.pkg, Core: dense[key], Thread: siblings[key]}
		siblings[key]++
		t.CPUs = append(t.CPUs, c)
		t.byID[c.ID] = c
	}
	return t, nil
}

// New builds a topology from explicit CPUs. Used when sysfs is unavailable
// and by tests.
func New(cpus []CPU) *Topology {
	t := &Topology{CPUs: cpus, byID: make(map[int]CPU, len(cpus))}
	for _, c := range cpus {
		t.byID[c.ID] = c
	}
	return t
}

// Flat assumes one socket, one thread per core and CPU id == core index.
func Flat(n int) *Topology {
	cpus := make([]CPU, n)
	for i := range cpus {
		cpus[i] = CPU{ID: i, Core: i}
	}
	return New(cpus)
}

// Lookup returns the CPU with the given id.
func (t *Topology) Lookup(id int) (CPU, bool) {
	c, ok := t.byID[id]
	return c, ok
}

// Sockets returns the number of distinct sockets.
func (t *Topology) Sockets() int {
	seen := map[int]struct{}{}
	for _, c := range t.CPUs {
		seen[c.Socket] = struct{}{}
	}
	return len(seen)
}

// CoresPerSocket returns the number of physical cores in the largest socket.
func (t *Topology) CoresPerSocket() int {
	n := 0
	for _, c := range t.CPUs {
		if c.Core+1 > n {
			n = c.Core + 1
		}
	}
	return n
}

// ParseList parses a kernel CPU list such as "0-3,8,10-11".
func ParseList(s string) ([]int, error) {
	if s == "" {
		return nil, ErrEmptyList
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadList, part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil || b < a {
				return nil, fmt.Errorf("%w: %q", ErrBadList, part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, i)
		}
	}
	return out, nil
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("topology: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	return v, nil
}

func appendUnique(xs []int, v int) []int {
	for _, x := range xs {
		if x == v {
			return xs
		}
	}
	return append(xs, v)
}
