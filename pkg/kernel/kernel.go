// Package kernel defines the compute-kernel interface driven by the workload
// loop and a registration table mapping kernel ids to implementations.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ja7ad/corestress/pkg/control"
)

// ID is an architecture/width/thread-count tag such as "go_fma_1t".
type ID string

// Context is the per-thread state a kernel works on.
type Context struct {
	// Buffer is the aligned work buffer viewed as float64s.
	Buffer []float64
	// Block carries the load signal. A kernel returns early while the signal
	// reads control.LoadLow. Nil means always high.
	Block *control.Block

	Iterations uint64
	Flops      uint64
}

// High reports whether the heavy phase should run.
func (c *Context) High() bool {
	return c.Block == nil || c.Block.Signal() != control.LoadLow
}

// Kernel is the capability pair resolved once per thread at INIT.
type Kernel interface {
	Init(c *Context) error
	RunOnce(c *Context) error
}

// Funcs adapts a pair of functions to Kernel.
type Funcs struct {
	InitFn func(*Context) error
	RunFn  func(*Context) error
}

func (f Funcs) Init(c *Context) error    { return f.InitFn(c) }
func (f Funcs) RunOnce(c *Context) error { return f.RunFn(c) }

type entry struct {
	k         Kernel
	supported func() bool
}

// Registry maps kernel ids to kernels.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]entry
	prefer  []ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[ID]entry{}}
}

// Register adds k under id. supported reports whether the host can run it;
// nil means always. Kernels registered earlier are preferred by Auto.
func (r *Registry) Register(id ID, k Kernel, supported func() bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if supported == nil {
		supported = func() bool { return true }
	}
	r.entries[id] = entry{k: k, supported: supported}
	r.prefer = append(r.prefer, id)
	return nil
}

// Lookup resolves id.
func (r *Registry) Lookup(id ID) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, id)
	}
	if !e.supported() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, id)
	}
	return e.k, nil
}

// Auto returns the first registered kernel the host supports.
func (r *Registry) Auto() (ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.prefer {
		if r.entries[id].supported() {
			return id, nil
		}
	}
	return "", ErrNoKernel
}

// IDs lists all registered ids in lexical order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
