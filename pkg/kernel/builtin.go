package kernel

import (
	"math"

	"golang.org/x/sys/cpu"
)

// Portable kernels. Real architecture kernels (AVX-512, FMA, SSE2 assembly)
// are registered the same way by the packages that provide them.
const (
	GoFMA    ID = "go_fma_1t"
	GoMulAdd ID = "go_muladd_1t"
)

const (
	passes = 4
	mul    = 0.9999999
	add    = 1e-7
)

// Default returns a registry holding the portable kernels, FMA first.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(GoFMA, Funcs{InitFn: initBuffer, RunFn: runFMA}, func() bool { return cpu.X86.HasFMA })
	_ = r.Register(GoMulAdd, Funcs{InitFn: initBuffer, RunFn: runMulAdd}, nil)
	return r
}

func initBuffer(c *Context) error {
	if len(c.Buffer) == 0 {
		return ErrEmptyBuffer
	}
	for i := range c.Buffer {
		c.Buffer[i] = 0.25 + float64(i%64)/256
	}
	return nil
}

func runFMA(c *Context) error {
	if !c.High() {
		return nil
	}
	buf := c.Buffer
	for p := 0; p < passes; p++ {
		for i := range buf {
			buf[i] = math.FMA(buf[i], mul, add)
		}
	}
	c.Iterations++
	c.Flops += uint64(2 * passes * len(buf))
	return nil
}

func runMulAdd(c *Context) error {
	if !c.High() {
		return nil
	}
	buf := c.Buffer
	for p := 0; p < passes; p++ {
		for i := range buf {
			buf[i] = buf[i]*mul + add
		}
	}
	c.Iterations++
	c.Flops += uint64(2 * passes * len(buf))
	return nil
}

// IntLoadSteps is the length of the light workload's add chain.
const IntLoadSteps = 550000

// IntLoad is the light integer workload run in the low duty phase. The
// returned value must be stored by the caller so the chain is not eliminated.
func IntLoad() uint64 {
	var a, b, c uint64
	for i := uint64(0); i < IntLoadSteps; i++ {
		a += i
		b += a
		c += b
	}
	return a | b | c
}
