// Package control holds the process-wide state shared between the
// orchestrator and the per-core workers: the command mailbox, the
// acknowledgment cell, the barrier cells and the load signal.
//
// Every cell is a single naturally aligned word accessed through sync/atomic,
// padded to its own cache line so that polling threads do not false-share.
// Waiting on a cell is a pure busy-wait; no OS synchronization is involved.
package control

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Command is the value an orchestrator writes into a worker's mailbox.
type Command uint64

const (
	Idle Command = 0 // nothing posted yet
	Wait Command = 1
	Work Command = 2
	Init Command = 3
	Stop Command = 4
)

func (c Command) String() string {
	switch c {
	case Idle:
		return "IDLE"
	case Wait:
		return "WAIT"
	case Work:
		return "WORK"
	case Init:
		return "INIT"
	case Stop:
		return "STOP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint64(c))
	}
}

// Load is the value of the high/low signal watched by the workload loop.
type Load uint64

const (
	LoadLow  Load = 0
	LoadHigh Load = 1
	LoadStop Load = 2
)

const (
	// AckPending means no worker has answered the last command yet.
	AckPending uint64 = 0
	// AckInitFailure is written by a worker whose buffer allocation or
	// kernel initialization failed.
	AckInitFailure uint64 = 0xFFFFFFFF
)

const cacheLine = 64

type cell struct {
	v atomic.Uint64
	_ [cacheLine - 8]byte
}

// Block is the shared control block for one run. The orchestrator is the only
// writer of command cells and the load signal; workers write the ack cell and
// the barrier cells.
type Block struct {
	n        int
	commands []cell
	barrier  []cell
	ack      cell
	signal   cell

	spinYield uint64
}

// Option configures a Block.
type Option func(*Block)

// WithSpinYield makes every busy-wait call runtime.Gosched after k spins.
// Zero (the default) never yields. Useful when there are more participants
// than logical CPUs.
func WithSpinYield(k uint64) Option {
	return func(b *Block) { b.spinYield = k }
}

// NewBlock allocates a control block for n participants. All commands start
// at zero, which no worker acts on, and all barrier cells start at zero.
func NewBlock(n int, opts ...Option) (*Block, error) {
	if n <= 0 {
		return nil, ErrNoParticipants
	}
	b := &Block{
		n:        n,
		commands: make([]cell, n),
		barrier:  make([]cell, n),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Participants returns N.
func (b *Block) Participants() int { return b.n }

// SetCommand writes cmd into thread id's mailbox.
func (b *Block) SetCommand(id int, cmd Command) { b.commands[id].v.Store(uint64(cmd)) }

// Command polls thread id's mailbox.
func (b *Block) Command(id int) Command { return Command(b.commands[id].v.Load()) }

// SetAck stores v into the shared acknowledgment cell.
func (b *Block) SetAck(v uint64) { b.ack.v.Store(v) }

// Ack reads the shared acknowledgment cell.
func (b *Block) Ack() uint64 { return b.ack.v.Load() }

// AwaitAck spins until the ack cell is no longer pending and returns it.
func (b *Block) AwaitAck() uint64 {
	var v uint64
	b.spinUntil(func() bool {
		v = b.ack.v.Load()
		return v != AckPending
	})
	return v
}

// SetSignal publishes the load signal.
func (b *Block) SetSignal(l Load) { b.signal.v.Store(uint64(l)) }

// Signal reads the load signal.
func (b *Block) Signal() Load { return Load(b.signal.v.Load()) }

// spinUntil busy-waits until cond returns true.
func (b *Block) spinUntil(cond func() bool) { b.spin(cond, false) }

// spin busy-waits until cond returns true, or until the load signal reads
// LoadStop when stoppable is set. It reports whether cond was met.
func (b *Block) spin(cond func() bool, stoppable bool) bool {
	var spins uint64
	for !cond() {
		if stoppable && b.Signal() == LoadStop {
			return false
		}
		spins++
		if b.spinYield > 0 && spins%b.spinYield == 0 {
			runtime.Gosched()
		}
	}
	return true
}
