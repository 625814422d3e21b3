package control

import "math/bits"

// Rounds returns the number of dissemination rounds needed for n
// participants, ceil(log2(n)). One participant needs none.
func Rounds(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Barrier blocks participant p until all N participants have called it.
//
// Round r signals through p's own cell and waits on the cell of the
// participant 2^(r-1) positions ahead, then consumes that signal by zeroing
// it. A participant only writes round r+1 into its own cell after the
// previous value has been consumed, so each cell has a single writer per
// round. Every participant must call Barrier the same number of times or the
// others spin forever.
func (b *Block) Barrier(p int) { b.disseminate(p, false) }

// BarrierOrStop is Barrier that gives up as soon as the load signal reads
// LoadStop, so a participant that already left the loop cannot strand the
// others. It reports whether the barrier completed. After a false return the
// barrier cells are undefined and the block must not be reused.
func (b *Block) BarrierOrStop(p int) bool { return b.disseminate(p, true) }

func (b *Block) disseminate(p int, stoppable bool) bool {
	rounds := Rounds(b.n)
	own := &b.barrier[p].v
	for r := 1; r <= rounds; r++ {
		if !b.spin(func() bool { return own.Load() == 0 }, stoppable) {
			return false
		}
		own.Store(uint64(r))

		sibling := &b.barrier[(p+1<<(r-1))%b.n].v
		want := uint64(r)
		if !b.spin(func() bool { return sibling.Load() == want }, stoppable) {
			return false
		}
		sibling.Store(0)
	}
	return true
}
