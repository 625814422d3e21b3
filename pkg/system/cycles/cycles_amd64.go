//go:build amd64

package cycles

func rdtsc() uint64

func mfenceCPUID()

func now() uint64 { return rdtsc() }

func serialize() { mfenceCPUID() }
