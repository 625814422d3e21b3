// Package types holds small value types shared by the command line and the
// orchestrator.
package types

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Bytes is a size in bytes. It implements pflag.Value so sizes can be given
// as "64KiB", "1.5 MiB" or a bare count.
type Bytes uint64

// ParseBytes parses a size with an optional SI or IEC suffix.
func ParseBytes(s string) (Bytes, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	return Bytes(n), nil
}

// Humanized renders b with binary units, e.g. "1.5 KiB".
func (b Bytes) Humanized() string { return humanize.IBytes(uint64(b)) }

// Int returns b as an int for allocation sizes.
func (b Bytes) Int() int { return int(b) }

func (b Bytes) String() string { return b.Humanized() }

func (b *Bytes) Set(s string) error {
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *Bytes) Type() string { return "bytes" }
