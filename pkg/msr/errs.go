package msr

import "errors"

var (
	// ErrOpen indicates an msr device node could not be opened (module not
	// loaded or missing privileges).
	ErrOpen = errors.New("msr: open device")

	// ErrNoSuchCoord indicates a coordinate that maps to no opened CPU.
	ErrNoSuchCoord = errors.New("msr: no cpu at coordinate")

	// ErrShortIO indicates the driver transferred fewer than 8 bytes.
	ErrShortIO = errors.New("msr: short transfer")
)
