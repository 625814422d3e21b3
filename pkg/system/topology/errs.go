package topology

import "errors"

var (
	// ErrEmptyList indicates an empty CPU list string.
	ErrEmptyList = errors.New("topology: empty cpu list")

	// ErrBadList indicates a malformed CPU list element.
	ErrBadList = errors.New("topology: malformed cpu list")
)
