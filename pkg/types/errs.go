package types

import "errors"

// ErrInvalidSize indicates a size string humanize could not parse.
var ErrInvalidSize = errors.New("types: invalid size")
