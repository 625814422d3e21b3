package config

import "errors"

var (
	// ErrEmpty indicates a configuration source with no fields at all.
	ErrEmpty = errors.New("config: empty source")

	// ErrField indicates a legacy field that does not parse.
	ErrField = errors.New("config: bad field")

	// ErrCoresMismatch indicates a declared cores-per-socket the host does
	// not have.
	ErrCoresMismatch = errors.New("config: cores per socket differs from topology")
)
