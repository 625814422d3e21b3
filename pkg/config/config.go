// Package config holds the run configuration loaded by each worker when it
// enters the work phase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RunConfig is immutable once loaded.
// Units:
//   - Seconds: primary RAPL time window in seconds
//   - Watts / SecondaryWatts: RAPL power limits in Watts
//   - SubWindow: secondary RAPL time-window field, raw 7-bit encoding
//   - Frequency: PERF_CTL target ratio code (bits 15:0)
//   - MaxFrequency: GHz, only used to scale APERF/MPERF for display
//   - CoresPerSocket: declared core count, checked against the topology by
//     CheckCores; 0 trusts the topology
type RunConfig struct {
	IterationCap   uint64  `yaml:"iteration_cap"`
	Seconds        uint64  `yaml:"seconds"`
	Watts          float64 `yaml:"watts"`
	SubWindow      uint64  `yaml:"sub_window"`
	SecondaryWatts float64 `yaml:"secondary_watts"`
	Frequency      uint64  `yaml:"frequency"`
	Turbo          bool    `yaml:"turbo"`
	Duty           uint64  `yaml:"duty"`
	Partitions     uint64  `yaml:"partitions"`
	MaxFrequency   float64 `yaml:"max_frequency"`
	CoresPerSocket uint64  `yaml:"cores_per_socket"`
}

// Source yields a RunConfig. Workers call Load once at work-phase entry.
type Source interface {
	Load() (RunConfig, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (RunConfig, error)

func (f SourceFunc) Load() (RunConfig, error) { return f() }

// Static always yields the same configuration.
func Static(c RunConfig) Source {
	return SourceFunc(func() (RunConfig, error) { return c, nil })
}

// File loads from a path; ".yaml"/".yml" are YAML, anything else is the
// fixed-order legacy format.
type File struct {
	Path string
}

func (f File) Load() (RunConfig, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config: %w", err)
	}
	defer fh.Close()

	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		return ParseYAML(fh)
	default:
		return ParseLegacy(fh)
	}
}

// Default returns the built-in configuration used when no source is usable.
func Default() RunConfig {
	return *_defaultConfig()
}

func _defaultConfig() *RunConfig {
	return &RunConfig{
		IterationCap:   80000,  // NUM_ITERS
		Seconds:        1,      // primary window
		Watts:          90.0,   // primary limit
		SubWindow:      50,     // secondary window field
		SecondaryWatts: 120.0,  // secondary limit
		Frequency:      0x2D00, // ratio 45
		Turbo:          true,
		Duty:           8800,
		Partitions:     4,
		MaxFrequency:   4.2,
		CoresPerSocket: 0, // 0 = take it from the topology
	}
}

// New merges cfg over the defaults. See Merge.
func New(cfg *RunConfig) RunConfig {
	return Merge(*_defaultConfig(), cfg)
}

// Merge overlays the positive numeric fields of cfg on base. Turbo is a
// plain bool and cannot say "unset", so it always keeps base's value; use
// WithTurbo to change it. Frequency is masked to its 16-bit field.
func Merge(base RunConfig, cfg *RunConfig) RunConfig {
	merged := base
	if cfg == nil {
		return merged
	}

	if cfg.IterationCap > 0 {
		merged.IterationCap = cfg.IterationCap
	}
	if cfg.Seconds > 0 {
		merged.Seconds = cfg.Seconds
	}
	if cfg.Watts > 0 {
		merged.Watts = cfg.Watts
	}
	if cfg.SubWindow > 0 {
		merged.SubWindow = cfg.SubWindow
	}
	if cfg.SecondaryWatts > 0 {
		merged.SecondaryWatts = cfg.SecondaryWatts
	}
	if cfg.Frequency > 0 {
		merged.Frequency = cfg.Frequency
	}
	if cfg.Duty > 0 {
		merged.Duty = cfg.Duty
	}
	if cfg.Partitions > 0 {
		merged.Partitions = cfg.Partitions
	}
	if cfg.MaxFrequency > 0 {
		merged.MaxFrequency = cfg.MaxFrequency
	}
	if cfg.CoresPerSocket > 0 {
		merged.CoresPerSocket = cfg.CoresPerSocket
	}
	merged.Frequency &= 0xFFFF
	return merged
}

// WithTurbo returns c with turbo set to on.
func (c RunConfig) WithTurbo(on bool) RunConfig {
	c.Turbo = on
	return c
}

// CheckCores compares the declared CoresPerSocket with what the topology
// reports. Zero means "take it from the topology" and always passes.
func (c RunConfig) CheckCores(topoCores int) error {
	if c.CoresPerSocket == 0 || c.CoresPerSocket == uint64(topoCores) {
		return nil
	}
	return fmt.Errorf("%w: config %d, topology %d", ErrCoresMismatch, c.CoresPerSocket, topoCores)
}

// String echoes the configuration in file order.
func (c RunConfig) String() string {
	turbo := 'f'
	if c.Turbo {
		turbo = 't'
	}
	return fmt.Sprintf("%d, %d, %f, %d, %f, %x, %c, %d, %d, %f, %d",
		c.IterationCap, c.Seconds, c.Watts, c.SubWindow, c.SecondaryWatts,
		c.Frequency, turbo, c.Duty, c.Partitions, c.MaxFrequency, c.CoresPerSocket)
}
