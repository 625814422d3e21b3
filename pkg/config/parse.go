package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacy field order
var legacyFields = []string{
	"iteration_cap", "seconds", "watts", "sub_window", "secondary_watts",
	"frequency", "turbo", "duty", "partitions", "max_frequency", "cores_per_socket",
}

// ParseLegacy reads the fixed-order whitespace separated format:
//
//	iteration_cap seconds watts sub_window secondary_watts
//	frequency(hex) turbo(char) duty partitions max_frequency cores_per_socket
//
// A file that ends early keeps defaults for the remaining fields. A field
// that does not parse is an error. An empty file is ErrEmpty.
func ParseLegacy(r io.Reader) (RunConfig, error) {
	c := *_defaultConfig()
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	var n int
	for ; n < len(legacyFields) && sc.Scan(); n++ {
		tok := sc.Text()
		var err error
		switch n {
		case 0:
			c.IterationCap, err = strconv.ParseUint(tok, 10, 64)
		case 1:
			c.Seconds, err = strconv.ParseUint(tok, 10, 64)
		case 2:
			c.Watts, err = strconv.ParseFloat(tok, 64)
		case 3:
			c.SubWindow, err = strconv.ParseUint(tok, 10, 64)
		case 4:
			c.SecondaryWatts, err = strconv.ParseFloat(tok, 64)
		case 5:
			tok = strings.TrimPrefix(strings.ToLower(tok), "0x")
			c.Frequency, err = strconv.ParseUint(tok, 16, 64)
			c.Frequency &= 0xFFFF
		case 6:
			c.Turbo = tok[0] == 't'
		case 7:
			c.Duty, err = strconv.ParseUint(tok, 10, 64)
		case 8:
			c.Partitions, err = strconv.ParseUint(tok, 10, 64)
		case 9:
			c.MaxFrequency, err = strconv.ParseFloat(tok, 64)
		case 10:
			c.CoresPerSocket, err = strconv.ParseUint(tok, 10, 64)
		}
		if err != nil {
			return RunConfig{}, fmt.Errorf("%w: field %d (%s) %q: %w", ErrField, n+1, legacyFields[n], tok, err)
		}
	}
	if err := sc.Err(); err != nil {
		return RunConfig{}, fmt.Errorf("config: scan: %w", err)
	}
	if n == 0 {
		return RunConfig{}, ErrEmpty
	}
	return c, nil
}

// ParseYAML reads a YAML document with the RunConfig keys. Absent keys keep
// their defaults.
func ParseYAML(r io.Reader) (RunConfig, error) {
	c := *_defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return RunConfig{}, ErrEmpty
		}
		return RunConfig{}, fmt.Errorf("config: yaml: %w", err)
	}
	c.Frequency &= 0xFFFF
	return c, nil
}
