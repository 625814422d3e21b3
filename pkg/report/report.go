// Package report persists per-thread telemetry and per-socket summaries to a
// directory.
package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ja7ad/corestress/pkg/telemetry"
	"go.uber.org/multierr"
)

// SampleHeader is the column layout of a .msrdat file.
var SampleHeader = []string{"tsc", "retired", "aperf", "mperf", "freq", "log", "stat", "workload"}

// Dir writes report files under Path, creating it on first use.
type Dir struct {
	Path string
}

// SamplesFile, PowerFile and SocketFile name the files for one thread or
// socket.
func SamplesFile(cpu int) string   { return fmt.Sprintf("core%d.msrdat", cpu) }
func PowerFile(cpu int) string     { return fmt.Sprintf("core%d.pow", cpu) }
func SocketFile(socket int) string { return fmt.Sprintf("socket%d.json", socket) }

func (d Dir) create(name string) (*os.File, error) {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(d.Path, name))
}

// WriteSamples writes one tab-separated row per sample. freq is the
// effective frequency in the unit of maxFreq; log and stat are hex.
func (d Dir) WriteSamples(cpu int, samples []telemetry.Sample, maxFreq float64) (err error) {
	f, err := d.create(SamplesFile(cpu))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	w.Comma = '\t'
	if err := w.Write(SampleHeader); err != nil {
		return err
	}
	for _, s := range samples {
		if err := w.Write(sampleRow(s, maxFreq)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

func sampleRow(s telemetry.Sample, maxFreq float64) []string {
	return []string{
		strconv.FormatUint(s.Cycles, 10),
		strconv.FormatUint(s.Retired, 10),
		strconv.FormatUint(s.APERF, 10),
		strconv.FormatUint(s.MPERF, 10),
		strconv.FormatFloat(s.Frequency(maxFreq), 'f', 1, 64),
		strconv.FormatUint(s.Flag, 16),
		strconv.FormatUint(uint64(s.Status), 16),
		strconv.FormatUint(uint64(s.Workload), 10),
	}
}

// WritePower writes one wattage per line, stopping at the first zero.
func (d Dir) WritePower(cpu int, watts []float64) (err error) {
	f, err := d.create(PowerFile(cpu))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	bw := bufio.NewWriter(f)
	for _, v := range watts {
		if v == 0 {
			break
		}
		if _, err := fmt.Fprintf(bw, "%f\n", v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteSocket writes the summary as indented JSON.
func (d Dir) WriteSocket(s telemetry.Socket) (err error) {
	f, err := d.create(SocketFile(s.Socket))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
