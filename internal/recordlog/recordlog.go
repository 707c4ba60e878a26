// Package recordlog writes the per-tick estimation records of a run to CSV.
package recordlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/security"
)

// Experiment identifies the manoeuvre being recorded.
type Experiment int

const (
	Circular Experiment = iota
	Straight
	SineSweep
	DoubleLaneChange
	CoastDown
)

var experimentNames = []string{"Circular", "Straight", "SineSweep", "DoubleLaneChange", "CoastDown"}

func (e Experiment) String() string {
	if e < 0 || int(e) >= len(experimentNames) {
		return fmt.Sprintf("Experiment(%d)", int(e))
	}
	return experimentNames[e]
}

// ParseExperiment accepts an experiment name (case-insensitive) or its index.
func ParseExperiment(s string) (Experiment, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(experimentNames) {
			return 0, fmt.Errorf("experiment index %d out of range", n)
		}
		return Experiment(n), nil
	}
	for i, name := range experimentNames {
		if strings.EqualFold(name, s) {
			return Experiment(i), nil
		}
	}
	return 0, fmt.Errorf("unknown experiment %q", s)
}

// SignalID names a run: "<user>-<experiment>". The user name is reduced to
// file-name-safe characters.
func SignalID(user string, e Experiment) string {
	return security.SanitizeFilename(user) + "-" + e.String()
}

// RunPath returns <base>/<YYYY.MM.DD>/<signalID>-<HH.MM.SS>.csv for a run
// started at start.
func RunPath(base, signalID string, start time.Time) string {
	return filepath.Join(base, start.Format("2006.01.02"), signalID+"-"+start.Format("15.04.05")+".csv")
}

// FormatValue renders a record value with four decimals.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// Writer appends records to a CSV stream. It implements
// pipeline.RecordSink.
type Writer struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	rows   int
	row    []string
}

// NewWriter writes the header to w and returns a Writer. If w is an
// io.Closer, Close closes it.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(estimation.RecordColumns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	out := &Writer{w: cw, row: make([]string, len(estimation.RecordColumns))}
	if c, ok := w.(io.Closer); ok {
		out.closer = c
	}
	return out, nil
}

// Create makes the run directory and file at path and returns a Writer on it.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create run file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// CreateRun creates the log for a run under base and returns it with its path.
// The path must stay inside base.
func CreateRun(base, signalID string, start time.Time) (*Writer, string, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create data directory: %w", err)
	}
	path := RunPath(base, signalID, start)
	if err := security.ValidatePathWithinDirectory(path, base); err != nil {
		return nil, "", fmt.Errorf("invalid run path: %w", err)
	}
	w, err := Create(path)
	if err != nil {
		return nil, "", err
	}
	return w, path, nil
}

// WriteRecord appends one row. Rows are flushed every 50 records and on
// Close.
func (w *Writer) WriteRecord(r estimation.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, v := range r.Values() {
		w.row[i] = FormatValue(v)
	}
	if err := w.w.Write(w.row); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.rows++
	if w.rows%50 == 0 {
		w.w.Flush()
		return w.w.Error()
	}
	return nil
}

// Rows returns the number of records written.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes buffered rows and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	err := w.w.Error()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// ReadCSV parses a run log written by Writer.
func ReadCSV(r io.Reader) ([]estimation.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(estimation.RecordColumns)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i, col := range estimation.RecordColumns {
		if header[i] != col {
			return nil, fmt.Errorf("unexpected column %d: got %q, want %q", i, header[i], col)
		}
	}

	var records []estimation.Record
	vals := make([]float64, len(estimation.RecordColumns))
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i, s := range row {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, estimation.RecordColumns[i], err)
			}
			vals[i] = v
		}
		rec, _ := estimation.RecordFromValues(vals)
		records = append(records, rec)
	}
}

// ReadFile parses the run log at path.
func ReadFile(path string) ([]estimation.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
