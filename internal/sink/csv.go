// Package sink writes pipeline records to files.
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/banshee-data/eeg.report/internal/pipeline"
)

// CSV column headers for the time and raw value columns.
const (
	TimeColumn = "Time (s)"
	RawColumn  = "EEG Raw Value"
)

// CSVWriter writes one row per record: time, raw value, then one power
// column per band. A CSVWriter created without bands writes raw-only rows.
type CSVWriter struct {
	mu    sync.Mutex
	w     *csv.Writer
	bands []string
	rows  int
	row   []string
}

// NewCSVWriter writes the header row to w and returns the writer.
func NewCSVWriter(w io.Writer, bands []string) (*CSVWriter, error) {
	cw := &CSVWriter{
		w:     csv.NewWriter(w),
		bands: append([]string(nil), bands...),
		row:   make([]string, 2+len(bands)),
	}
	header := append([]string{TimeColumn, RawColumn}, bands...)
	if err := cw.w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return cw, nil
}

// Write appends a row for r. In band mode a record without a spectrum, or
// with a spectrum missing a configured band, is an error.
func (c *CSVWriter) Write(r pipeline.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.row[0] = strconv.FormatFloat(r.Sample.Timestamp, 'f', 6, 64)
	c.row[1] = strconv.Itoa(int(r.Sample.Value))
	for i, name := range c.bands {
		p, ok := r.Spectrum.Power(name)
		if !ok {
			return fmt.Errorf("record at t=%.3fs has no %q band power", r.Sample.Timestamp, name)
		}
		c.row[2+i] = strconv.FormatFloat(p, 'g', -1, 64)
	}
	if err := c.w.Write(c.row); err != nil {
		return err
	}
	c.rows++
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	return c.w.Error()
}

// Rows returns the number of data rows written, excluding the header.
func (c *CSVWriter) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}
