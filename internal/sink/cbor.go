package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/eeg.report/internal/pipeline"
)

// CBORRecorder appends records to w as a CBOR sequence (RFC 8742): one
// self-delimiting data item per record, no framing.
type CBORRecorder struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *cbor.Encoder
	n   int
}

// NewCBORRecorder returns a recorder writing to w.
func NewCBORRecorder(w io.Writer) *CBORRecorder {
	buf := bufio.NewWriter(w)
	return &CBORRecorder{buf: buf, enc: cbor.NewEncoder(buf)}
}

// Write encodes r.
func (c *CBORRecorder) Write(r pipeline.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	c.n++
	return nil
}

// Flush writes buffered records to the underlying writer.
func (c *CBORRecorder) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Flush()
}

// Records returns the number of records written.
func (c *CBORRecorder) Records() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// ReadCBOR decodes a CBOR sequence written by CBORRecorder, calling fn for
// each record in order. It stops at the first error fn returns.
func ReadCBOR(r io.Reader, fn func(pipeline.Record) error) error {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	for i := 0; ; i++ {
		var rec pipeline.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("record %d: %w", i, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
