package thinkgear

import (
	"bufio"
	"errors"
	"io"
)

// Cursor reads a byte stream sequentially and keeps track of how many bytes
// have been consumed, so errors can be reported against a stream offset.
type Cursor struct {
	r      io.ByteReader
	offset int64
}

// NewCursor wraps r. Readers that do not implement io.ByteReader are
// buffered so single-byte scanning does not turn into one syscall per byte.
func NewCursor(r io.Reader) *Cursor {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Cursor{r: br}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int64 {
	return c.offset
}

// ReadByte returns the next byte of the stream. A read shortfall is always
// reported as a *StreamError.
func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, c.streamError(err)
	}
	c.offset++
	return b, nil
}

// ReadFull fills buf with the next len(buf) bytes of the stream or fails.
func (c *Cursor) ReadFull(buf []byte) error {
	for i := range buf {
		b, err := c.ReadByte()
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

func (c *Cursor) streamError(err error) error {
	kind := ErrDeviceDisconnected
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		kind = ErrStreamExhausted
	}
	return &StreamError{Offset: c.offset, Kind: kind, Err: err}
}

// PayloadCursor is a bounds-checked reader over a single frame payload.
// Field parsers use it instead of indexing the payload directly.
type PayloadCursor struct {
	buf []byte
	pos int
}

// NewPayloadCursor returns a cursor positioned at the start of payload.
func NewPayloadCursor(payload []byte) *PayloadCursor {
	return &PayloadCursor{buf: payload}
}

// Pos returns the index of the next unread byte.
func (p *PayloadCursor) Pos() int { return p.pos }

// Remaining returns the number of unread bytes.
func (p *PayloadCursor) Remaining() int { return len(p.buf) - p.pos }

// Next returns the next byte, or false if the payload is exhausted.
func (p *PayloadCursor) Next() (byte, bool) {
	if p.pos >= len(p.buf) {
		return 0, false
	}
	b := p.buf[p.pos]
	p.pos++
	return b, true
}

// Take returns the next n bytes. It consumes nothing and returns false if
// fewer than n bytes remain.
func (p *PayloadCursor) Take(n int) ([]byte, bool) {
	if n < 0 || p.Remaining() < n {
		return nil, false
	}
	out := p.buf[p.pos : p.pos+n]
	p.pos += n
	return out, true
}
