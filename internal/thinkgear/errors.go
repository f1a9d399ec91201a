package thinkgear

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamExhausted is reported when the byte source ends before a
	// complete frame could be read.
	ErrStreamExhausted = errors.New("stream exhausted")

	// ErrDeviceDisconnected is reported when the byte source fails with an
	// I/O error other than end of stream.
	ErrDeviceDisconnected = errors.New("device disconnected")

	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrPayloadTooLong   = errors.New("payload length exceeds maximum")
	ErrUnsupportedTag   = errors.New("unsupported tag")
	ErrTruncatedField   = errors.New("truncated field")
)

// StreamError reports a failure of the underlying byte source. Kind is
// either ErrStreamExhausted or ErrDeviceDisconnected; Err is the error the
// reader returned.
type StreamError struct {
	Offset int64
	Kind   error
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%v at byte %d: %v", e.Kind, e.Offset, e.Err)
}

func (e *StreamError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ChecksumError reports a frame whose trailing byte does not match the
// checksum computed over its payload.
type ChecksumError struct {
	Offset   int64
	Length   int
	Expected byte
	Stated   byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %d-byte frame at byte %d: computed 0x%02X, stated 0x%02X",
		e.Length, e.Offset, e.Expected, e.Stated)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// PayloadLengthError reports a length byte larger than the protocol allows.
type PayloadLengthError struct {
	Offset int64
	Length int
	Max    int
}

func (e *PayloadLengthError) Error() string {
	return fmt.Sprintf("payload length %d at byte %d exceeds maximum %d", e.Length, e.Offset, e.Max)
}

func (e *PayloadLengthError) Unwrap() error { return ErrPayloadTooLong }

// UnsupportedTagError describes a payload tag that has no parser in the
// decoder's field table. Offset is relative to the start of the payload.
type UnsupportedTagError struct {
	Tag    byte
	Offset int
}

func (e *UnsupportedTagError) Error() string {
	return fmt.Sprintf("unsupported tag 0x%02X at payload offset %d", e.Tag, e.Offset)
}

func (e *UnsupportedTagError) Unwrap() error { return ErrUnsupportedTag }

// TruncatedFieldError reports a field whose declared layout runs past the
// end of the payload.
type TruncatedFieldError struct {
	Tag    byte
	Offset int
	Need   int
	Have   int
}

func (e *TruncatedFieldError) Error() string {
	return fmt.Sprintf("field 0x%02X at payload offset %d needs %d bytes, %d remain",
		e.Tag, e.Offset, e.Need, e.Have)
}

func (e *TruncatedFieldError) Unwrap() error { return ErrTruncatedField }

// Kind names the failure class of err for logs and status reports. Errors
// from other packages may name themselves by implementing Kind() string.
// Kind returns "" for nil and "Unknown" for anything it cannot classify.
func Kind(err error) string {
	var named interface{ Kind() string }
	switch {
	case err == nil:
		return ""
	case errors.As(err, &named):
		return named.Kind()
	case errors.Is(err, ErrStreamExhausted):
		return "StreamExhausted"
	case errors.Is(err, ErrDeviceDisconnected):
		return "DeviceDisconnected"
	case errors.Is(err, ErrChecksumMismatch):
		return "ChecksumMismatch"
	case errors.Is(err, ErrPayloadTooLong):
		return "PayloadTooLong"
	case errors.Is(err, ErrUnsupportedTag):
		return "UnsupportedTag"
	case errors.Is(err, ErrTruncatedField):
		return "TruncatedField"
	}
	return "Unknown"
}
