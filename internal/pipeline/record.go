package pipeline

import (
	"github.com/banshee-data/eeg.report/internal/dsp"
)

// TimedSample is one raw sample stamped with the seconds elapsed since the
// pipeline started.
type TimedSample struct {
	Timestamp float64 `json:"t" cbor:"t"`
	Value     int16   `json:"raw" cbor:"raw"`
}

// Record is what the pipeline emits to sinks: the newest sample and, in
// analysis mode, the band powers of the window ending at that sample.
// Spectrum is nil in raw-only mode.
type Record struct {
	Sample   TimedSample       `json:"sample" cbor:"sample"`
	Spectrum dsp.PowerSpectrum `json:"spectrum,omitempty" cbor:"spectrum,omitempty"`
}

// Sink consumes emitted records. Write is called on the decode goroutine;
// a slow sink slows decoding.
type Sink interface {
	Write(Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record) error

// Write calls f(r).
func (f SinkFunc) Write(r Record) error { return f(r) }
