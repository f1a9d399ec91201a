// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/banshee-data/eeg.report/internal/thinkgear"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// SineWave returns n samples of amp*sin(2*pi*freq*t) sampled at rate Hz,
// rounded to int16.
func SineWave(n int, freq, rate, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(math.Round(amp * math.Sin(2*math.Pi*freq*float64(i)/rate)))
	}
	return out
}

// Ramp returns n samples start, start+1, ...
func Ramp(n int, start int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

// FrameStream encodes each value as its own raw-sample frame.
func FrameStream(values []int16) []byte {
	out := make([]byte, 0, 8*len(values))
	for _, v := range values {
		out = thinkgear.AppendFrame(out, thinkgear.RawSamplePayload(v))
	}
	return out
}

// Garbage returns n pseudo-random bytes from seed that never contain the
// sync byte, so they cannot start a frame.
func Garbage(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		b := byte(rng.Intn(256))
		for b == thinkgear.SyncByte {
			b = byte(rng.Intn(256))
		}
		out[i] = b
	}
	return out
}

// Noise returns n uniformly random bytes from seed. Unlike Garbage it may
// contain sync bytes, and so stray frame markers.
func Noise(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(rng.Intn(256))
	}
	return out
}

// ReadCloser wraps a reader and records how often Close was called.
type ReadCloser struct {
	io.Reader
	closes atomic.Int32
}

// NewReadCloser returns a ReadCloser over r.
func NewReadCloser(r io.Reader) *ReadCloser {
	return &ReadCloser{Reader: r}
}

// Close records the call. If the wrapped reader is itself a Closer it is
// closed too.
func (r *ReadCloser) Close() error {
	r.closes.Add(1)
	if c, ok := r.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Closes returns the number of Close calls.
func (r *ReadCloser) Closes() int {
	return int(r.closes.Load())
}
