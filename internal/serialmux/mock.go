package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/eeg.report/internal/pipeline"
	"github.com/banshee-data/eeg.report/internal/thinkgear"
	"github.com/banshee-data/eeg.report/internal/timeutil"
)

// Tone is one sinusoidal component of a synthetic headset signal.
type Tone struct {
	FreqHz    float64
	Amplitude float64
}

// SyntheticHeadset emits raw-sample ThinkGear frames for a mix of tones,
// paced by a clock ticker. It stands in for a headset in dev mode.
type SyntheticHeadset struct {
	Tones      []Tone
	SampleRate float64
	// GarbageEvery inserts a corrupted frame after every n good frames.
	// Zero disables corruption.
	GarbageEvery int
	// Tick is how often a batch of samples is written.
	Tick  time.Duration
	Clock timeutil.Clock

	n int
}

// DefaultTones is a 10 Hz alpha rhythm over a weaker 20 Hz beta component.
var DefaultTones = []Tone{{FreqHz: 10, Amplitude: 400}, {FreqHz: 20, Amplitude: 120}}

// NewSyntheticHeadset returns a 512 Hz headset playing DefaultTones.
func NewSyntheticHeadset() *SyntheticHeadset {
	return &SyntheticHeadset{
		Tones:      DefaultTones,
		SampleRate: 512,
		Tick:       50 * time.Millisecond,
		Clock:      timeutil.RealClock{},
	}
}

// Sample returns the i-th sample of the tone mix.
func (h *SyntheticHeadset) Sample(i int) int16 {
	t := float64(i) / h.SampleRate
	var v float64
	for _, tone := range h.Tones {
		v += tone.Amplitude * math.Sin(2*math.Pi*tone.FreqHz*t)
	}
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
}

// AppendFrames appends n frames continuing the signal to dst.
func (h *SyntheticHeadset) AppendFrames(dst []byte, n int) []byte {
	for k := 0; k < n; k++ {
		dst = thinkgear.AppendFrame(dst, thinkgear.RawSamplePayload(h.Sample(h.n)))
		h.n++
		if h.GarbageEvery > 0 && h.n%h.GarbageEvery == 0 {
			bad := thinkgear.EncodeFrame(thinkgear.RawSamplePayload(int16(rand.Intn(math.MaxInt16))))
			bad[len(bad)-1] ^= 0xFF
			dst = append(dst, bad...)
		}
	}
	return dst
}

// Stream writes frames to w in real time until ctx is done or a write fails.
func (h *SyntheticHeadset) Stream(ctx context.Context, w io.Writer) error {
	ticker := h.Clock.NewTicker(h.Tick)
	defer ticker.Stop()

	perTick := int(math.Round(h.SampleRate * h.Tick.Seconds()))
	if perTick < 1 {
		perTick = 1
	}
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			buf = h.AppendFrames(buf[:0], perTick)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
}

// MockSerialPort implements SerialPorter for dev mode. Reads come from a
// synthetic headset; writes are recorded.
type MockSerialPort struct {
	*io.PipeReader
	mu      sync.Mutex
	written bytes.Buffer
	cancel  context.CancelFunc
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns the command bytes sent to the port.
func (m *MockSerialPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.written.Bytes())
}

func (m *MockSerialPort) Close() error {
	m.cancel()
	return m.PipeReader.Close()
}

// NewMockSerialPort starts h streaming into a new MockSerialPort.
func NewMockSerialPort(h *SyntheticHeadset) *MockSerialPort {
	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := h.Stream(ctx, w)
		w.CloseWithError(err)
	}()
	return &MockSerialPort{PipeReader: r, cancel: cancel}
}

// NewMockSerialMux creates a SerialMux backed by a synthetic headset.
func NewMockSerialMux(h *SyntheticHeadset, p *pipeline.Pipeline) *SerialMux[*MockSerialPort] {
	return NewSerialMux(NewMockSerialPort(h), p)
}

// ErrPortClosed is returned by a TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory headset link. Tests feed it ThinkGear
// frames or raw bytes, script read, write and close failures, and inspect
// the command bytes the mux sent.
type TestableSerialPort struct {
	mu       sync.Mutex
	readable sync.Cond

	in       bytes.Buffer
	commands bytes.Buffer
	blocking bool
	closed   bool
	reads    int

	readErr  error
	writeErr error
	closeErr error
}

// NewTestableSerialPort returns an empty port whose reads report EOF once
// the fed data runs out.
func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.readable.L = &t.mu
	return t
}

// Feed queues one raw-sample frame per value.
func (t *TestableSerialPort) Feed(values ...int16) {
	var b []byte
	for _, v := range values {
		b = append(b, thinkgear.EncodeFrame(thinkgear.RawSamplePayload(v))...)
	}
	t.FeedBytes(b)
}

// FeedBytes queues b verbatim, e.g. garbage or a prepared frame stream.
func (t *TestableSerialPort) FeedBytes(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.in.Write(b)
	t.readable.Broadcast()
}

// SetBlocking makes reads on an empty port wait for data or Close, like a
// connected headset, instead of reporting EOF.
func (t *TestableSerialPort) SetBlocking(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocking = on
}

// FailNextRead makes the next Read return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

// FailNextWrite makes the next Write return err.
func (t *TestableSerialPort) FailNextWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// FailClose makes Close return err.
func (t *TestableSerialPort) FailClose(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reads++
	if err := t.readErr; err != nil {
		t.readErr = nil
		return 0, err
	}
	for t.blocking && !t.closed && t.in.Len() == 0 {
		t.readable.Wait()
	}
	if t.closed {
		return 0, ErrPortClosed
	}
	return t.in.Read(p)
}

// Write records command bytes sent to the headset.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrPortClosed
	}
	if err := t.writeErr; err != nil {
		t.writeErr = nil
		return 0, err
	}
	return t.commands.Write(p)
}

// Close wakes any blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readable.Broadcast()
	return t.closeErr
}

// Commands returns every byte written to the port.
func (t *TestableSerialPort) Commands() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.commands.Bytes())
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Reads returns the number of Read calls.
func (t *TestableSerialPort) Reads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reads
}

// MockSerialPortFactory hands out a fixed port and records what the
// caller asked to open.
type MockSerialPortFactory struct {
	Port SerialPorter
	Err  error

	mu    sync.Mutex
	opens []MockOpenCall
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, MockOpenCall{Path: path, Opts: opts})
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Port, nil
}

// Opens returns the recorded Open calls in order.
func (f *MockSerialPortFactory) Opens() []MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockOpenCall(nil), f.opens...)
}
