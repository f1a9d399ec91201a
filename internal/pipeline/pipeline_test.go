package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/testutil"
	"github.com/banshee-data/eeg.report/internal/thinkgear"
	"github.com/banshee-data/eeg.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// collect returns a sink that appends every record to *out.
func collect(out *[]Record) Sink {
	return SinkFunc(func(r Record) error {
		*out = append(*out, r)
		return nil
	})
}

func newPipeline(t *testing.T, opts Options) (*Pipeline, *[]Record) {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	var recs []Record
	p.AddSink(collect(&recs))
	return p, &recs
}

func run(t *testing.T, p *Pipeline, stream []byte) (*testutil.ReadCloser, error) {
	t.Helper()
	src := testutil.NewReadCloser(bytes.NewReader(stream))
	err := p.Run(context.Background(), src)
	return src, err
}

func TestRun_FirstSpectrumWhenBufferFills(t *testing.T) {
	p, recs := newPipeline(t, Options{})

	src, err := run(t, p, testutil.FrameStream(testutil.Ramp(512, 300)))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	assert.Equal(t, 1, src.Closes())

	require.Len(t, *recs, 1, "exactly one record once the buffer is full")
	rec := (*recs)[0]
	assert.Equal(t, int16(300+511), rec.Sample.Value)
	require.Len(t, rec.Spectrum, 5)
	for i, name := range []string{"Delta", "Theta", "Alpha", "Beta", "Gamma"} {
		assert.Equal(t, name, rec.Spectrum[i].Name)
		assert.GreaterOrEqual(t, rec.Spectrum[i].Power, 0.0)
	}

	buffered := p.Buffered()
	require.Len(t, buffered, 512)
	assert.Equal(t, int16(300), buffered[0].Value)

	st := p.Stats()
	assert.Equal(t, uint64(512), st.FramesAccepted)
	assert.Equal(t, uint64(512), st.Samples)
	assert.Equal(t, uint64(1), st.Spectra)
	assert.Equal(t, int64(512*8), st.BytesRead)
	assert.Equal(t, "StreamExhausted", st.LastErrorKind)
	assert.False(t, st.Running)
}

func TestRun_PartialWindowEmitsNothing(t *testing.T) {
	p, recs := newPipeline(t, Options{})

	_, err := run(t, p, testutil.FrameStream(testutil.Ramp(511, 0)))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	assert.Empty(t, *recs)
	assert.Equal(t, uint64(0), p.Stats().Spectra)
	_, ok := p.LatestSpectrum()
	assert.False(t, ok)
}

func TestRun_AnalysisStride(t *testing.T) {
	p, recs := newPipeline(t, Options{BufferCapacity: 64, AnalysisStride: 4})

	_, err := run(t, p, testutil.FrameStream(testutil.Ramp(64+10, 0)))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	// Spectra after samples 64, 68 and 72.
	require.Len(t, *recs, 3)
	assert.Equal(t, []int16{63, 67, 71}, []int16{(*recs)[0].Sample.Value, (*recs)[1].Sample.Value, (*recs)[2].Sample.Value})
}

func TestRun_RawOnly(t *testing.T) {
	p, recs := newPipeline(t, Options{RawOnly: true})

	values := []int16{300, -32512, 7}
	_, err := run(t, p, testutil.FrameStream(values))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	require.Len(t, *recs, len(values))
	for i, r := range *recs {
		assert.Equal(t, values[i], r.Sample.Value)
		assert.Nil(t, r.Spectrum)
	}
	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, int16(7), latest.Sample.Value)
}

func TestRun_Timestamps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	clock.SetAutoAdvance(time.Second / 512)
	p, recs := newPipeline(t, Options{RawOnly: true, Clock: clock})

	_, err := run(t, p, testutil.FrameStream(testutil.Ramp(5, 0)))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	require.Len(t, *recs, 5)
	for i, r := range *recs {
		assert.InDelta(t, float64(i+1)/512, r.Sample.Timestamp, 1e-12, "sample %d", i)
	}
}

func TestRun_GarbageBeforeFrame(t *testing.T) {
	stream := append(testutil.Garbage(42, 50), testutil.FrameStream([]int16{300})...)
	p, recs := newPipeline(t, Options{RawOnly: true, MaxConsecutiveFailures: 1})

	_, err := run(t, p, stream)
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	require.Len(t, *recs, 1)
	assert.Equal(t, int16(300), (*recs)[0].Sample.Value)
	assert.Equal(t, uint64(0), p.Stats().ChecksumFailures)
}

func TestRun_NoiseBeforeFrames(t *testing.T) {
	// Noise may hold stray markers whose length swallows part of the frames
	// that follow, so enough frames are sent to outlast the longest payload.
	const frames = 30
	values := testutil.Ramp(frames, 0)

	var withSync int
	for seed := int64(1); seed <= 200; seed++ {
		noise := testutil.Noise(seed, 50)
		if bytes.IndexByte(noise, thinkgear.SyncByte) >= 0 {
			withSync++
		}
		stream := append(noise, testutil.FrameStream(values)...)

		p, recs := newPipeline(t, Options{RawOnly: true})
		_, err := run(t, p, stream)
		require.ErrorIs(t, err, thinkgear.ErrStreamExhausted, "seed %d", seed)

		got := *recs
		require.GreaterOrEqual(t, len(got), 8, "seed %d", seed)
		tail := got[len(got)-8:]
		for i, r := range tail {
			assert.Equal(t, values[frames-8+i], r.Sample.Value, "seed %d record %d", seed, i)
		}
		assert.Equal(t, 0, p.Stats().ConsecutiveFailures, "seed %d", seed)
	}
	assert.Positive(t, withSync, "no seed produced a stray sync byte")
}

// syncFlood is a stream that never stops sending sync bytes.
type syncFlood struct{}

func (syncFlood) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = thinkgear.SyncByte
	}
	return len(b), nil
}

func TestRun_SyncFloodDesyncs(t *testing.T) {
	p, recs := newPipeline(t, Options{RawOnly: true, MaxConsecutiveFailures: 4})
	src := testutil.NewReadCloser(syncFlood{})

	err := p.Run(context.Background(), src)
	require.ErrorIs(t, err, ErrProtocolDesync)
	require.ErrorIs(t, err, thinkgear.ErrPayloadTooLong)
	assert.Empty(t, *recs)
	assert.Equal(t, uint64(5), p.Stats().LengthFailures)
	assert.Equal(t, 1, src.Closes())
}

func TestRun_StraySyncInGarbage(t *testing.T) {
	// A stray marker whose checksum is wrong, an oversized stray length and
	// an extra sync byte ahead of the real frame.
	var stream []byte
	stream = append(stream, 0x01, 0xAA, 0xAA, 0x03, 0x10, 0x20, 0x30, 0x00)
	stream = append(stream, 0x02, 0xAA, 0xAA, 0xF0)
	stream = append(stream, 0xAA)
	stream = append(stream, testutil.FrameStream([]int16{-32512})...)

	p, recs := newPipeline(t, Options{RawOnly: true})
	_, err := run(t, p, stream)
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	require.Len(t, *recs, 1)
	assert.Equal(t, int16(-32512), (*recs)[0].Sample.Value)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.ChecksumFailures)
	assert.Equal(t, uint64(1), st.LengthFailures)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func badFrame(v int16) []byte {
	f := thinkgear.EncodeFrame(thinkgear.RawSamplePayload(v))
	f[len(f)-1] ^= 0x5A
	return f
}

func TestRun_ProtocolDesync(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, badFrame(int16(i))...)
	}
	stream = append(stream, testutil.FrameStream([]int16{1})...)

	p, recs := newPipeline(t, Options{RawOnly: true, MaxConsecutiveFailures: 4})
	src, err := run(t, p, stream)

	require.ErrorIs(t, err, ErrProtocolDesync)
	require.ErrorIs(t, err, thinkgear.ErrChecksumMismatch)
	var desync *ProtocolDesyncError
	require.ErrorAs(t, err, &desync)
	assert.Equal(t, 5, desync.ConsecutiveFailures)
	assert.Equal(t, int64(4*8), desync.Offset)
	assert.Equal(t, "ProtocolDesync", thinkgear.Kind(err))
	assert.Empty(t, *recs)
	assert.Equal(t, 1, src.Closes())
	assert.Equal(t, "ProtocolDesync", p.Stats().LastErrorKind)
}

func TestRun_AcceptedFrameResetsFailureCount(t *testing.T) {
	var stream []byte
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			stream = append(stream, badFrame(int16(i))...)
		}
		stream = append(stream, testutil.FrameStream([]int16{int16(round)})...)
	}

	p, recs := newPipeline(t, Options{RawOnly: true, MaxConsecutiveFailures: 4})
	_, err := run(t, p, stream)
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	assert.Len(t, *recs, 3)
	assert.Equal(t, uint64(12), p.Stats().ChecksumFailures)
}

func TestRun_DeviceDisconnected(t *testing.T) {
	ioErr := errors.New("read /dev/rfcomm0: input/output error")
	r := io.MultiReader(bytes.NewReader(testutil.FrameStream([]int16{1, 2})), &errReader{err: ioErr})
	src := testutil.NewReadCloser(r)

	p, recs := newPipeline(t, Options{RawOnly: true})
	err := p.Run(context.Background(), src)

	require.ErrorIs(t, err, thinkgear.ErrDeviceDisconnected)
	require.ErrorIs(t, err, ioErr)
	assert.Len(t, *recs, 2)
	assert.Equal(t, 1, src.Closes())
	assert.Equal(t, "DeviceDisconnected", p.Stats().LastErrorKind)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestRun_CancelClosesSource(t *testing.T) {
	pr, pw := io.Pipe()
	src := testutil.NewReadCloser(pr)

	p, err := New(Options{RawOnly: true})
	require.NoError(t, err)
	got := make(chan Record, 16)
	p.AddSink(SinkFunc(func(r Record) error {
		got <- r
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, src) }()

	_, err = pw.Write(testutil.FrameStream([]int16{42}))
	require.NoError(t, err)
	select {
	case r := <-got:
		assert.Equal(t, int16(42), r.Sample.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no record before cancel")
	}

	// Run is now blocked reading; cancellation must unblock it.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, src.Closes())
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := testutil.NewReadCloser(bytes.NewReader(testutil.FrameStream([]int16{1})))

	p, recs := newPipeline(t, Options{RawOnly: true})
	err := p.Run(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, *recs)
	assert.Equal(t, 1, src.Closes())
}

func TestRun_SineDominatesAlpha(t *testing.T) {
	p, _ := newPipeline(t, Options{})
	_, err := run(t, p, testutil.FrameStream(testutil.SineWave(512, 10, 512, 1000)))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	rec, ok := p.LatestSpectrum()
	require.True(t, ok)
	assert.Equal(t, "Alpha", rec.Spectrum.Dominant().Name)
}

func TestRun_SinkErrorIsNotFatal(t *testing.T) {
	p, recs := newPipeline(t, Options{RawOnly: true})
	p.AddSink(SinkFunc(func(Record) error { return errors.New("disk full") }))

	_, err := run(t, p, testutil.FrameStream([]int16{1, 2, 3}))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)
	assert.Len(t, *recs, 3)
	assert.Equal(t, uint64(3), p.Stats().SinkErrors)
}

func TestRun_ExtendedFields(t *testing.T) {
	payload := []byte{
		thinkgear.TagPoorSignal, 0x00,
		thinkgear.TagAttention, 0x3C,
		thinkgear.TagMeditation, 0x28,
		thinkgear.TagBlinkStrength, 0x40,
	}
	payload = append(payload, thinkgear.RawSamplePayload(12)...)
	stream := thinkgear.EncodeFrame(payload)

	p, recs := newPipeline(t, Options{RawOnly: true, Fields: thinkgear.ExtendedFieldTable()})
	_, err := run(t, p, stream)
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	require.Len(t, *recs, 1)
	st := p.Stats()
	require.NotNil(t, st.Attention)
	assert.Equal(t, uint8(60), *st.Attention)
	assert.Equal(t, uint8(40), *st.Meditation)
	assert.Equal(t, uint8(0), *st.PoorSignal)
	assert.Equal(t, uint8(0x40), *st.BlinkStrength)
	assert.Equal(t, uint64(0), st.UnsupportedTags)
}

func TestRun_DefaultTableSkipsUnknownTags(t *testing.T) {
	payload := append([]byte{thinkgear.TagPoorSignal, 0x00}, thinkgear.RawSamplePayload(12)...)
	p, recs := newPipeline(t, Options{RawOnly: true})
	_, err := run(t, p, thinkgear.EncodeFrame(payload))
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	// 0x02 and its 0x00 value are each skipped as unknown tags.
	require.Len(t, *recs, 1)
	assert.Equal(t, int16(12), (*recs)[0].Sample.Value)
	assert.Equal(t, uint64(2), p.Stats().UnsupportedTags)
	assert.Nil(t, p.Stats().PoorSignal)
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics(reg)

	stream := append(badFrame(9), testutil.FrameStream(testutil.Ramp(64, 0))...)
	p, _ := newPipeline(t, Options{BufferCapacity: 64, Metrics: m})
	_, err := run(t, p, stream)
	require.ErrorIs(t, err, thinkgear.ErrStreamExhausted)

	assert.Equal(t, float64(65*8), promtest.ToFloat64(m.BytesRead))
	assert.Equal(t, 64.0, promtest.ToFloat64(m.FramesAccepted))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FramesRejected.WithLabelValues("checksum")))
	assert.Equal(t, 64.0, promtest.ToFloat64(m.Samples))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Spectra))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ConsecutiveFails))
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{FilterHigh: 300})
	assert.Error(t, err)
	_, err = New(Options{BufferCapacity: 1})
	assert.Error(t, err)
	_, err = New(Options{MaxConsecutiveFailures: -1})
	assert.Error(t, err)
	_, err = New(Options{Bands: nil, SampleRate: 64})
	assert.Error(t, err, "default 50 Hz cutoff is above Nyquist at 64 Hz")
}

func TestAppend_WithoutRun(t *testing.T) {
	p, recs := newPipeline(t, Options{BufferCapacity: 16, SampleRate: 128, FilterHigh: 40, Bands: []dsp.FrequencyBand{{Name: "Low", LowHz: 1, HighHz: 20}, {Name: "High", LowHz: 20, HighHz: 40}}})
	for i := 0; i < 15; i++ {
		_, ok := p.Append(int16(i))
		assert.False(t, ok)
	}
	rec, ok := p.Append(15)
	require.True(t, ok)
	assert.Len(t, rec.Spectrum, 2)
	assert.Len(t, *recs, 1)
}
