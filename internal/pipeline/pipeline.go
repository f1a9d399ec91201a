// Package pipeline turns a ThinkGear byte stream into timed samples and
// windowed band-power spectra.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/thinkgear"
)

// Pipeline owns the sample buffer, the clock origin and the analysis chain
// for one stream.
//
// Run and Append must be called from a single goroutine. Stats, Latest,
// LatestSpectrum, Buffered and AddSink may be called from any goroutine.
type Pipeline struct {
	opts     Options
	ring     *dsp.Ring[TimedSample]
	filter   *dsp.Bandpass
	analyzer *dsp.Analyzer
	decoder  *thinkgear.Decoder

	start         time.Time
	untilAnalysis int
	window        []float64

	mu             sync.Mutex
	sinks          []Sink
	stats          Stats
	latest         *Record
	latestSpectrum *Record
}

// New builds a Pipeline. Filter and analyzer coefficients are computed once
// here and reused for every window.
func New(opts Options) (*Pipeline, error) {
	opts = opts.withDefaults()
	if opts.MaxConsecutiveFailures < 1 {
		return nil, fmt.Errorf("max consecutive failures must be at least 1, got %d", opts.MaxConsecutiveFailures)
	}
	if opts.AnalysisStride < 1 {
		return nil, fmt.Errorf("analysis stride must be at least 1, got %d", opts.AnalysisStride)
	}
	if opts.BufferCapacity < 2 {
		return nil, fmt.Errorf("buffer capacity must be at least 2, got %d", opts.BufferCapacity)
	}

	p := &Pipeline{
		opts: opts,
		ring: dsp.NewRing[TimedSample](opts.BufferCapacity),
	}
	if !opts.RawOnly {
		var err error
		p.filter, err = dsp.NewBandpass(opts.FilterOrder, opts.FilterLow, opts.FilterHigh, opts.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("bandpass: %w", err)
		}
		p.analyzer, err = dsp.NewAnalyzer(opts.BufferCapacity, opts.SampleRate, opts.Bands)
		if err != nil {
			return nil, fmt.Errorf("analyzer: %w", err)
		}
		p.window = make([]float64, opts.BufferCapacity)
	}

	p.decoder = thinkgear.NewDecoder(opts.Fields)
	p.decoder.Unsupported = p.unsupportedTag
	p.start = opts.Clock.Now()
	return p, nil
}

// Options returns the effective options.
func (p *Pipeline) Options() Options { return p.opts }

// AddSink registers s to receive every emitted record.
func (p *Pipeline) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Run decodes src until it ends, fails, or ctx is cancelled, and closes src
// exactly once before returning.
//
// Rejected frames (bad checksum, oversized length) are logged and skipped;
// more than MaxConsecutiveFailures of them in a row ends Run with a
// *ProtocolDesyncError. The end of the stream and hard read failures end
// Run with the *thinkgear.StreamError from the synchronizer. Cancellation
// returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context, src io.ReadCloser) error {
	var closeOnce sync.Once
	closeSrc := func() {
		closeOnce.Do(func() {
			if err := src.Close(); err != nil {
				monitoring.Debugf("pipeline: closing source: %v", err)
			}
		})
	}
	defer closeSrc()
	// Closing the source is what unblocks a pending Read on cancellation.
	stop := context.AfterFunc(ctx, closeSrc)
	defer stop()

	p.reset()
	p.setRunning(true)
	defer p.setRunning(false)

	syncr := thinkgear.NewSynchronizer(src)
	syncr.SetMaxPayloadLength(p.opts.MaxPayloadLength)
	var read int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkt, err := syncr.Next()
		read = p.addBytes(syncr.Offset(), read)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var lenErr *thinkgear.PayloadLengthError
			if errors.As(err, &lenErr) {
				if err := p.reject(lenErr.Offset, err); err != nil {
					return p.fail(err)
				}
				continue
			}
			return p.fail(err)
		}

		if err := thinkgear.Validate(pkt); err != nil {
			if err := p.reject(pkt.Offset, err); err != nil {
				return p.fail(err)
			}
			continue
		}
		p.accept()

		fields, err := p.decoder.Decode(pkt.Payload)
		if err != nil {
			p.truncated(pkt.Offset, err)
		}
		for _, f := range fields {
			p.handleField(f)
		}
	}
}

func (p *Pipeline) handleField(f thinkgear.Field) {
	switch f := f.(type) {
	case thinkgear.RawSample:
		p.Append(f.Value)
	case thinkgear.PoorSignal:
		p.updateStats(func(s *Stats) { s.PoorSignal = ptrUint8(f.Level) })
	case thinkgear.Attention:
		p.updateStats(func(s *Stats) { s.Attention = ptrUint8(f.Level) })
	case thinkgear.Meditation:
		p.updateStats(func(s *Stats) { s.Meditation = ptrUint8(f.Level) })
	case thinkgear.BlinkStrength:
		p.updateStats(func(s *Stats) { s.BlinkStrength = ptrUint8(f.Strength) })
	case thinkgear.EEGPower:
		p.updateStats(func(s *Stats) { s.EEGPower = &f })
	}
}

// Append stamps v with the time since the pipeline started, buffers it and
// emits a record if one is due. It reports whether a record was emitted.
func (p *Pipeline) Append(v int16) (Record, bool) {
	sample := TimedSample{
		Timestamp: p.opts.Clock.Since(p.start).Seconds(),
		Value:     v,
	}
	p.mu.Lock()
	p.ring.Append(sample)
	p.stats.Samples++
	p.mu.Unlock()
	if m := p.opts.Metrics; m != nil {
		m.Samples.Inc()
	}

	rec := Record{Sample: sample}
	if !p.opts.RawOnly {
		if !p.ring.IsFull() {
			return Record{}, false
		}
		if p.untilAnalysis > 0 {
			p.untilAnalysis--
			return Record{}, false
		}
		p.untilAnalysis = p.opts.AnalysisStride - 1

		spectrum, err := p.analyse()
		if err != nil {
			// Only possible if the buffer and analyzer disagree on size.
			monitoring.Logf("pipeline: analysis skipped: %v", err)
			return Record{}, false
		}
		rec.Spectrum = spectrum
	}
	p.emit(rec)
	return rec, true
}

func (p *Pipeline) analyse() (dsp.PowerSpectrum, error) {
	snap := p.ring.Snapshot()
	if len(snap) != len(p.window) {
		return nil, fmt.Errorf("%w: buffer holds %d of %d samples", dsp.ErrPartialWindow, len(snap), len(p.window))
	}
	for i, s := range snap {
		p.window[i] = float64(s.Value)
	}
	spectrum, err := p.analyzer.Analyze(p.filter.Apply(p.window))
	if err != nil {
		return nil, err
	}
	p.updateStats(func(s *Stats) { s.Spectra++ })
	if m := p.opts.Metrics; m != nil {
		m.Spectra.Inc()
		for _, b := range spectrum {
			m.BandPower.WithLabelValues(b.Name).Set(b.Power)
		}
	}
	return spectrum, nil
}

func (p *Pipeline) emit(rec Record) {
	p.mu.Lock()
	p.latest = &rec
	if rec.Spectrum != nil {
		p.latestSpectrum = &rec
	}
	sinks := p.sinks
	p.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(rec); err != nil {
			monitoring.Logf("pipeline: sink write failed at t=%.3fs: %v", rec.Sample.Timestamp, err)
			p.updateStats(func(s *Stats) { s.SinkErrors++ })
		}
	}
}

// reject records a failed frame and returns a *ProtocolDesyncError once the
// consecutive-failure bound is exceeded.
func (p *Pipeline) reject(offset int64, cause error) error {
	var n int
	p.updateStats(func(s *Stats) {
		if errors.Is(cause, thinkgear.ErrChecksumMismatch) {
			s.ChecksumFailures++
		} else {
			s.LengthFailures++
		}
		s.ConsecutiveFailures++
		n = s.ConsecutiveFailures
	})
	reason := "length"
	if errors.Is(cause, thinkgear.ErrChecksumMismatch) {
		reason = "checksum"
	}
	if m := p.opts.Metrics; m != nil {
		m.FramesRejected.WithLabelValues(reason).Inc()
		m.ConsecutiveFails.Set(float64(n))
	}
	monitoring.Logf("pipeline: frame rejected, resynchronising: %v", cause)

	if n > p.opts.MaxConsecutiveFailures {
		return &ProtocolDesyncError{Offset: offset, ConsecutiveFailures: n, Last: cause}
	}
	return nil
}

func (p *Pipeline) accept() {
	p.updateStats(func(s *Stats) {
		s.FramesAccepted++
		s.ConsecutiveFailures = 0
	})
	if m := p.opts.Metrics; m != nil {
		m.FramesAccepted.Inc()
		m.ConsecutiveFails.Set(0)
	}
}

func (p *Pipeline) unsupportedTag(e *thinkgear.UnsupportedTagError) {
	monitoring.Debugf("pipeline: skipping %v", e)
	p.updateStats(func(s *Stats) { s.UnsupportedTags++ })
	if m := p.opts.Metrics; m != nil {
		m.UnsupportedTags.Inc()
	}
}

func (p *Pipeline) truncated(offset int64, err error) {
	monitoring.Debugf("pipeline: frame at byte %d: %v", offset, err)
	p.updateStats(func(s *Stats) { s.TruncatedFields++ })
	if m := p.opts.Metrics; m != nil {
		m.TruncatedFields.Inc()
	}
}

// fail reports a fatal error once and returns it.
func (p *Pipeline) fail(err error) error {
	kind := thinkgear.Kind(err)
	monitoring.Logf("pipeline: stopped: %s: %v", kind, err)
	p.updateStats(func(s *Stats) {
		s.LastError = err.Error()
		s.LastErrorKind = kind
	})
	return err
}

func (p *Pipeline) addBytes(offset, prev int64) int64 {
	if offset == prev {
		return offset
	}
	p.updateStats(func(s *Stats) { s.BytesRead = offset })
	if m := p.opts.Metrics; m != nil {
		m.BytesRead.Add(float64(offset - prev))
	}
	return offset
}

// reset clears the buffer and restarts the clock origin for a new stream.
func (p *Pipeline) reset() {
	p.untilAnalysis = 0
	p.start = p.opts.Clock.Now()
	p.mu.Lock()
	p.ring.Reset()
	p.stats.ConsecutiveFailures = 0
	p.stats.BytesRead = 0
	p.stats.LastError, p.stats.LastErrorKind = "", ""
	p.mu.Unlock()
}

func (p *Pipeline) setRunning(running bool) {
	p.updateStats(func(s *Stats) { s.Running = running })
}

func (p *Pipeline) updateStats(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Latest returns the most recently emitted record.
func (p *Pipeline) Latest() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Record{}, false
	}
	return *p.latest, true
}

// LatestSpectrum returns the most recent record that carried a spectrum.
func (p *Pipeline) LatestSpectrum() (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latestSpectrum == nil {
		return Record{}, false
	}
	return *p.latestSpectrum, true
}

// Buffered returns a copy of the samples currently held in the buffer,
// oldest first.
func (p *Pipeline) Buffered() []TimedSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Snapshot()
}
