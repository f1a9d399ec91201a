package pipeline

import (
	"github.com/banshee-data/eeg.report/internal/config"
	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/thinkgear"
	"github.com/banshee-data/eeg.report/internal/timeutil"
)

// Options configures a Pipeline. Zero fields take the defaults from
// DefaultOptions when passed to New.
type Options struct {
	SampleRate     float64
	BufferCapacity int
	// AnalysisStride is the number of samples between analyses once the
	// buffer is full. 1 analyses on every sample.
	AnalysisStride int

	FilterOrder int
	FilterLow   float64
	FilterHigh  float64
	Bands       []dsp.FrequencyBand

	// MaxConsecutiveFailures bounds how many frames in a row may be
	// rejected before Run gives up with a *ProtocolDesyncError.
	MaxConsecutiveFailures int
	MaxPayloadLength       int
	Fields                 thinkgear.FieldTable

	// RawOnly emits every sample with no spectrum and skips filtering and
	// analysis altogether.
	RawOnly bool

	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
}

// DefaultOptions returns the reference configuration: 512 Hz, a 512-sample
// window, an order-5 0.5-50 Hz bandpass and the five classic bands.
func DefaultOptions() Options {
	return Options{
		SampleRate:             config.DefaultSampleRateHz,
		BufferCapacity:         config.DefaultBufferCapacity,
		AnalysisStride:         config.DefaultAnalysisStride,
		FilterOrder:            config.DefaultFilterOrder,
		FilterLow:              config.DefaultFilterLowHz,
		FilterHigh:             config.DefaultFilterHighHz,
		Bands:                  dsp.DefaultBands(),
		MaxConsecutiveFailures: config.DefaultMaxChecksumFailures,
		MaxPayloadLength:       config.DefaultMaxPayloadLength,
		Fields:                 thinkgear.DefaultFieldTable(),
		Clock:                  timeutil.RealClock{},
	}
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	opts := DefaultOptions()
	opts.SampleRate = cfg.GetSampleRateHz()
	opts.BufferCapacity = cfg.GetBufferCapacity()
	opts.AnalysisStride = cfg.GetAnalysisStride()
	opts.FilterOrder = cfg.GetFilterOrder()
	opts.FilterLow = cfg.GetFilterLowHz()
	opts.FilterHigh = cfg.GetFilterHighHz()
	opts.Bands = cfg.GetBands()
	opts.MaxConsecutiveFailures = cfg.GetMaxConsecutiveChecksumFailures()
	opts.MaxPayloadLength = cfg.GetMaxPayloadLength()
	if cfg.GetDecodeExtendedFields() {
		opts.Fields = thinkgear.ExtendedFieldTable()
	}
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleRate == 0 {
		o.SampleRate = d.SampleRate
	}
	if o.BufferCapacity == 0 {
		o.BufferCapacity = d.BufferCapacity
	}
	if o.AnalysisStride == 0 {
		o.AnalysisStride = d.AnalysisStride
	}
	if o.FilterOrder == 0 {
		o.FilterOrder = d.FilterOrder
	}
	if o.FilterLow == 0 {
		o.FilterLow = d.FilterLow
	}
	if o.FilterHigh == 0 {
		o.FilterHigh = d.FilterHigh
	}
	if len(o.Bands) == 0 {
		o.Bands = d.Bands
	}
	if o.MaxConsecutiveFailures == 0 {
		o.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if o.MaxPayloadLength == 0 {
		o.MaxPayloadLength = d.MaxPayloadLength
	}
	if o.Fields == nil {
		o.Fields = d.Fields
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}
