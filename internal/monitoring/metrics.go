package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the decode pipeline.
type Metrics struct {
	BytesRead        prometheus.Counter
	FramesAccepted   prometheus.Counter
	FramesRejected   *prometheus.CounterVec
	UnsupportedTags  prometheus.Counter
	TruncatedFields  prometheus.Counter
	Samples          prometheus.Counter
	Spectra          prometheus.Counter
	ConsecutiveFails prometheus.Gauge
	BandPower        *prometheus.GaugeVec
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "stream_bytes_total",
			Help:      "Bytes consumed from the headset stream.",
		}),
		FramesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "frames_accepted_total",
			Help:      "Frames that passed checksum validation.",
		}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "frames_rejected_total",
			Help:      "Frames rejected before decoding, by reason.",
		}, []string{"reason"}),
		UnsupportedTags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "unsupported_tags_total",
			Help:      "Payload tags skipped because no parser is registered.",
		}),
		TruncatedFields: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "truncated_fields_total",
			Help:      "Payload fields that ran past the end of their frame.",
		}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "samples_total",
			Help:      "Raw samples appended to the analysis buffer.",
		}),
		Spectra: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eeg",
			Name:      "spectra_total",
			Help:      "Band power spectra computed.",
		}),
		ConsecutiveFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eeg",
			Name:      "consecutive_frame_failures",
			Help:      "Frames rejected since the last accepted frame.",
		}),
		BandPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eeg",
			Name:      "band_power",
			Help:      "Most recent band power by band name.",
		}, []string{"band"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BytesRead,
			m.FramesAccepted,
			m.FramesRejected,
			m.UnsupportedTags,
			m.TruncatedFields,
			m.Samples,
			m.Spectra,
			m.ConsecutiveFails,
			m.BandPower,
		)
	}
	return m
}
