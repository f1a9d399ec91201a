package pipeline

import (
	"github.com/banshee-data/eeg.report/internal/thinkgear"
)

// Stats is a point-in-time view of pipeline activity.
type Stats struct {
	Running bool `json:"running"`

	BytesRead           int64  `json:"bytes_read"`
	FramesAccepted      uint64 `json:"frames_accepted"`
	ChecksumFailures    uint64 `json:"checksum_failures"`
	LengthFailures      uint64 `json:"length_failures"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	UnsupportedTags     uint64 `json:"unsupported_tags"`
	TruncatedFields     uint64 `json:"truncated_fields"`
	Samples             uint64 `json:"samples"`
	Spectra             uint64 `json:"spectra"`
	SinkErrors          uint64 `json:"sink_errors"`

	// Headset meters, present once the extended field table has decoded
	// them at least once.
	PoorSignal    *uint8              `json:"poor_signal,omitempty"`
	Attention     *uint8              `json:"attention,omitempty"`
	Meditation    *uint8              `json:"meditation,omitempty"`
	BlinkStrength *uint8              `json:"blink_strength,omitempty"`
	EEGPower      *thinkgear.EEGPower `json:"eeg_power,omitempty"`

	LastError     string `json:"last_error,omitempty"`
	LastErrorKind string `json:"last_error_kind,omitempty"`
}

// ptrUint8 returns a pointer to a copy of v.
func ptrUint8(v uint8) *uint8 { return &v }
