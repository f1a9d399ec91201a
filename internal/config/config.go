package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/eeg.report/internal/dsp"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/eeg.defaults.json"

// Defaults used when a field is absent from the loaded file.
const (
	DefaultSampleRateHz        = 512.0
	DefaultBufferCapacity      = 512
	DefaultAnalysisStride      = 1
	DefaultFilterLowHz         = 0.5
	DefaultFilterHighHz        = 50.0
	DefaultFilterOrder         = 5
	DefaultMaxChecksumFailures = 64
	DefaultMaxPayloadLength    = 169
	DefaultBaudRate            = 57600
)

// PipelineConfig is the configuration surface of the decode and analysis
// pipeline. Every field is optional; Get* accessors fall back to the
// defaults above, so partial files are safe.
type PipelineConfig struct {
	// Sampling and buffering
	SampleRateHz   *float64 `json:"sample_rate_hz,omitempty" yaml:"sample_rate_hz,omitempty"`
	BufferCapacity *int     `json:"buffer_capacity,omitempty" yaml:"buffer_capacity,omitempty"`
	AnalysisStride *int     `json:"analysis_stride,omitempty" yaml:"analysis_stride,omitempty"`

	// Bandpass filter
	FilterLowHz  *float64 `json:"filter_low_hz,omitempty" yaml:"filter_low_hz,omitempty"`
	FilterHighHz *float64 `json:"filter_high_hz,omitempty" yaml:"filter_high_hz,omitempty"`
	FilterOrder  *int     `json:"filter_order,omitempty" yaml:"filter_order,omitempty"`

	// Protocol
	MaxConsecutiveChecksumFailures *int  `json:"max_consecutive_checksum_failures,omitempty" yaml:"max_consecutive_checksum_failures,omitempty"`
	MaxPayloadLength               *int  `json:"max_payload_length,omitempty" yaml:"max_payload_length,omitempty"`
	DecodeExtendedFields           *bool `json:"decode_extended_fields,omitempty" yaml:"decode_extended_fields,omitempty"`

	// Serial device
	BaudRate *int `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`

	Bands []dsp.FrequencyBand `json:"bands,omitempty" yaml:"bands,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyPipelineConfig returns a PipelineConfig with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a PipelineConfig with every field set to
// its default.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		SampleRateHz:                   ptrFloat64(DefaultSampleRateHz),
		BufferCapacity:                 ptrInt(DefaultBufferCapacity),
		AnalysisStride:                 ptrInt(DefaultAnalysisStride),
		FilterLowHz:                    ptrFloat64(DefaultFilterLowHz),
		FilterHighHz:                   ptrFloat64(DefaultFilterHighHz),
		FilterOrder:                    ptrInt(DefaultFilterOrder),
		MaxConsecutiveChecksumFailures: ptrInt(DefaultMaxChecksumFailures),
		MaxPayloadLength:               ptrInt(DefaultMaxPayloadLength),
		DecodeExtendedFields:           ptrBool(false),
		BaudRate:                       ptrInt(DefaultBaudRate),
		Bands:                          dsp.DefaultBands(),
	}
}

// LoadPipelineConfig loads a PipelineConfig from a .json, .yaml or .yml
// file of at most 1MB. Fields omitted from the file keep their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics if the
// file cannot be loaded and is intended for test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set, and their combination.
func (c *PipelineConfig) Validate() error {
	if c.SampleRateHz != nil && *c.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %g", *c.SampleRateHz)
	}
	if c.BufferCapacity != nil && *c.BufferCapacity < 2 {
		return fmt.Errorf("buffer_capacity must be at least 2, got %d", *c.BufferCapacity)
	}
	if c.AnalysisStride != nil && *c.AnalysisStride < 1 {
		return fmt.Errorf("analysis_stride must be at least 1, got %d", *c.AnalysisStride)
	}
	if c.FilterOrder != nil && (*c.FilterOrder < 1 || *c.FilterOrder > dsp.MaxFilterOrder) {
		return fmt.Errorf("filter_order must be between 1 and %d, got %d", dsp.MaxFilterOrder, *c.FilterOrder)
	}
	low, high, rate := c.GetFilterLowHz(), c.GetFilterHighHz(), c.GetSampleRateHz()
	if low <= 0 || high <= low || high >= rate/2 {
		return fmt.Errorf("filter band [%g, %g] Hz invalid for sample rate %g Hz", low, high, rate)
	}
	if c.MaxConsecutiveChecksumFailures != nil && *c.MaxConsecutiveChecksumFailures < 1 {
		return fmt.Errorf("max_consecutive_checksum_failures must be at least 1, got %d", *c.MaxConsecutiveChecksumFailures)
	}
	if c.MaxPayloadLength != nil && (*c.MaxPayloadLength < 1 || *c.MaxPayloadLength > DefaultMaxPayloadLength) {
		return fmt.Errorf("max_payload_length must be between 1 and %d, got %d", DefaultMaxPayloadLength, *c.MaxPayloadLength)
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.Bands != nil {
		if err := dsp.ValidateBands(c.Bands, rate); err != nil {
			return fmt.Errorf("bands: %w", err)
		}
	}
	return nil
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *PipelineConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return DefaultSampleRateHz
	}
	return *c.SampleRateHz
}

// GetBufferCapacity returns the buffer_capacity value or the default.
func (c *PipelineConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return DefaultBufferCapacity
	}
	return *c.BufferCapacity
}

// GetAnalysisStride returns the analysis_stride value or the default.
func (c *PipelineConfig) GetAnalysisStride() int {
	if c.AnalysisStride == nil {
		return DefaultAnalysisStride
	}
	return *c.AnalysisStride
}

// GetFilterLowHz returns the filter_low_hz value or the default.
func (c *PipelineConfig) GetFilterLowHz() float64 {
	if c.FilterLowHz == nil {
		return DefaultFilterLowHz
	}
	return *c.FilterLowHz
}

// GetFilterHighHz returns the filter_high_hz value or the default.
func (c *PipelineConfig) GetFilterHighHz() float64 {
	if c.FilterHighHz == nil {
		return DefaultFilterHighHz
	}
	return *c.FilterHighHz
}

// GetFilterOrder returns the filter_order value or the default.
func (c *PipelineConfig) GetFilterOrder() int {
	if c.FilterOrder == nil {
		return DefaultFilterOrder
	}
	return *c.FilterOrder
}

// GetMaxConsecutiveChecksumFailures returns the
// max_consecutive_checksum_failures value or the default.
func (c *PipelineConfig) GetMaxConsecutiveChecksumFailures() int {
	if c.MaxConsecutiveChecksumFailures == nil {
		return DefaultMaxChecksumFailures
	}
	return *c.MaxConsecutiveChecksumFailures
}

// GetMaxPayloadLength returns the max_payload_length value or the default.
func (c *PipelineConfig) GetMaxPayloadLength() int {
	if c.MaxPayloadLength == nil {
		return DefaultMaxPayloadLength
	}
	return *c.MaxPayloadLength
}

// GetDecodeExtendedFields returns the decode_extended_fields value or the
// default (raw samples only).
func (c *PipelineConfig) GetDecodeExtendedFields() bool {
	if c.DecodeExtendedFields == nil {
		return false
	}
	return *c.DecodeExtendedFields
}

// GetBaudRate returns the baud_rate value or the default.
func (c *PipelineConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// GetBands returns a copy of the configured bands or the default table.
func (c *PipelineConfig) GetBands() []dsp.FrequencyBand {
	if len(c.Bands) == 0 {
		return dsp.DefaultBands()
	}
	return append([]dsp.FrequencyBand(nil), c.Bands...)
}
