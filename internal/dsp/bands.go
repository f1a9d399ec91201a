package dsp

import (
	"errors"
	"fmt"
)

// FrequencyBand is a named half-open frequency interval [LowHz, HighHz).
type FrequencyBand struct {
	Name   string  `json:"name" yaml:"name"`
	LowHz  float64 `json:"low_hz" yaml:"low_hz"`
	HighHz float64 `json:"high_hz" yaml:"high_hz"`
}

// Contains reports whether f lies in [LowHz, HighHz).
func (b FrequencyBand) Contains(f float64) bool {
	return f >= b.LowHz && f < b.HighHz
}

// DefaultBands returns the five classic EEG bands in output order.
func DefaultBands() []FrequencyBand {
	return []FrequencyBand{
		{Name: "Delta", LowHz: 0.5, HighHz: 4},
		{Name: "Theta", LowHz: 4, HighHz: 8},
		{Name: "Alpha", LowHz: 8, HighHz: 12},
		{Name: "Beta", LowHz: 12, HighHz: 30},
		{Name: "Gamma", LowHz: 30, HighHz: 50},
	}
}

// BandNames returns the names of bands in order.
func BandNames(bands []FrequencyBand) []string {
	names := make([]string, len(bands))
	for i, b := range bands {
		names[i] = b.Name
	}
	return names
}

// ValidateBands checks that bands is non-empty, that every band has a
// unique non-empty name and 0 <= low < high, and that no band reaches above
// the Nyquist frequency of sampleRate.
func ValidateBands(bands []FrequencyBand, sampleRate float64) error {
	if len(bands) == 0 {
		return errors.New("no frequency bands configured")
	}
	seen := make(map[string]bool, len(bands))
	for i, b := range bands {
		if b.Name == "" {
			return fmt.Errorf("band %d has no name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate band name %q", b.Name)
		}
		seen[b.Name] = true
		if b.LowHz < 0 || b.HighHz <= b.LowHz {
			return fmt.Errorf("band %q: invalid range [%g, %g)", b.Name, b.LowHz, b.HighHz)
		}
		if sampleRate > 0 && b.HighHz > sampleRate/2 {
			return fmt.Errorf("band %q: upper edge %g Hz above Nyquist (%g Hz)", b.Name, b.HighHz, sampleRate/2)
		}
	}
	return nil
}
