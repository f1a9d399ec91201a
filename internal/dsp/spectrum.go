package dsp

import (
	"errors"
	"fmt"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// ErrPartialWindow is returned when an analysis window does not hold exactly
// the number of samples the Analyzer was built for.
var ErrPartialWindow = errors.New("analysis window is not full")

// BandPower is the power of one named band.
type BandPower struct {
	Name  string  `json:"name" cbor:"name"`
	Power float64 `json:"power" cbor:"power"`
}

// PowerSpectrum holds one BandPower per configured band, in band order.
type PowerSpectrum []BandPower

// Power returns the power of the named band.
func (s PowerSpectrum) Power(name string) (float64, bool) {
	for _, b := range s {
		if b.Name == name {
			return b.Power, true
		}
	}
	return 0, false
}

// Values returns the powers in band order.
func (s PowerSpectrum) Values() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Power
	}
	return out
}

// Dominant returns the band with the greatest power. It returns the zero
// BandPower for an empty spectrum.
func (s PowerSpectrum) Dominant() BandPower {
	var best BandPower
	for i, b := range s {
		if i == 0 || b.Power > best.Power {
			best = b
		}
	}
	return best
}

// binRange is the half-open range of spectrum bins that fall in one band.
type binRange struct {
	lo, hi int
}

// Analyzer computes band powers over fixed-size windows.
//
// The magnitude spectrum is |FFT(x)|/N over the first N/2 bins, and each
// band's power is the sum of squared magnitudes of the bins whose centre
// frequency lies in [low, high).
//
// An Analyzer reuses internal scratch buffers and is not safe for
// concurrent use.
type Analyzer struct {
	size   int
	rate   float64
	bands  []FrequencyBand
	ranges []binRange

	fft    *fourier.FFT
	coeffs []complex128
	mags   []float64
}

// NewAnalyzer returns an Analyzer for windows of size samples taken at rate
// Hz.
func NewAnalyzer(size int, rate float64, bands []FrequencyBand) (*Analyzer, error) {
	if size < 2 {
		return nil, fmt.Errorf("window size %d too small", size)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %g", rate)
	}
	if err := ValidateBands(bands, rate); err != nil {
		return nil, err
	}

	a := &Analyzer{
		size:  size,
		rate:  rate,
		bands: append([]FrequencyBand(nil), bands...),
		fft:   fourier.NewFFT(size),
		mags:  make([]float64, size/2),
	}
	a.ranges = make([]binRange, len(bands))
	for i, b := range bands {
		r := binRange{lo: len(a.mags), hi: len(a.mags)}
		for k := range a.mags {
			if b.Contains(a.BinFrequency(k)) {
				if r.lo == len(a.mags) {
					r.lo = k
				}
				r.hi = k + 1
			}
		}
		a.ranges[i] = r
	}
	return a, nil
}

// Size returns the window length.
func (a *Analyzer) Size() int { return a.size }

// Bands returns a copy of the configured bands.
func (a *Analyzer) Bands() []FrequencyBand {
	return append([]FrequencyBand(nil), a.bands...)
}

// BinFrequency returns the centre frequency of bin k in Hz.
func (a *Analyzer) BinFrequency(k int) float64 {
	return a.fft.Freq(k) * a.rate
}

// Magnitudes returns |X[k]|/N for k in [0, N/2). The returned slice is
// owned by the caller.
func (a *Analyzer) Magnitudes(window []float64) ([]float64, error) {
	if err := a.magnitudes(window); err != nil {
		return nil, err
	}
	return append([]float64(nil), a.mags...), nil
}

func (a *Analyzer) magnitudes(window []float64) error {
	if len(window) != a.size {
		return fmt.Errorf("%w: got %d samples, want %d", ErrPartialWindow, len(window), a.size)
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, window)
	n := float64(a.size)
	for k := range a.mags {
		a.mags[k] = cmplx.Abs(a.coeffs[k]) / n
	}
	return nil
}

// Analyze returns the band powers of window. The result is computed from
// window alone; nothing carries over between calls.
func (a *Analyzer) Analyze(window []float64) (PowerSpectrum, error) {
	if err := a.magnitudes(window); err != nil {
		return nil, err
	}
	out := make(PowerSpectrum, len(a.bands))
	for i, b := range a.bands {
		r := a.ranges[i]
		m := a.mags[r.lo:r.hi]
		out[i] = BandPower{Name: b.Name, Power: floats.Dot(m, m)}
	}
	return out, nil
}
