package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
)

// MaxFilterOrder bounds the prototype order accepted by NewBandpass.
const MaxFilterOrder = 12

// Bandpass is a digital Butterworth bandpass filter stored as cascaded
// second-order sections. The design matches scipy.signal.butter(order,
// [low, high], btype="band") evaluated as a single transfer function, but
// the cascade form keeps order-5 designs with a 0.5 Hz edge numerically
// stable. Filtering runs on algo-dsp biquad chains.
//
// A Bandpass is immutable after construction and safe for concurrent use.
type Bandpass struct {
	order      int
	low, high  float64
	sampleRate float64
	sections   []biquad.Coefficients
}

// NewBandpass designs an order-N Butterworth bandpass with -3 dB edges at
// lowHz and highHz for a signal sampled at sampleRate Hz.
func NewBandpass(order int, lowHz, highHz, sampleRate float64) (*Bandpass, error) {
	switch {
	case order < 1 || order > MaxFilterOrder:
		return nil, fmt.Errorf("filter order %d outside 1..%d", order, MaxFilterOrder)
	case sampleRate <= 0:
		return nil, fmt.Errorf("sample rate must be positive, got %g", sampleRate)
	case lowHz <= 0 || highHz <= lowHz:
		return nil, fmt.Errorf("invalid passband [%g, %g] Hz", lowHz, highHz)
	case highHz >= sampleRate/2:
		return nil, fmt.Errorf("upper cutoff %g Hz must be below Nyquist (%g Hz)", highHz, sampleRate/2)
	}

	// Work in scipy's normalised units: digital frequencies as a fraction
	// of Nyquist, bilinear transform at fs=2.
	const fs2 = 4.0
	nyq := sampleRate / 2
	wl := fs2 * math.Tan(math.Pi*(lowHz/nyq)/2)
	wh := fs2 * math.Tan(math.Pi*(highHz/nyq)/2)
	bw := wh - wl
	wo := math.Sqrt(wl * wh)

	// Analog lowpass prototype poles, unit cutoff.
	proto := make([]complex128, order)
	for i := range proto {
		m := float64(-order + 1 + 2*i)
		proto[i] = -cmplx.Exp(complex(0, math.Pi*m/float64(2*order)))
	}

	// Lowpass to bandpass: every prototype pole becomes two, and order
	// zeros land at s=0.
	poles := make([]complex128, 0, 2*order)
	for _, p := range proto {
		pl := p * complex(bw/2, 0)
		d := cmplx.Sqrt(pl*pl - complex(wo*wo, 0))
		poles = append(poles, pl+d, pl-d)
	}

	// Bilinear transform. The s=0 zeros map to z=+1 and the zeros at
	// infinity to z=-1, so every section numerator is 1 - z^-2.
	gain := complex(math.Pow(bw*fs2, float64(order)), 0)
	zpoles := make([]complex128, len(poles))
	for i, p := range poles {
		zpoles[i] = (complex(fs2, 0) + p) / (complex(fs2, 0) - p)
		gain /= complex(fs2, 0) - p
	}

	sections, err := pairPoles(zpoles)
	if err != nil {
		return nil, err
	}
	k := real(gain)
	sections[0].B0 *= k
	sections[0].B2 *= k

	return &Bandpass{
		order:      order,
		low:        lowHz,
		high:       highHz,
		sampleRate: sampleRate,
		sections:   sections,
	}, nil
}

// pairPoles groups digital poles into second-order sections: each complex
// pole with its conjugate, and the real poles two at a time.
func pairPoles(poles []complex128) ([]biquad.Coefficients, error) {
	const tol = 1e-9
	var upper []complex128
	var reals []float64
	for _, p := range poles {
		if cmplx.Abs(p) >= 1 {
			return nil, fmt.Errorf("unstable pole %v", p)
		}
		switch {
		case math.Abs(imag(p)) <= tol*math.Max(1, cmplx.Abs(p)):
			reals = append(reals, real(p))
		case imag(p) > 0:
			upper = append(upper, p)
		}
	}
	if len(reals)%2 != 0 || 2*len(upper)+len(reals) != len(poles) {
		return nil, fmt.Errorf("cannot pair %d poles into sections", len(poles))
	}
	sort.Float64s(reals)

	sections := make([]biquad.Coefficients, 0, len(poles)/2)
	for _, p := range upper {
		sections = append(sections, biquad.Coefficients{
			B0: 1, B2: -1,
			A1: -2 * real(p),
			A2: real(p)*real(p) + imag(p)*imag(p),
		})
	}
	for i := 0; i < len(reals); i += 2 {
		r1, r2 := reals[i], reals[i+1]
		sections = append(sections, biquad.Coefficients{
			B0: 1, B2: -1,
			A1: -(r1 + r2),
			A2: r1 * r2,
		})
	}
	return sections, nil
}

// Order returns the prototype order.
func (f *Bandpass) Order() int { return f.order }

// Cutoffs returns the -3 dB edges in Hz.
func (f *Bandpass) Cutoffs() (low, high float64) { return f.low, f.high }

// Sections returns a copy of the second-order sections.
func (f *Bandpass) Sections() []biquad.Coefficients {
	return append([]biquad.Coefficients(nil), f.sections...)
}

// Apply filters x from a zero initial state and returns a new slice of the
// same length. x is not modified.
func (f *Bandpass) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	biquad.NewChain(f.sections).ProcessBlock(y)
	return y
}

// Response returns the magnitude of the filter's frequency response at
// freqHz.
func (f *Bandpass) Response(freqHz float64) float64 {
	return cmplx.Abs(biquad.NewChain(f.sections).Response(freqHz, f.sampleRate))
}
