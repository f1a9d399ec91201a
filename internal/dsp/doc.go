// Package dsp holds the streaming signal chain: a fixed-capacity sample
// ring, a Butterworth bandpass filter and an FFT band-power analyzer.
package dsp
