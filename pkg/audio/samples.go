// Package audio provides float32 PCM utilities shared by the chunker and the
// recognizer/diarizer stages: RMS measurement, peak normalisation, linear
// resampling, and WAV file IO.
//
// All functions operate on mono float32 samples in the range [-1, 1], the
// interchange format of the recognizer and diarizer contracts.
package audio

import (
	"errors"
	"math"
)

// ErrUnusableAudio is returned by [Validate] when the signal cannot be
// transcribed: empty, shorter than one second, all-zero, or containing
// NaN/Inf samples.
var ErrUnusableAudio = errors.New("audio: unusable audio")

// MinUsableDuration is the shortest signal [Validate] accepts.
const MinUsableDuration = 1.0 // seconds

// Duration returns the length of the signal in seconds.
func Duration(samples []float32, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(samples)) / float64(sampleRate)
}

// Validate checks that the signal is usable for transcription. It returns an
// error wrapping [ErrUnusableAudio] describing the first problem found.
func Validate(samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return errors.Join(ErrUnusableAudio, errors.New("empty signal"))
	}
	if Duration(samples, sampleRate) < MinUsableDuration {
		return errors.Join(ErrUnusableAudio, errors.New("duration below 1s"))
	}

	allZero := true
	for _, s := range samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return errors.Join(ErrUnusableAudio, errors.New("NaN or Inf sample"))
		}
		if s != 0 {
			allZero = false
		}
	}
	if allZero {
		return errors.Join(ErrUnusableAudio, errors.New("all-zero signal"))
	}
	return nil
}

// RMS returns the root-mean-square amplitude of the samples. Returns 0 for an
// empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSdB returns the RMS amplitude expressed in decibels relative to full
// scale. Silence (RMS 0) maps to -120 dB rather than -Inf so that threshold
// comparisons stay well-defined.
func RMSdB(samples []float32) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms)
}

// Peak returns the maximum absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// Normalize scales the signal so its peak equals 1.0 when the current peak
// exceeds 1.0 (clipping protection before recognizer input). Signals already
// within range are returned unchanged, without copying.
func Normalize(samples []float32) []float32 {
	peak := Peak(samples)
	if peak <= 1.0 || peak == 0 {
		return samples
	}
	out := make([]float32, len(samples))
	scale := float32(1.0 / peak)
	for i, s := range samples {
		out[i] = s * scale
	}
	return out
}

// Resample converts the signal from srcRate to dstRate using linear
// interpolation. If the rates match (or either is non-positive) the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
