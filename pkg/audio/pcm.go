package audio

import "math"

// RMS returns the root-mean-square energy of a 16-bit PCM sample buffer,
// expressed in the same units as sample values (0–32 767). Returns 0 for an
// empty buffer.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Float32Mono converts 16-bit PCM samples to normalised float32 in [-1, 1],
// the input format expected by whisper.cpp.
func Float32Mono(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// FlattenFrames concatenates the samples of a chronological frame slice into
// one contiguous PCM buffer.
func FlattenFrames(frames []Frame) []int16 {
	var total int
	for _, f := range frames {
		total += len(f.Samples)
	}
	out := make([]int16, 0, total)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}
