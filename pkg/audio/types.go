// Package audio provides the frame type and buffering primitives shared by
// the voice-activation pipeline: immutable PCM frames, a bounded lookback
// ring for transcription windows, and PCM math helpers.
package audio

import "time"

// Frame represents a single fixed-length chunk of PCM audio flowing through
// the pipeline. Frames are the atomic unit of processing — captured from the
// input device, scored by wake-phrase detectors, and assembled into
// transcription windows.
//
// A Frame is immutable once produced. The bus hands the same backing slice to
// every subscriber as a read-only view; subscribers must not modify Samples.
type Frame struct {
	// Sequence is a monotonically increasing frame counter assigned by the
	// bus on publish. Usable for debounce-window and ordering calculations.
	Sequence uint64

	// Timestamp marks when this frame was captured.
	Timestamp time.Time

	// Samples holds 16-bit signed mono PCM samples.
	Samples []int16

	// SampleRate in Hz (e.g., 16000 for wake-phrase detection and STT).
	SampleRate int
}

// Duration returns the wall-clock length of the frame's audio.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
