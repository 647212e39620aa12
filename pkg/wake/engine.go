// Package wake defines the capability interfaces for wake-phrase detection
// backends.
//
// A single detector instance supports exactly one acoustic/language model —
// multiple languages require multiple independent instances run side by side,
// never merged into one instance. The pipeline therefore models detection as
// a flat collection of per-language [Detector] values created from a
// configuration list at startup via an [Engine] factory.
//
// A Detector is stateful internally (the engine owns its acoustic model
// state across frames) and must only ever receive frames from a single
// goroutine; the detector pool guarantees per-instance frame ordering.
package wake

import "time"

// Config describes one wake-phrase detector instance. Created at startup
// from external configuration; immutable for the process lifetime.
type Config struct {
	// Language is the BCP-47-ish language tag of the acoustic model
	// (e.g., "en", "ja").
	Language string

	// Phrase is the wake phrase this detector listens for. For engines with
	// built-in keyword sets this selects the keyword; for custom models it
	// is a display label.
	Phrase string

	// KeywordPath is the path to a custom keyword model file, if any.
	// When empty, Phrase must name a built-in keyword of the engine.
	KeywordPath string

	// ModelPath is the path to the per-language acoustic model parameters,
	// if the engine requires one. Empty selects the engine default (usually
	// English).
	ModelPath string

	// Sensitivity is the detection threshold in [0, 1]. A frame whose score
	// is greater than or equal to Sensitivity counts as a detection
	// (inclusive boundary). Higher values mean more detections and more
	// false positives.
	Sensitivity float64

	// FrameLength is the number of PCM samples the engine consumes per
	// Process call. All detectors in one pipeline must agree on this.
	FrameLength int
}

// Detector is the per-language wake-phrase detection capability:
// one Process call per audio frame, returning a score when the wake phrase
// crossed the configured sensitivity and detected=false otherwise.
//
// Implementations are not required to be goroutine-safe; the caller must
// feed frames from a single goroutine in capture order.
type Detector interface {
	// Process scores one fixed-length PCM frame. detected reports whether
	// the wake phrase fired on this frame; score is only meaningful when
	// detected is true. An error marks this frame as unprocessed — the
	// caller may continue with subsequent frames.
	Process(frame []int16) (score float64, detected bool, err error)

	// Close releases the underlying model resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Engine is the factory for detector instances. Implementations must be safe
// for concurrent use; the lifecycle manager may recreate a degraded instance
// while others are running.
type Engine interface {
	// NewDetector creates a detector for one language/phrase configuration.
	// Returns an error if the model cannot be initialised (fatal for that
	// language; the pool's init policy decides whether the pipeline aborts
	// or degrades).
	NewDetector(cfg Config) (Detector, error)
}

// Detection is a normalized wake-phrase hit produced by the detector pool on
// each frame where a detector's score crossed its threshold. It is consumed
// and discarded by the arbitrator within one debounce cycle.
type Detection struct {
	// DetectorID identifies the emitting instance, unique within the pool.
	DetectorID string

	// Language and Phrase echo the detector's configuration.
	Language string
	Phrase   string

	// Score is the detection score in [0, 1].
	Score float64

	// FrameSequence is the bus sequence number of the frame that fired.
	// Monotonically non-decreasing per detector.
	FrameSequence uint64

	// Timestamp is the capture time of the firing frame.
	Timestamp time.Time
}
