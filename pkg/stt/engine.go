// Package stt defines the capability interfaces for speech-to-text backends.
//
// The model is the scarce, expensive resource: an [Engine] loads it lazily
// via Load (deferred until the first transcription request to bound idle
// memory footprint), and the returned [Model] performs batch transcription
// of a bounded audio window. A Model is not guaranteed re-entrant — callers
// must serialize access; the transcription service enforces a single active
// call.
//
// Transcribe must support cooperative cancellation through its context: when
// the context is cancelled the call is asked to stop and return early, never
// killed, so the model stays usable for the next request.
package stt

import (
	"context"
	"time"
)

// Outcome classifies how a transcription request resolved.
type Outcome string

const (
	// OutcomeSuccess means the full audio window was transcribed.
	OutcomeSuccess Outcome = "success"

	// OutcomeTimeout means the request exceeded its max duration and was
	// cancelled cooperatively.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeFailure means the model reported an error mid-call.
	OutcomeFailure Outcome = "failure"

	// OutcomeBusy means the request was rejected immediately because another
	// request was already in flight.
	OutcomeBusy Outcome = "busy"
)

// Transcription is the raw output of a single Model.Transcribe call.
type Transcription struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the language the model transcribed in.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report one.
	Confidence float64
}

// Result is the terminal answer to one transcription request. The downstream
// consumer always receives exactly one Result per request — success, timeout,
// or failure — and is never left waiting beyond the request's max duration.
type Result struct {
	// Text is the transcribed speech. Empty unless Outcome is success.
	Text string

	// Language is the transcription language.
	Language string

	// DurationProcessed is the length of audio submitted to the model.
	DurationProcessed time.Duration

	// Confidence is the overall confidence score (0.0–1.0), if reported.
	Confidence float64

	// Outcome classifies the resolution.
	Outcome Outcome

	// Err carries the underlying error for timeout/failure outcomes.
	Err error
}

// Model is a loaded speech-to-text model instance. Not safe for concurrent
// Transcribe calls; the owner serializes access.
type Model interface {
	// Transcribe runs batch inference over a mono PCM window normalised to
	// float32 in [-1, 1]. language hints the decoding language for this
	// request (typically the winning detector's language); implementations
	// with a fixed configured language may ignore it. Cancellation via ctx
	// is cooperative: the call returns promptly with ctx.Err() and leaves
	// the model reusable.
	Transcribe(ctx context.Context, samples []float32, language string) (Transcription, error)

	// Close releases the model. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for the model, called lazily by the transcription
// service on the first request. Load is expensive (model weights are read
// into memory); failures are fatal to the service after bounded retries.
type Engine interface {
	Load(ctx context.Context) (Model, error)
}
