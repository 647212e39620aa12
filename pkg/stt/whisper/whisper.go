// Package whisper provides an stt.Engine backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// Loading reads the full model weights into memory, which is why the
// pipeline defers it until the first transcription request. One loaded model
// serves all requests; each Transcribe call creates a fresh whisper context
// from the shared model.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/kawaz/voice-agent/pkg/stt"
)

// Compile-time assertions against the stt capability interfaces.
var (
	_ stt.Engine = (*Engine)(nil)
	_ stt.Model  = (*model)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage forces a fixed transcription language code (e.g., "ja",
// "en") for every request. When empty, each Transcribe call decodes in the
// language hinted by the request (the winning detector's language).
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// Engine loads a whisper.cpp model from a file path. Load may be called at
// most once per Engine; the transcription service guards this.
type Engine struct {
	modelPath string
	language  string
}

// NewEngine creates an Engine for the model file at modelPath. No resources
// are acquired until Load.
func NewEngine(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	e := &Engine{modelPath: modelPath}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Load reads the model weights into memory and returns the shared Model.
// This is the expensive call the pipeline defers until first use.
func (e *Engine) Load(ctx context.Context) (stt.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: load cancelled: %w", err)
	}
	m, err := whisperlib.New(e.modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", e.modelPath, err)
	}
	slog.Info("whisper model loaded", "path", e.modelPath, "language", e.language)
	return &model{m: m, language: e.language}, nil
}

// model wraps the loaded whisper.cpp model. Transcribe is serialized by the
// caller; Close is idempotent.
type model struct {
	m        whisperlib.Model
	language string

	closeOnce sync.Once
	closeErr  error
}

// Transcribe runs batch inference over the sample window and returns the
// concatenated segment text. A fixed engine language wins over the
// per-request hint; with neither set the model auto-detects.
//
// The pinned binding version exposes no abort hook, so cancellation is
// cooperative to the caller rather than to the native call: on ctx expiry
// Transcribe returns ctx.Err() immediately while the inference drains in the
// background and its output is discarded. The model itself is never
// interrupted mid-call, so it stays consistent for the next request.
func (w *model) Transcribe(ctx context.Context, samples []float32, language string) (stt.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcription{}, err
	}

	lang := w.language
	if lang == "" {
		lang = language
	}
	if lang == "" {
		lang = "auto"
	}

	type inference struct {
		text string
		err  error
	}
	done := make(chan inference, 1)

	go func() {
		text, err := w.infer(samples, lang)
		done <- inference{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drain the abandoned inference so its goroutine can exit.
			res := <-done
			if res.err != nil {
				slog.Debug("abandoned whisper inference finished with error", "err", res.err)
			}
		}()
		return stt.Transcription{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return stt.Transcription{}, res.err
		}
		tr := stt.Transcription{Text: res.text}
		if lang != "auto" {
			tr.Language = lang
		}
		return tr, nil
	}
}

// infer creates a fresh whisper context from the shared model, runs
// inference, and collects the segment text.
func (w *model) infer(samples []float32, lang string) (string, error) {
	wctx, err := w.m.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using model default",
			"language", lang, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the model weights.
func (w *model) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.m.Close()
	})
	return w.closeErr
}
