// Package mock provides test doubles for the stt package interfaces.
//
// Engine counts Load calls (to assert lazy single loading) and can fail a
// configurable number of times before succeeding. Model transcribes with a
// scripted delay and honours context cancellation, which lets tests drive
// the timeout and shutdown paths deterministically.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kawaz/voice-agent/pkg/stt"
)

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// Model is returned from Load. If nil, a default Model is created.
	Model stt.Model

	// LoadErr, when non-nil, is returned by Load until FailuresBeforeOK
	// loads have failed; afterwards Load succeeds. With FailuresBeforeOK=0
	// and LoadErr set, Load always fails.
	LoadErr          error
	FailuresBeforeOK int
	loadCalls        int
}

// Load records the call and returns the configured model or error.
func (e *Engine) Load(_ context.Context) (stt.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadCalls++
	if e.LoadErr != nil && (e.FailuresBeforeOK == 0 || e.loadCalls <= e.FailuresBeforeOK) {
		return nil, e.LoadErr
	}
	if e.Model != nil {
		return e.Model, nil
	}
	return &Model{}, nil
}

// LoadCalls reports how many times Load was invoked.
func (e *Engine) LoadCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadCalls
}

// Model is a mock implementation of stt.Model.
type Model struct {
	mu sync.Mutex

	// Text and Language populate the returned Transcription.
	Text     string
	Language string

	// Delay is how long Transcribe blocks before returning. Cancelled
	// contexts interrupt the wait and return ctx.Err().
	Delay time.Duration

	// Err, when non-nil, is returned by Transcribe after Delay.
	Err error

	calls     int
	languages []string
	closed    bool
}

// Transcribe waits Delay (or until ctx is done) and returns the scripted
// transcription.
func (m *Model) Transcribe(ctx context.Context, _ []float32, language string) (stt.Transcription, error) {
	m.mu.Lock()
	m.calls++
	m.languages = append(m.languages, language)
	delay, errOut := m.Delay, m.Err
	text, lang := m.Text, m.Language
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return stt.Transcription{}, ctx.Err()
		case <-time.After(delay):
		}
	} else if err := ctx.Err(); err != nil {
		return stt.Transcription{}, err
	}
	if errOut != nil {
		return stt.Transcription{}, errOut
	}
	return stt.Transcription{Text: text, Language: lang, Confidence: 1}, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Calls reports the number of Transcribe invocations.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Languages reports the per-request language hints passed to Transcribe, in
// call order.
func (m *Model) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.languages...)
}

// Closed reports whether Close was called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
