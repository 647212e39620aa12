// Package mock provides test doubles for the wake package interfaces.
//
// Use Engine to verify which detector configurations were created and to
// inject per-language Detector doubles. Use Detector with a Script to drive
// exact per-frame scores and errors through the detector pool.
//
// Example:
//
//	d := &mock.Detector{Script: []mock.Step{
//	    {},                              // frame 0: no detection
//	    {Score: 0.82, Detected: true},   // frame 1: wake phrase hit
//	}}
//	eng := &mock.Engine{Detectors: map[string]wake.Detector{"ja": d}}
package mock

import (
	"sync"

	"github.com/kawaz/voice-agent/pkg/wake"
)

// Step describes the result of one Detector.Process call.
type Step struct {
	Score    float64
	Detected bool
	Err      error
}

// Detector is a scripted implementation of wake.Detector. Process consumes
// one Step per call; after the script is exhausted every call reports no
// detection. Thread-safe, though the pool only ever calls it from one
// goroutine.
type Detector struct {
	// Script drives the results of successive Process calls.
	Script []Step

	mu       sync.Mutex
	pos      int
	frames   int
	closed   bool
	CloseErr error
}

// Process returns the next scripted step.
func (d *Detector) Process(_ []int16) (float64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	if d.pos >= len(d.Script) {
		return 0, false, nil
	}
	s := d.Script[d.pos]
	d.pos++
	return s.Score, s.Detected, s.Err
}

// Close marks the detector closed and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.CloseErr
}

// Frames reports how many Process calls were made.
func (d *Detector) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Closed reports whether Close was called.
func (d *Detector) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Engine is a mock implementation of wake.Engine keyed by language.
type Engine struct {
	mu sync.Mutex

	// Factory, when non-nil, builds the detector for each call. Takes
	// precedence over Detectors; useful for restart tests that need a fresh
	// double per call.
	Factory func(cfg wake.Config) (wake.Detector, error)

	// Detectors maps language → detector returned by NewDetector. A missing
	// language yields a fresh empty Detector.
	Detectors map[string]wake.Detector

	// InitErrs maps language → error returned by NewDetector, simulating a
	// per-language init failure.
	InitErrs map[string]error

	// Calls records every NewDetector config in order.
	Calls []wake.Config
}

// NewDetector records the call and returns the configured double.
func (e *Engine) NewDetector(cfg wake.Config) (wake.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, cfg)
	if err := e.InitErrs[cfg.Language]; err != nil {
		return nil, err
	}
	if e.Factory != nil {
		return e.Factory(cfg)
	}
	if d, ok := e.Detectors[cfg.Language]; ok {
		return d, nil
	}
	return &Detector{}, nil
}

// CallCount returns the number of NewDetector invocations. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}
