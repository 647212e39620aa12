// Package porcupine provides a wake.Engine backed by the Picovoice Porcupine
// binding. Porcupine supports exactly one language model per instance, which
// maps one-to-one onto the wake.Detector contract: the pipeline creates one
// instance per configured language.
//
// Porcupine reports detections as a keyword index without a confidence
// score. The detector reports the configured sensitivity as the score so
// that arbitration between languages stays deterministic and configurable.
package porcupine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	pv "github.com/Picovoice/porcupine/binding/go/v3"

	"github.com/kawaz/voice-agent/pkg/wake"
)

// Compile-time assertion that Engine satisfies wake.Engine.
var _ wake.Engine = (*Engine)(nil)

// Engine creates Porcupine-backed detectors. The access key is shared by all
// instances; per-language model paths come from each wake.Config.
type Engine struct {
	accessKey string
}

// NewEngine creates an Engine using the given Picovoice access key
// (typically from the PICOVOICE_ACCESS_KEY environment variable).
func NewEngine(accessKey string) (*Engine, error) {
	if accessKey == "" {
		return nil, errors.New("porcupine: access key must not be empty")
	}
	return &Engine{accessKey: accessKey}, nil
}

// NewDetector initialises one Porcupine instance for cfg. The instance owns
// its acoustic model state; it must be fed frames of exactly
// pv.FrameLength samples at pv.SampleRate Hz from a single goroutine.
func (e *Engine) NewDetector(cfg wake.Config) (wake.Detector, error) {
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return nil, fmt.Errorf("porcupine: sensitivity %.2f out of range [0, 1]", cfg.Sensitivity)
	}

	p := pv.Porcupine{
		AccessKey:     e.accessKey,
		ModelPath:     cfg.ModelPath,
		Sensitivities: []float32{float32(cfg.Sensitivity)},
	}
	if cfg.KeywordPath != "" {
		p.KeywordPaths = []string{cfg.KeywordPath}
	} else {
		kw, err := builtinKeyword(cfg.Phrase)
		if err != nil {
			return nil, err
		}
		p.BuiltInKeywords = []pv.BuiltInKeyword{kw}
	}

	if err := p.Init(); err != nil {
		return nil, fmt.Errorf("porcupine: init detector (language %q, phrase %q): %w",
			cfg.Language, cfg.Phrase, err)
	}

	if cfg.FrameLength != 0 && cfg.FrameLength != pv.FrameLength {
		_ = p.Delete()
		return nil, fmt.Errorf("porcupine: configured frame length %d does not match engine frame length %d",
			cfg.FrameLength, pv.FrameLength)
	}

	return &detector{p: p, score: cfg.Sensitivity}, nil
}

// detector wraps one Porcupine instance. Not goroutine-safe for Process by
// contract; Close may race with nothing because the pool stops feeding a
// detector before closing it.
type detector struct {
	p     pv.Porcupine
	score float64

	closeOnce sync.Once
	closeErr  error
}

func (d *detector) Process(frame []int16) (float64, bool, error) {
	idx, err := d.p.Process(frame)
	if err != nil {
		return 0, false, fmt.Errorf("porcupine: process frame: %w", err)
	}
	if idx < 0 {
		return 0, false, nil
	}
	return d.score, true, nil
}

func (d *detector) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.p.Delete()
	})
	return d.closeErr
}

// builtinKeyword maps a phrase label to Porcupine's built-in keyword set.
func builtinKeyword(phrase string) (pv.BuiltInKeyword, error) {
	kw := pv.BuiltInKeyword(strings.ToLower(strings.TrimSpace(phrase)))
	for _, known := range pv.AllBuiltInKeywords {
		if kw == known {
			return kw, nil
		}
	}
	return "", fmt.Errorf("porcupine: %q is not a built-in keyword and no keyword_path was given", phrase)
}
