package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio: zero means "use default", so only negative values are rejected.
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameLength < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_length %d must not be negative", cfg.Audio.FrameLength))
	}

	// Detectors
	if len(cfg.Detectors) == 0 {
		errs = append(errs, errors.New("detectors: at least one detector is required"))
	}
	seen := make(map[string]int, len(cfg.Detectors))
	for i, d := range cfg.Detectors {
		prefix := fmt.Sprintf("detectors[%d]", i)
		if d.Language == "" {
			errs = append(errs, fmt.Errorf("%s.language is required", prefix))
		}
		if d.Phrase == "" && d.KeywordPath == "" {
			errs = append(errs, fmt.Errorf("%s: one of phrase or keyword_path is required", prefix))
		}
		if d.Sensitivity < 0 || d.Sensitivity > 1 {
			errs = append(errs, fmt.Errorf("%s.sensitivity %.2f is out of range [0, 1]", prefix, d.Sensitivity))
		}
		key := d.Language + "/" + d.Phrase
		if prev, ok := seen[key]; ok {
			slog.Warn("duplicate detector entry",
				"language", d.Language, "phrase", d.Phrase,
				"index", i, "first_index", prev)
		} else {
			seen[key] = i
		}
	}

	// Durations: negative values are always invalid; zero means "use default".
	durations := []struct {
		key string
		val Duration
	}{
		{"arbitration.debounce_window", cfg.Arbitration.DebounceWindow},
		{"controller.lookback", cfg.Controller.Lookback},
		{"controller.forward_capture", cfg.Controller.ForwardCapture},
		{"controller.cooldown", cfg.Controller.Cooldown},
		{"transcription.timeout", cfg.Transcription.Timeout},
		{"lifecycle.restart_delay", cfg.Lifecycle.RestartDelay},
		{"lifecycle.shutdown_grace", cfg.Lifecycle.ShutdownGrace},
	}
	for _, d := range durations {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", d.key, d.val.Std()))
		}
	}

	// Transcription
	if cfg.Transcription.ModelPath == "" {
		errs = append(errs, errors.New("transcription.model_path is required"))
	}
	if cfg.Transcription.Workers < 0 {
		errs = append(errs, fmt.Errorf("transcription.workers %d must not be negative", cfg.Transcription.Workers))
	}

	// Lifecycle
	if cfg.Lifecycle.InitPolicy != "" && !cfg.Lifecycle.InitPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("lifecycle.init_policy %q is invalid; valid values: degrade, abort", cfg.Lifecycle.InitPolicy))
	}

	return errors.Join(errs...)
}
