// Package config provides the configuration schema, loader, and validation
// for the voice-activation pipeline.
package config

import "time"

// LogLevel controls log verbosity for the agent.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// InitPolicy selects how a detector initialisation failure is handled at
// startup.
type InitPolicy string

const (
	// InitDegrade skips the failed language and continues with the rest.
	InitDegrade InitPolicy = "degrade"

	// InitAbort fails startup on any detector initialisation error.
	InitAbort InitPolicy = "abort"
)

// IsValid reports whether p is a recognised init policy.
func (p InitPolicy) IsValid() bool {
	return p == InitDegrade || p == InitAbort
}

// Config is the root configuration structure for the voice agent.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Detectors     []DetectorConfig    `yaml:"detectors"`
	Arbitration   ArbitrationConfig   `yaml:"arbitration"`
	Controller    ControllerConfig    `yaml:"controller"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the /metrics and /healthz endpoints
	// (e.g., ":9090"). Empty disables the HTTP listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds capture and frame bus settings.
type AudioConfig struct {
	// SampleRate of captured PCM, in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameLength is samples per frame. Must match the wake engine's
	// expected frame length. Default 512.
	FrameLength int `yaml:"frame_length"`

	// SubscriptionDepth bounds how far a bus subscriber may lag, in frames,
	// before its oldest frame is dropped. Default 64.
	SubscriptionDepth int `yaml:"subscription_depth"`
}

// FrameInterval returns the wall-clock duration of one frame.
func (a AudioConfig) FrameInterval() time.Duration {
	if a.SampleRate <= 0 || a.FrameLength <= 0 {
		return 0
	}
	return time.Duration(a.FrameLength) * time.Second / time.Duration(a.SampleRate)
}

// DetectorConfig describes one wake-phrase detector instance.
type DetectorConfig struct {
	// Language is the BCP-47-ish language tag (e.g., "ja", "en").
	Language string `yaml:"language"`

	// Phrase is the wake phrase this detector listens for. For built-in
	// keywords this is the keyword name; otherwise KeywordPath is required.
	Phrase string `yaml:"phrase"`

	// KeywordPath is the path to a trained keyword file. Empty selects the
	// built-in keyword named by Phrase.
	KeywordPath string `yaml:"keyword_path"`

	// ModelPath is the path to the language-specific acoustic model file.
	// Empty selects the engine's default (English) model.
	ModelPath string `yaml:"model_path"`

	// Sensitivity is the detection threshold in [0, 1]. Higher values
	// trigger more easily. Default 0.5.
	Sensitivity float64 `yaml:"sensitivity"`
}

// ArbitrationConfig holds debounce settings for competing detections.
type ArbitrationConfig struct {
	// DebounceWindow is how long to collect competing detections before
	// electing a single winner. Default 500ms.
	DebounceWindow Duration `yaml:"debounce_window"`
}

// ControllerConfig holds state machine timing settings.
type ControllerConfig struct {
	// Lookback is how much audio before the trigger to transcribe. Default 2s.
	Lookback Duration `yaml:"lookback"`

	// ForwardCapture is how long to keep recording after the trigger before
	// submitting. Default 3s.
	ForwardCapture Duration `yaml:"forward_capture"`

	// Cooldown is the quiet period after a transcription result before the
	// pipeline re-arms. Default 2s.
	Cooldown Duration `yaml:"cooldown"`
}

// TranscriptionConfig holds speech-to-text settings.
type TranscriptionConfig struct {
	// ModelPath is the path to the speech-to-text model file. Required.
	ModelPath string `yaml:"model_path"`

	// Language forces a fixed transcription language (e.g., "ja"). Empty
	// decodes each request in the winning detector's language.
	Language string `yaml:"language"`

	// Timeout bounds each transcription request. Default 10s.
	Timeout Duration `yaml:"timeout"`

	// Workers is the intake worker pool size. Default 2.
	Workers int `yaml:"workers"`
}

// LifecycleConfig holds startup and shutdown settings.
type LifecycleConfig struct {
	// InitPolicy selects degrade or abort on detector init failure.
	// Default degrade.
	InitPolicy InitPolicy `yaml:"init_policy"`

	// RestartDelay is the pause before restarting a degraded detector.
	// Default 10s.
	RestartDelay Duration `yaml:"restart_delay"`

	// ShutdownGrace bounds graceful shutdown. Default 5s.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}
