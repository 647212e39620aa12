// Command voice-agent runs the always-on voice-activation pipeline:
// microphone capture, multi-language wake-phrase detection, arbitration,
// and on-demand speech-to-text transcription.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kawaz/voice-agent/internal/arbiter"
	"github.com/kawaz/voice-agent/internal/bus"
	"github.com/kawaz/voice-agent/internal/config"
	"github.com/kawaz/voice-agent/internal/controller"
	"github.com/kawaz/voice-agent/internal/detector"
	"github.com/kawaz/voice-agent/internal/health"
	"github.com/kawaz/voice-agent/internal/lifecycle"
	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/internal/transcribe"
	"github.com/kawaz/voice-agent/pkg/audio/capture"
	"github.com/kawaz/voice-agent/pkg/stt/whisper"
	"github.com/kawaz/voice-agent/pkg/wake"
	"github.com/kawaz/voice-agent/pkg/wake/porcupine"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voice-agent: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voice-agent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voice-agent: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voice-agent starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Wake engine ───────────────────────────────────────────────────────────
	accessKey := os.Getenv("PICOVOICE_ACCESS_KEY")
	if accessKey == "" {
		slog.Error("PICOVOICE_ACCESS_KEY is not set")
		return 1
	}
	wakeEngine, err := porcupine.NewEngine(accessKey)
	if err != nil {
		slog.Error("failed to create wake engine", "err", err)
		return 1
	}

	// ── Pipeline assembly ─────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	frameInterval := cfg.Audio.FrameInterval()

	frameBus := bus.New(bus.Config{
		SampleRate:    cfg.Audio.SampleRate,
		FrameInterval: frameInterval,
		Metrics:       metrics,
	})

	pool, err := detector.NewPool(detector.Config{
		Engine:     wakeEngine,
		Detectors:  detectorConfigs(cfg),
		InitPolicy: detector.InitPolicy(cfg.Lifecycle.InitPolicy),
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to initialise detector pool", "err", err)
		return 1
	}
	slog.Info("wake detectors ready", "languages", pool.Languages())

	sttEngine, err := whisper.NewEngine(cfg.Transcription.ModelPath,
		whisper.WithLanguage(cfg.Transcription.Language))
	if err != nil {
		slog.Error("failed to create transcription engine", "err", err)
		return 1
	}
	transcriber, err := transcribe.New(transcribe.Config{
		Engine:  sttEngine,
		Workers: cfg.Transcription.Workers,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to create transcription service", "err", err)
		return 1
	}

	ctl := controller.New(controller.Config{
		Transcriber:   transcriber,
		Lookback:      cfg.Controller.Lookback.Std(),
		Forward:       cfg.Controller.ForwardCapture.Std(),
		Cooldown:      cfg.Controller.Cooldown.Std(),
		MaxDuration:   cfg.Transcription.Timeout.Std(),
		FrameInterval: frameInterval,
		Metrics:       metrics,
	})

	arb := arbiter.New(arbiter.Config{
		Window: cfg.Arbitration.DebounceWindow.Std(),
		Gate:   ctl,
		OnDiscard: func(d wake.Detection, reason string) {
			ctl.Report(controller.Event{
				Kind:      controller.EventDetectionDiscarded,
				Detection: d,
				Reason:    reason,
			})
		},
		Metrics: metrics,
	})

	source, err := capture.New(capture.Config{
		SampleRate:  cfg.Audio.SampleRate,
		FrameLength: cfg.Audio.FrameLength,
	}, frameBus)
	if err != nil {
		slog.Error("failed to create capture source", "err", err)
		return 1
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Source:            source,
		Bus:               frameBus,
		Pool:              pool,
		Arbiter:           arb,
		Controller:        ctl,
		Transcriber:       transcriber,
		ShutdownGrace:     cfg.Lifecycle.ShutdownGrace.Std(),
		RestartDelay:      cfg.Lifecycle.RestartDelay.Std(),
		SubscriptionDepth: cfg.Audio.SubscriptionDepth,
	})
	if err != nil {
		slog.Error("failed to assemble pipeline", "err", err)
		return 1
	}

	// ── Event consumer ────────────────────────────────────────────────────────
	go consumeEvents(ctl.Events())

	// ── HTTP endpoints (optional) ─────────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, ctl, pool)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
		}()
		slog.Info("metrics and health endpoints listening", "addr", cfg.Server.ListenAddr)
	}

	slog.Info("pipeline ready — press Ctrl+C to shut down")

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// detectorConfigs converts the config schema into wake engine configs.
func detectorConfigs(cfg *config.Config) []wake.Config {
	out := make([]wake.Config, 0, len(cfg.Detectors))
	for _, d := range cfg.Detectors {
		out = append(out, wake.Config{
			Language:    d.Language,
			Phrase:      d.Phrase,
			KeywordPath: d.KeywordPath,
			ModelPath:   d.ModelPath,
			Sensitivity: d.Sensitivity,
			FrameLength: cfg.Audio.FrameLength,
		})
	}
	return out
}

// consumeEvents is the downstream consumer: it logs every pipeline event.
// A real deployment would forward transcriptions to a command dispatcher.
func consumeEvents(events <-chan controller.Event) {
	for ev := range events {
		switch ev.Kind {
		case controller.EventTranscription:
			if ev.Result != nil && ev.Err == nil {
				slog.Info("utterance transcribed",
					"language", ev.Result.Language,
					"text", ev.Result.Text,
					"audio", ev.Result.DurationProcessed,
				)
			} else {
				slog.Warn("transcription unavailable",
					"language", ev.Trigger.Language, "err", ev.Err)
			}
		case controller.EventTriggerIgnored:
			slog.Info("trigger ignored",
				"language", ev.Trigger.Language, "phrase", ev.Trigger.Phrase)
		case controller.EventDetectionDiscarded:
			slog.Info("detection discarded",
				"language", ev.Detection.Language, "phrase", ev.Detection.Phrase,
				"score", ev.Detection.Score, "reason", ev.Reason)
		case controller.EventDetectorDegraded:
			slog.Warn("detector degraded", "err", ev.Err)
		case controller.EventModelLoadFailed:
			slog.Error("transcription model unavailable", "err", ev.Err)
		}
	}
}

// pipelineStatus adapts the controller and pool to the health endpoint.
type pipelineStatus struct {
	ctl  *controller.Controller
	pool *detector.Pool
}

func (p pipelineStatus) State() string          { return p.ctl.State().String() }
func (p pipelineStatus) DegradedDetectors() int { return p.pool.DegradedCount() }

func newHTTPServer(addr string, ctl *controller.Controller, pool *detector.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(pipelineStatus{ctl: ctl, pool: pool}).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
