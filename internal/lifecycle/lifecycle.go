// Package lifecycle owns pipeline startup, supervision, and shutdown.
//
// Startup order: frame bus subscriptions, detector pool, arbitrator,
// controller, then the capture source; the transcription model stays unloaded
// until the first request. Shutdown runs in reverse under a bounded grace
// period — an in-flight transcription is cancelled cooperatively via context,
// and if any goroutine outlives the grace period the manager returns an
// escalation error instead of hanging.
//
// The manager also supervises detector health: degraded notifications from
// the pool are surfaced as pipeline events and the failed instance is
// restarted after a delay. A fatal capture error or transcription model load
// failure escalates to full pipeline shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kawaz/voice-agent/internal/arbiter"
	"github.com/kawaz/voice-agent/internal/bus"
	"github.com/kawaz/voice-agent/internal/controller"
	"github.com/kawaz/voice-agent/internal/detector"
	"github.com/kawaz/voice-agent/internal/transcribe"
)

// ErrShutdownGraceExceeded reports that pipeline goroutines did not stop
// within the shutdown grace period.
var ErrShutdownGraceExceeded = errors.New("lifecycle: shutdown grace period exceeded")

// Source is the audio capture collaborator: started last, closed first.
type Source interface {
	// Start begins publishing frames. Blocking calls stop when ctx is
	// cancelled.
	Start(ctx context.Context) error

	// Err delivers at most one fatal capture error.
	Err() <-chan error

	// Close releases the capture device.
	Close() error
}

// Config holds the assembled pipeline components.
type Config struct {
	Source      Source
	Bus         *bus.Bus
	Pool        *detector.Pool
	Arbiter     *arbiter.Arbitrator
	Controller  *controller.Controller
	Transcriber *transcribe.Service

	// ShutdownGrace bounds reverse-order shutdown. Default 5s.
	ShutdownGrace time.Duration

	// RestartDelay is the pause before restarting a degraded detector.
	// Default 10s.
	RestartDelay time.Duration

	// SubscriptionDepth is the frame channel depth for the pool and
	// controller bus subscriptions. Default 64.
	SubscriptionDepth int
}

// Manager runs the pipeline. Run may be called once.
type Manager struct {
	cfg Config
}

// NewManager validates component wiring and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Bus == nil {
		errs = append(errs, errors.New("bus must not be nil"))
	}
	if cfg.Pool == nil {
		errs = append(errs, errors.New("detector pool must not be nil"))
	}
	if cfg.Arbiter == nil {
		errs = append(errs, errors.New("arbitrator must not be nil"))
	}
	if cfg.Controller == nil {
		errs = append(errs, errors.New("controller must not be nil"))
	}
	if cfg.Transcriber == nil {
		errs = append(errs, errors.New("transcription service must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 10 * time.Second
	}
	if cfg.SubscriptionDepth <= 0 {
		cfg.SubscriptionDepth = 64
	}
	return &Manager{cfg: cfg}, nil
}

// Run starts the pipeline and blocks until ctx is cancelled or a fatal error
// escalates, then shuts everything down in reverse order. The returned error
// is nil on clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	cfg := m.cfg

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	poolSub := cfg.Bus.Subscribe("detector-pool", cfg.SubscriptionDepth)
	ctlSub := cfg.Bus.Subscribe("controller", cfg.SubscriptionDepth)

	slog.Info("pipeline starting",
		"languages", cfg.Pool.Languages(), "shutdown_grace", cfg.ShutdownGrace)

	g.Go(func() error {
		cfg.Pool.Run(gctx, poolSub.Frames())
		return nil
	})
	g.Go(func() error {
		cfg.Arbiter.Run(gctx, cfg.Pool.Detections())
		return nil
	})
	g.Go(func() error {
		cfg.Controller.Run(gctx, ctlSub.Frames(), cfg.Arbiter.Triggers())
		return nil
	})
	g.Go(func() error {
		return m.superviseDetectors(gctx)
	})
	g.Go(func() error {
		return m.watchFatal(gctx)
	})

	if cfg.Source != nil {
		if err := cfg.Source.Start(gctx); err != nil {
			cancel()
			m.teardown()
			_ = g.Wait()
			return fmt.Errorf("lifecycle: capture start: %w", err)
		}
	}

	<-gctx.Done()
	cancel()

	// Reverse order: capture first so no new frames arrive, then the bus so
	// subscriber channels close, then the stateful components.
	m.teardown()

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	var runErr error
	select {
	case err := <-waited:
		runErr = err
	case <-time.After(cfg.ShutdownGrace):
		runErr = ErrShutdownGraceExceeded
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("pipeline stopped", "err", runErr)
		return runErr
	}
	slog.Info("pipeline stopped")
	return nil
}

// teardown closes components in reverse startup order. Close errors are
// logged, not propagated, so one failing component cannot block the rest.
func (m *Manager) teardown() {
	if m.cfg.Source != nil {
		if err := m.cfg.Source.Close(); err != nil {
			slog.Warn("capture close", "err", err)
		}
	}
	m.cfg.Bus.Close()
	if err := m.cfg.Transcriber.Close(); err != nil {
		slog.Warn("transcription service close", "err", err)
	}
	if err := m.cfg.Pool.Close(); err != nil {
		slog.Warn("detector pool close", "err", err)
	}
}

// superviseDetectors surfaces degradation events and restarts the failed
// instance after the restart delay.
func (m *Manager) superviseDetectors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.cfg.Pool.Degraded():
			if !ok {
				return nil
			}
			slog.Warn("detector degraded, scheduling restart",
				"detector", ev.DetectorID, "language", ev.Language,
				"delay", m.cfg.RestartDelay, "err", ev.Err)
			m.cfg.Controller.Report(controller.Event{
				Kind: controller.EventDetectorDegraded,
				Err:  fmt.Errorf("detector %s (%s): %w", ev.DetectorID, ev.Language, ev.Err),
			})

			go func() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.cfg.RestartDelay):
				}
				if err := m.cfg.Pool.Restart(ev.DetectorID); err != nil {
					slog.Error("detector restart failed",
						"detector", ev.DetectorID, "err", err)
					return
				}
				slog.Info("detector restarted", "detector", ev.DetectorID)
			}()
		}
	}
}

// watchFatal escalates unrecoverable component errors to pipeline shutdown.
func (m *Manager) watchFatal(ctx context.Context) error {
	var sourceErr <-chan error
	if m.cfg.Source != nil {
		sourceErr = m.cfg.Source.Err()
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-sourceErr:
		return fmt.Errorf("lifecycle: capture failed: %w", err)
	case err := <-m.cfg.Transcriber.Fatal():
		m.cfg.Controller.Report(controller.Event{Kind: controller.EventModelLoadFailed, Err: err})
		return fmt.Errorf("lifecycle: transcription unavailable: %w", err)
	}
}
