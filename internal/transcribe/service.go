// Package transcribe implements the transcription service: a bounded worker
// pool sharing one lazily-loaded speech-to-text model.
//
// The model is the scarce resource, not the worker goroutines — it is loaded
// on the first request (never at process startup) and every Transcribe call
// is serialized through a mutex because the model is not guaranteed
// re-entrant. Worker slots exist only to pipeline request intake and
// cancellation bookkeeping.
//
// The service accepts at most one in-flight request: a second Submit while
// one is outstanding is rejected immediately with [ErrBusy]. The controller
// never submits concurrently given its state machine, but the service
// enforces the invariant defensively.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kawaz/voice-agent/internal/arbiter"
	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/internal/resilience"
	"github.com/kawaz/voice-agent/pkg/audio"
	"github.com/kawaz/voice-agent/pkg/stt"
)

// ErrBusy is returned by Submit while another request is outstanding.
var ErrBusy = errors.New("transcribe: a request is already in flight")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("transcribe: service is closed")

// Request is one transcription job: the winning trigger plus the audio
// window assembled from the lookback ring.
type Request struct {
	// ID uniquely identifies the request in logs and telemetry.
	ID uuid.UUID

	// Trigger is the arbitration winner that caused this request.
	Trigger arbiter.Trigger

	// Window is the chronological audio window to transcribe.
	Window []audio.Frame

	// MaxDuration bounds the transcription call; on expiry the call is
	// cancelled cooperatively and the result outcome is Timeout.
	MaxDuration time.Duration
}

// NewRequest assembles a Request with a fresh ID.
func NewRequest(trigger arbiter.Trigger, window []audio.Frame, maxDuration time.Duration) Request {
	return Request{
		ID:          uuid.New(),
		Trigger:     trigger,
		Window:      window,
		MaxDuration: maxDuration,
	}
}

// Config holds service construction parameters.
type Config struct {
	// Engine loads the shared model on first use.
	Engine stt.Engine

	// Workers is the intake worker pool size. Default 2. All workers share
	// the single model under serialization; extra workers only overlap
	// bookkeeping.
	Workers int

	// LoadRetries bounds model-load attempts before the failure escalates
	// to the lifecycle manager. Default 3.
	LoadRetries int

	// LoadBackoff is the initial delay between load attempts. Default 2s.
	LoadBackoff time.Duration

	// Metrics receives service instrumentation. Nil uses the process default.
	Metrics *observe.Metrics
}

type submission struct {
	ctx context.Context
	req Request
	out chan stt.Result
}

// Service owns the shared model and the worker pool. All exported methods
// are safe for concurrent use.
type Service struct {
	engine      stt.Engine
	workers     int
	loadRetries int
	loadBackoff time.Duration
	metrics     *observe.Metrics

	inflight atomic.Bool

	startOnce   sync.Once
	submissions chan submission
	done        chan struct{}
	wg          sync.WaitGroup

	// model state: loaded lazily, guarded by loadMu; transcription calls
	// additionally serialize on modelMu because the model is not re-entrant.
	loadMu  sync.Mutex
	model   stt.Model
	loadErr error
	modelMu sync.Mutex

	fatalOnce sync.Once
	fatal     chan error

	closeOnce sync.Once
}

// New creates a Service. No resources are acquired until the first Submit.
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, errors.New("transcribe: engine must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.LoadRetries <= 0 {
		cfg.LoadRetries = 3
	}
	if cfg.LoadBackoff <= 0 {
		cfg.LoadBackoff = 2 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Service{
		engine:      cfg.Engine,
		workers:     cfg.Workers,
		loadRetries: cfg.LoadRetries,
		loadBackoff: cfg.LoadBackoff,
		metrics:     cfg.Metrics,
		submissions: make(chan submission),
		done:        make(chan struct{}),
		fatal:       make(chan error, 1),
	}, nil
}

// Fatal returns a channel that receives at most one unrecoverable service
// error (model load failure after bounded retries). The lifecycle manager
// escalates it to pipeline shutdown, since transcription is core
// functionality.
func (s *Service) Fatal() <-chan error { return s.fatal }

// Submit accepts one transcription request and returns a single-result
// channel that always resolves within req.MaxDuration (plus scheduling
// slack): Success, Timeout, or Failure. A second Submit while a request is
// outstanding returns ErrBusy immediately.
func (s *Service) Submit(ctx context.Context, req Request) (<-chan stt.Result, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if !s.inflight.CompareAndSwap(false, true) {
		s.metrics.TranscriptionOutcomes.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("outcome", string(stt.OutcomeBusy))))
		return nil, ErrBusy
	}

	s.startOnce.Do(s.startWorkers)

	out := make(chan stt.Result, 1)
	sub := submission{ctx: ctx, req: req, out: out}
	select {
	case s.submissions <- sub:
		return out, nil
	case <-s.done:
		s.inflight.Store(false)
		return nil, ErrClosed
	case <-ctx.Done():
		s.inflight.Store(false)
		return nil, ctx.Err()
	}
}

// startWorkers spawns the intake pool on first use.
func (s *Service) startWorkers() {
	slog.Info("transcription worker pool starting", "workers", s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// worker processes submissions until Close.
func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case sub := <-s.submissions:
			res := s.process(sub.ctx, sub.req)
			s.inflight.Store(false)
			sub.out <- res
		}
	}
}

// process resolves one request: ensure the model, run the serialized
// transcription under the request deadline, classify the outcome.
func (s *Service) process(ctx context.Context, req Request) stt.Result {
	started := time.Now()
	windowDur := windowDuration(req.Window)

	result := stt.Result{
		Language:          req.Trigger.Language,
		DurationProcessed: windowDur,
	}

	model, err := s.ensureModel(ctx)
	if err != nil {
		result.Outcome = stt.OutcomeFailure
		result.Err = err
		s.metrics.RecordOutcome(ctx, string(result.Outcome), time.Since(started).Seconds())
		return result
	}

	tctx := ctx
	var cancel context.CancelFunc
	if req.MaxDuration > 0 {
		tctx, cancel = context.WithTimeout(ctx, req.MaxDuration)
		defer cancel()
	}

	samples := audio.Float32Mono(audio.FlattenFrames(req.Window))

	// Single active model call, even with multiple worker slots. The winning
	// detector's language travels with the request so each utterance is
	// decoded in the language that woke the pipeline.
	s.modelMu.Lock()
	tr, err := model.Transcribe(tctx, samples, req.Trigger.Language)
	s.modelMu.Unlock()

	elapsed := time.Since(started)
	switch {
	case err == nil:
		result.Text = tr.Text
		result.Confidence = tr.Confidence
		if tr.Language != "" {
			result.Language = tr.Language
		}
		result.Outcome = stt.OutcomeSuccess
		slog.Info("transcription complete",
			"request", req.ID, "language", result.Language,
			"window", windowDur, "elapsed", elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		result.Outcome = stt.OutcomeTimeout
		result.Err = fmt.Errorf("transcribe: request %s exceeded %v: %w", req.ID, req.MaxDuration, err)
		slog.Warn("transcription timed out",
			"request", req.ID, "max_duration", req.MaxDuration)
	default:
		result.Outcome = stt.OutcomeFailure
		result.Err = fmt.Errorf("transcribe: request %s: %w", req.ID, err)
		slog.Error("transcription failed", "request", req.ID, "err", err)
	}

	s.metrics.RecordOutcome(ctx, string(result.Outcome), elapsed.Seconds())
	return result
}

// ensureModel loads the shared model on first use, with bounded retries.
// A final failure is reported once on the Fatal channel and returned to
// every subsequent caller.
func (s *Service) ensureModel(ctx context.Context) (stt.Model, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if s.model != nil {
		return s.model, nil
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	slog.Info("loading transcription model (first request)")
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Name:           "stt-model-load",
		MaxAttempts:    s.loadRetries,
		InitialBackoff: s.loadBackoff,
	}, func(ctx context.Context) error {
		m, lerr := s.engine.Load(ctx)
		if lerr != nil {
			return lerr
		}
		s.model = m
		return nil
	})
	if err != nil {
		s.loadErr = fmt.Errorf("transcribe: model load: %w", err)
		s.fatalOnce.Do(func() { s.fatal <- s.loadErr })
		return nil, s.loadErr
	}
	return s.model, nil
}

// Close stops the worker pool and releases the model if it was loaded.
// In-flight work is abandoned to its context; callers cancel via the
// submission context during shutdown.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.loadMu.Lock()
		defer s.loadMu.Unlock()
		if s.model != nil {
			s.modelMu.Lock()
			err = s.model.Close()
			s.modelMu.Unlock()
			s.model = nil
		}
	})
	return err
}

// windowDuration sums frame durations for telemetry and results.
func windowDuration(frames []audio.Frame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration()
	}
	return d
}
