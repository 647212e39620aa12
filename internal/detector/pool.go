// Package detector implements the detector pool: one wake-phrase detector
// instance per configured language, fed every audio frame in order, with
// per-instance error isolation and degradation.
//
// A single engine instance supports exactly one acoustic/language model, so
// multi-language detection is N independent instances run side by side. The
// pool iterates them sequentially per frame — per-frame cost is small
// relative to the frame interval — which also guarantees per-detector frame
// ordering by construction.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/pkg/audio"
	"github.com/kawaz/voice-agent/pkg/wake"
)

// degradedThreshold is the number of consecutive processing errors after
// which an instance is excluded from the fan-out until restarted.
const degradedThreshold = 3

// InitPolicy decides what happens when one language's detector fails to
// initialise.
type InitPolicy string

const (
	// InitPolicyDegrade skips the failed language and continues with the
	// remaining instances (degraded-but-running).
	InitPolicyDegrade InitPolicy = "degrade"

	// InitPolicyAbort refuses to start the pool if any detector fails to
	// initialise.
	InitPolicyAbort InitPolicy = "abort"
)

// IsValid reports whether p is a recognised init policy.
func (p InitPolicy) IsValid() bool {
	return p == InitPolicyDegrade || p == InitPolicyAbort
}

// DegradedEvent notifies the lifecycle manager that an instance was excluded
// from the fan-out and needs a restart.
type DegradedEvent struct {
	DetectorID string
	Language   string
	Err        error
}

// Config holds pool construction parameters.
type Config struct {
	// Engine creates detector instances; also used for restarts.
	Engine wake.Engine

	// Detectors lists one configuration per language instance, in order.
	Detectors []wake.Config

	// InitPolicy decides whether a per-language init failure aborts
	// construction or degrades to fewer languages. Default: degrade.
	InitPolicy InitPolicy

	// Metrics receives pool instrumentation. Nil uses the process default.
	Metrics *observe.Metrics
}

// instance pairs one detector with its error-tracking state. All fields
// besides the immutable id/cfg are guarded by the pool mutex.
type instance struct {
	id  string
	cfg wake.Config

	det             wake.Detector
	consecutiveErrs int
	lastSequence    uint64
	degraded        bool
}

// Pool owns the detector instances and normalizes their output into
// wake.Detection events. Run must be called exactly once; Restart and Close
// may be called from other goroutines.
type Pool struct {
	engine  wake.Engine
	metrics *observe.Metrics

	mu        sync.Mutex
	instances []*instance

	detections chan wake.Detection
	degraded   chan DegradedEvent
}

// NewPool creates the per-language instances from cfg.Detectors. Under
// InitPolicyAbort any init failure tears down the already-created instances
// and fails construction; under InitPolicyDegrade failed languages are
// logged and skipped. Constructing a pool with zero healthy instances is an
// error under either policy.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Engine == nil {
		return nil, errors.New("detector: engine must not be nil")
	}
	if cfg.InitPolicy == "" {
		cfg.InitPolicy = InitPolicyDegrade
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	p := &Pool{
		engine:     cfg.Engine,
		metrics:    cfg.Metrics,
		detections: make(chan wake.Detection, 64),
		degraded:   make(chan DegradedEvent, 8),
	}

	for i, dc := range cfg.Detectors {
		det, err := cfg.Engine.NewDetector(dc)
		if err != nil {
			if cfg.InitPolicy == InitPolicyAbort {
				p.closeInstancesLocked()
				return nil, fmt.Errorf("detector: init %q (language %q): %w", dc.Phrase, dc.Language, err)
			}
			slog.Warn("detector init failed, continuing without this language",
				"language", dc.Language, "phrase", dc.Phrase, "err", err)
			continue
		}
		p.instances = append(p.instances, &instance{
			id:  fmt.Sprintf("%s-%d-%s", dc.Language, i, dc.Phrase),
			cfg: dc,
			det: det,
		})
		slog.Info("detector initialised",
			"language", dc.Language, "phrase", dc.Phrase, "sensitivity", dc.Sensitivity)
	}

	if len(p.instances) == 0 {
		return nil, errors.New("detector: no detector instance could be initialised")
	}
	return p, nil
}

// Detections returns the normalized detection event stream consumed by the
// arbitrator. Closed when Run returns.
func (p *Pool) Detections() <-chan wake.Detection { return p.detections }

// Degraded returns the degradation notification stream consumed by the
// lifecycle manager.
func (p *Pool) Degraded() <-chan DegradedEvent { return p.degraded }

// Run consumes frames until the channel closes or ctx is cancelled, feeding
// each frame to every healthy instance in order.
func (p *Pool) Run(ctx context.Context, frames <-chan audio.Frame) {
	defer close(p.detections)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.processFrame(ctx, frame)
		}
	}
}

// processFrame feeds one frame through every active instance sequentially.
// A failing instance never stalls the others.
func (p *Pool) processFrame(ctx context.Context, frame audio.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.degraded {
			continue
		}
		// Ordering guard: a frame with an already-seen sequence has no
		// effect, so replays are never double-counted.
		if frame.Sequence <= inst.lastSequence {
			continue
		}
		inst.lastSequence = frame.Sequence

		score, detected, err := inst.det.Process(frame.Samples)
		if err != nil {
			p.recordError(ctx, inst, err)
			continue
		}
		inst.consecutiveErrs = 0

		// Inclusive threshold: a score equal to the sensitivity counts.
		if !detected || score < inst.cfg.Sensitivity {
			continue
		}

		ev := wake.Detection{
			DetectorID:    inst.id,
			Language:      inst.cfg.Language,
			Phrase:        inst.cfg.Phrase,
			Score:         score,
			FrameSequence: frame.Sequence,
			Timestamp:     frame.Timestamp,
		}
		p.metrics.RecordDetection(ctx, ev.Language, ev.Phrase)
		select {
		case p.detections <- ev:
		default:
			slog.Warn("detection channel full, event dropped",
				"detector", inst.id, "sequence", frame.Sequence)
		}
	}
}

// recordError handles a per-frame processing error: log, count, and degrade
// the instance when the consecutive threshold is reached. Caller holds p.mu.
func (p *Pool) recordError(ctx context.Context, inst *instance, err error) {
	inst.consecutiveErrs++
	p.metrics.DetectorErrors.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("detector", inst.id)))
	slog.Warn("detector frame processing error",
		"detector", inst.id, "consecutive", inst.consecutiveErrs, "err", err)

	if inst.consecutiveErrs < degradedThreshold {
		return
	}

	inst.degraded = true
	p.metrics.DegradedDetectors.Add(ctx, 1)
	slog.Error("detector degraded, excluded from fan-out until restart",
		"detector", inst.id, "language", inst.cfg.Language)
	select {
	case p.degraded <- DegradedEvent{DetectorID: inst.id, Language: inst.cfg.Language, Err: err}:
	default:
	}
}

// Restart re-creates a degraded instance from its original configuration and
// returns it to the fan-out. Restarting a healthy instance is allowed and
// simply replaces it.
func (p *Pool) Restart(detectorID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range p.instances {
		if inst.id != detectorID {
			continue
		}
		det, err := p.engine.NewDetector(inst.cfg)
		if err != nil {
			return fmt.Errorf("detector: restart %q: %w", detectorID, err)
		}
		if cerr := inst.det.Close(); cerr != nil {
			slog.Warn("closing replaced detector failed", "detector", detectorID, "err", cerr)
		}
		wasDegraded := inst.degraded
		inst.det = det
		inst.consecutiveErrs = 0
		inst.degraded = false
		if wasDegraded {
			p.metrics.DegradedDetectors.Add(context.Background(), -1)
		}
		slog.Info("detector restarted", "detector", detectorID)
		return nil
	}
	return fmt.Errorf("detector: unknown detector %q", detectorID)
}

// Languages returns the languages of all constructed instances, in order.
func (p *Pool) Languages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, inst.cfg.Language)
	}
	return out
}

// DegradedCount returns the number of currently degraded instances.
func (p *Pool) DegradedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if inst.degraded {
			n++
		}
	}
	return n
}

// Close releases every detector instance. Safe to call after Run returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeInstancesLocked()
}

// closeInstancesLocked closes all instances, joining errors. Caller holds
// p.mu (or owns the pool exclusively during construction).
func (p *Pool) closeInstancesLocked() error {
	var errs []error
	for _, inst := range p.instances {
		if err := inst.det.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", inst.id, err))
		}
	}
	p.instances = nil
	return errors.Join(errs...)
}
