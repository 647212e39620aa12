// Package arbiter converts bursts of wake-phrase detections into at most one
// authoritative trigger per debounce window.
//
// The arbitrator is a small timer-driven state machine, Idle ↔ Collecting:
// the first detection opens a window [t, t+D]; every detection arriving
// inside the window is collected; at window close the highest-scoring event
// wins (ties broken by earliest timestamp, then lexicographically by
// detector ID, so arbitration is fully deterministic). Non-winning events
// are discarded with a logged rationale.
//
// If the controller is not armed when the window closes, the winner is
// dropped and logged rather than queued — an explicit product decision
// favouring simplicity over queuing.
package arbiter

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/pkg/wake"
)

// Trigger is the single winning event of a debounce window. At most one
// Trigger may be active in the controller at a time.
type Trigger struct {
	Language  string
	Phrase    string
	Score     float64
	Timestamp time.Time
}

// Gate reports whether the controller currently accepts triggers. Checked at
// window close; a closed gate drops the winner.
type Gate interface {
	Armed() bool
}

// Config holds arbitrator parameters.
type Config struct {
	// Window is the debounce window duration D. Default 500ms.
	Window time.Duration

	// Gate is consulted at window close. A nil gate is always open.
	Gate Gate

	// OnDiscard is invoked for every detection discarded during arbitration
	// (a non-winning event, or the winner at a closed gate) so the downstream
	// consumer sees them too. May be nil.
	OnDiscard func(d wake.Detection, reason string)

	// Metrics receives arbitration instrumentation. Nil uses the process
	// default.
	Metrics *observe.Metrics
}

// Arbitrator consumes detection events and emits triggers. Run must be
// called exactly once.
type Arbitrator struct {
	window    time.Duration
	gate      Gate
	onDiscard func(d wake.Detection, reason string)
	metrics   *observe.Metrics

	triggers chan Trigger

	// collecting state, owned by the Run goroutine
	collected []wake.Detection
	lastSeq   map[string]uint64 // per-detector ordering guard
}

// New creates an Arbitrator. Zero-value config fields get defaults.
func New(cfg Config) *Arbitrator {
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Arbitrator{
		window:    cfg.Window,
		gate:      cfg.Gate,
		onDiscard: cfg.OnDiscard,
		metrics:   cfg.Metrics,
		triggers:  make(chan Trigger, 4),
		lastSeq:   make(map[string]uint64),
	}
}

// Triggers returns the authoritative trigger stream consumed by the
// controller. Closed when Run returns.
func (a *Arbitrator) Triggers() <-chan Trigger { return a.triggers }

// Run consumes detections until the channel closes or ctx is cancelled.
// Window close is timer-driven, independent of audio arrival.
func (a *Arbitrator) Run(ctx context.Context, detections <-chan wake.Detection) {
	defer close(a.triggers)

	var (
		timer  *time.Timer
		timerC <-chan time.Time // nil while Idle
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-detections:
			if !ok {
				return
			}
			if !a.admit(d) {
				continue
			}
			a.collected = append(a.collected, d)
			if timerC == nil {
				// First event opens the window.
				timer = time.NewTimer(a.window)
				timerC = timer.C
				slog.Debug("debounce window opened",
					"language", d.Language, "score", d.Score, "window", a.window)
			}

		case <-timerC:
			stopTimer()
			a.closeWindow(ctx)
		}
	}
}

// admit applies the per-detector ordering guard: an event whose frame
// sequence does not advance past the last seen one for the same detector has
// no effect, so replays are never double-counted.
func (a *Arbitrator) admit(d wake.Detection) bool {
	if last, ok := a.lastSeq[d.DetectorID]; ok && d.FrameSequence <= last {
		slog.Debug("stale detection ignored",
			"detector", d.DetectorID, "sequence", d.FrameSequence, "last", last)
		return false
	}
	a.lastSeq[d.DetectorID] = d.FrameSequence
	return true
}

// closeWindow selects the winner among the collected events, discards the
// rest with a logged rationale, and emits the trigger if the gate is open.
func (a *Arbitrator) closeWindow(ctx context.Context) {
	events := a.collected
	a.collected = nil
	if len(events) == 0 {
		return
	}

	winnerIdx := 0
	for i, d := range events[1:] {
		if beats(d, events[winnerIdx]) {
			winnerIdx = i + 1
		}
	}
	winner := events[winnerIdx]

	for i, d := range events {
		if i == winnerIdx {
			continue
		}
		slog.Info("detection discarded by arbitration",
			"language", d.Language, "phrase", d.Phrase, "score", d.Score,
			"winner_language", winner.Language, "winner_score", winner.Score)
		a.discard(ctx, d, "lost_arbitration")
	}

	if a.gate != nil && !a.gate.Armed() {
		slog.Info("trigger dropped, controller not armed",
			"language", winner.Language, "phrase", winner.Phrase, "score", winner.Score)
		a.discard(ctx, winner, "not_armed")
		return
	}

	a.metrics.Triggers.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("language", winner.Language)))
	trig := Trigger{
		Language:  winner.Language,
		Phrase:    winner.Phrase,
		Score:     winner.Score,
		Timestamp: winner.Timestamp,
	}
	select {
	case a.triggers <- trig:
		slog.Info("trigger emitted",
			"language", trig.Language, "phrase", trig.Phrase, "score", trig.Score)
	default:
		slog.Warn("trigger channel full, trigger dropped", "language", trig.Language)
	}
}

// discard records one dropped detection in telemetry and forwards it to the
// discard callback for the consumer event stream.
func (a *Arbitrator) discard(ctx context.Context, d wake.Detection, reason string) {
	a.metrics.RecordDiscarded(ctx, d.Language, reason)
	if a.onDiscard != nil {
		a.onDiscard(d, reason)
	}
}

// beats reports whether candidate c should win over the current winner w:
// higher score, then earlier timestamp, then lexicographically smaller
// detector ID.
func beats(c, w wake.Detection) bool {
	if c.Score != w.Score {
		return c.Score > w.Score
	}
	if !c.Timestamp.Equal(w.Timestamp) {
		return c.Timestamp.Before(w.Timestamp)
	}
	return c.DetectorID < w.DetectorID
}
