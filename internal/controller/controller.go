// Package controller implements the top-level pipeline state machine. It owns
// the overall pipeline state, maintains the lookback ring from the audio
// frame bus, requests transcription for winning triggers, applies cooldowns,
// and surfaces pipeline events to the downstream consumer.
//
// Transitions:
//
//	Idle → Armed          on startup
//	Armed → Triggered     on receiving a trigger
//	Triggered → Transcribing  after the forward-capture period
//	Transcribing → Cooldown   on any transcription result
//	Cooldown → Armed      after the cooldown interval
//	any → ShuttingDown    on context cancellation, terminal
//
// Transcription failure and timeout are not fatal: the controller logs them,
// surfaces an error event, and takes the same Cooldown → Armed path so
// detection keeps working.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kawaz/voice-agent/internal/arbiter"
	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/internal/transcribe"
	"github.com/kawaz/voice-agent/pkg/audio"
	"github.com/kawaz/voice-agent/pkg/stt"
	"github.com/kawaz/voice-agent/pkg/wake"
)

// State is the controller's pipeline state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateTriggered
	StateTranscribing
	StateCooldown
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateTriggered:
		return "triggered"
	case StateTranscribing:
		return "transcribing"
	case StateCooldown:
		return "cooldown"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// EventKind classifies pipeline events.
type EventKind string

const (
	// EventTranscription carries a resolved transcription result, including
	// timeout and failure outcomes.
	EventTranscription EventKind = "transcription"

	// EventTriggerIgnored reports a trigger observed outside the Armed state.
	EventTriggerIgnored EventKind = "trigger_ignored"

	// EventDetectionDiscarded reports a detection that lost arbitration or a
	// window winner dropped at a closed gate. Injected by the arbitrator via
	// Report.
	EventDetectionDiscarded EventKind = "detection_discarded"

	// EventDetectorDegraded reports a detector instance excluded from the
	// fan-out. Injected by the lifecycle manager via Report.
	EventDetectorDegraded EventKind = "detector_degraded"

	// EventModelLoadFailed reports a fatal transcription model load failure.
	// Injected by the lifecycle manager via Report.
	EventModelLoadFailed EventKind = "model_load_failed"
)

// Event is one pipeline occurrence surfaced to the downstream consumer.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Trigger   arbiter.Trigger // set for transcription and ignored-trigger events
	Detection wake.Detection  // set for discarded-detection events
	Reason    string          // set for discarded-detection events
	Result    *stt.Result     // set for transcription events
	Err       error
}

// Transcriber is the controller's view of the transcription service.
type Transcriber interface {
	Submit(ctx context.Context, req transcribe.Request) (<-chan stt.Result, error)
}

// Config holds controller parameters.
type Config struct {
	// Transcriber resolves transcription requests. Required.
	Transcriber Transcriber

	// Lookback is how much audio before the trigger timestamp to include in
	// the transcription window. Default 2s.
	Lookback time.Duration

	// Forward is how long to keep capturing after the trigger before
	// submitting, so the utterance tail is included. Default 3s.
	Forward time.Duration

	// Cooldown is the mandatory quiet period after a transcription result
	// before re-arming, preventing re-triggering on trailing audio. Default 2s.
	Cooldown time.Duration

	// MaxDuration bounds each transcription request. Default 10s.
	MaxDuration time.Duration

	// FrameInterval sizes the lookback ring. Default 32ms.
	FrameInterval time.Duration

	// Metrics receives controller instrumentation. Nil uses the process
	// default.
	Metrics *observe.Metrics
}

// Controller drives the pipeline state machine. Run must be called exactly
// once; Armed, State and Report are safe to call concurrently with Run.
type Controller struct {
	transcriber   Transcriber
	lookback      time.Duration
	forward       time.Duration
	cooldown      time.Duration
	maxDuration   time.Duration
	frameInterval time.Duration
	metrics       *observe.Metrics

	ring   *audio.Ring
	events chan Event

	mu    sync.RWMutex
	state State
}

var _ arbiter.Gate = (*Controller)(nil)

// New creates a Controller in the Idle state. Zero-value durations get
// defaults.
func New(cfg Config) *Controller {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * time.Second
	}
	if cfg.Forward <= 0 {
		cfg.Forward = 3 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 10 * time.Second
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 32 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	// Ring must hold the lookback span plus the forward-capture span, with a
	// little slack for timer jitter.
	depth := int((cfg.Lookback+cfg.Forward)/cfg.FrameInterval) + 8

	return &Controller{
		transcriber:   cfg.Transcriber,
		lookback:      cfg.Lookback,
		forward:       cfg.Forward,
		cooldown:      cfg.Cooldown,
		maxDuration:   cfg.MaxDuration,
		frameInterval: cfg.FrameInterval,
		metrics:       cfg.Metrics,
		ring:          audio.NewRing(depth),
		events:        make(chan Event, 16),
		state:         StateIdle,
	}
}

// Events returns the pipeline event stream. Events are dropped, with a
// warning, if the consumer falls behind.
func (c *Controller) Events() <-chan Event { return c.events }

// State returns the current pipeline state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Armed reports whether the controller accepts triggers. Consulted by the
// arbitrator at debounce-window close.
func (c *Controller) Armed() bool { return c.State() == StateArmed }

// Report injects an externally observed event (discarded detection, detector
// degradation, model load failure) into the pipeline event stream.
func (c *Controller) Report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.publish(ev)
}

func (c *Controller) setState(ctx context.Context, next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		slog.Info("pipeline state change", "from", prev.String(), "to", next.String())
		c.metrics.PipelineState.Record(ctx, int64(next))
	}
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("event consumer lagging, event dropped", "kind", ev.Kind)
	}
}

// Run drives the state machine until ctx is cancelled: frames feed the
// lookback ring continuously, triggers start the capture-transcribe-cooldown
// cycle. Run closes the event stream on return.
func (c *Controller) Run(ctx context.Context, frames <-chan audio.Frame, triggers <-chan arbiter.Trigger) {
	defer close(c.events)
	defer c.setState(context.WithoutCancel(ctx), StateShuttingDown)

	c.setState(ctx, StateArmed)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.ring.Push(f)
		case t, ok := <-triggers:
			if !ok {
				return
			}
			if !c.handleTrigger(ctx, frames, t) {
				return
			}
		}
	}
}

// handleTrigger runs one Triggered → Transcribing → Cooldown → Armed cycle.
// Returns false when shutdown interrupted the cycle.
func (c *Controller) handleTrigger(ctx context.Context, frames <-chan audio.Frame, t arbiter.Trigger) bool {
	if st := c.State(); st != StateArmed {
		// The arbitrator's gate check makes this rare but not impossible
		// (the state can change between window close and channel receive).
		slog.Warn("trigger ignored outside armed state",
			"state", st.String(), "language", t.Language, "phrase", t.Phrase)
		c.metrics.RecordDiscarded(ctx, t.Language, "not_armed")
		c.publish(Event{Kind: EventTriggerIgnored, Time: time.Now(), Trigger: t})
		return true
	}

	// A trigger can sit buffered behind a full cycle; once it is older than
	// the window it would anchor, the ring no longer holds its audio.
	if age := time.Since(t.Timestamp); age > c.lookback+c.forward {
		slog.Warn("stale trigger discarded",
			"age", age, "language", t.Language, "phrase", t.Phrase)
		c.metrics.RecordDiscarded(ctx, t.Language, "stale")
		c.publish(Event{Kind: EventTriggerIgnored, Time: time.Now(), Trigger: t})
		return true
	}

	c.setState(ctx, StateTriggered)
	slog.Info("trigger accepted",
		"language", t.Language, "phrase", t.Phrase, "score", t.Score)

	// Forward capture: keep filling the ring until the utterance tail has
	// been recorded.
	if !c.fill(ctx, frames, c.forward) {
		return false
	}

	window := c.ring.Window(t.Timestamp, c.lookback, c.forward)
	c.setState(ctx, StateTranscribing)

	req := transcribe.NewRequest(t, window, c.maxDuration)
	resCh, err := c.transcriber.Submit(ctx, req)
	if err != nil {
		slog.Error("transcription submit rejected", "request", req.ID, "err", err)
		c.publish(Event{Kind: EventTranscription, Time: time.Now(), Trigger: t, Err: err})
		return c.coolDown(ctx, frames)
	}

	// The service guarantees exactly one result within MaxDuration plus
	// scheduling slack, so this wait is bounded. The ring keeps filling so
	// the next cycle has fresh lookback audio.
	var res stt.Result
	for resCh != nil {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-frames:
			if !ok {
				return false
			}
			c.ring.Push(f)
		case res = <-resCh:
			resCh = nil
		}
	}

	c.publish(Event{Kind: EventTranscription, Time: time.Now(), Trigger: t, Result: &res, Err: res.Err})
	return c.coolDown(ctx, frames)
}

// coolDown holds the quiet period, then re-arms.
func (c *Controller) coolDown(ctx context.Context, frames <-chan audio.Frame) bool {
	c.setState(ctx, StateCooldown)
	if !c.fill(ctx, frames, c.cooldown) {
		return false
	}
	c.setState(ctx, StateArmed)
	return true
}

// fill drains frames into the ring for d; returns false on shutdown or
// frame-channel close.
func (c *Controller) fill(ctx context.Context, frames <-chan audio.Frame, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case f, ok := <-frames:
			if !ok {
				return false
			}
			c.ring.Push(f)
		}
	}
}
