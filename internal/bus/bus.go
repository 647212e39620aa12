// Package bus implements the audio frame bus: the single ingestion point for
// fixed-length PCM frames from the capture collaborator, fanned out to every
// registered subscriber without blocking capture.
//
// Guarantees:
//
//   - Frames are delivered to all subscribers in strict arrival order; the
//     bus never reorders.
//   - Every published frame is stamped with a monotonic sequence number
//     usable for debounce-window calculations.
//   - Under subscriber overload the bus blocks capture for at most one frame
//     interval, then drops that subscriber's oldest unconsumed frame and
//     increments a dropped-frame counter. Capture never deadlocks.
//
// The bus is single-writer (the capture goroutine calls Publish) and
// multi-reader; subscribers receive immutable frame views.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kawaz/voice-agent/internal/observe"
	"github.com/kawaz/voice-agent/pkg/audio"
)

// Config holds bus parameters.
type Config struct {
	// SampleRate of published frames, in Hz.
	SampleRate int

	// FrameInterval is the wall-clock duration of one frame; Publish blocks
	// a congested subscriber at most this long before dropping. Default 32ms
	// (512 samples at 16 kHz).
	FrameInterval time.Duration

	// Metrics receives bus instrumentation. Nil uses the process default.
	Metrics *observe.Metrics
}

// Bus fans audio frames out to subscribers. All exported methods are safe
// for concurrent use, though Publish is intended to be called from a single
// capture goroutine.
type Bus struct {
	sampleRate    int
	frameInterval time.Duration
	metrics       *observe.Metrics

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Subscription is one subscriber's view of the bus: a bounded, in-order
// frame channel plus a per-subscriber drop counter.
type Subscription struct {
	name    string
	ch      chan audio.Frame
	dropped atomic.Uint64
}

// Frames returns the subscriber's frame channel. It is closed when the bus
// shuts down or the subscription is cancelled.
func (s *Subscription) Frames() <-chan audio.Frame { return s.ch }

// Name returns the subscriber label used in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many frames were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// New creates a Bus. Zero-value config fields get defaults.
func New(cfg Config) *Bus {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 32 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Bus{
		sampleRate:    cfg.SampleRate,
		frameInterval: cfg.FrameInterval,
		metrics:       cfg.Metrics,
	}
}

// Subscribe registers a named subscriber with a channel of the given depth.
// The depth bounds how far the subscriber may lag before frames are dropped.
func (b *Bus) Subscribe(name string, depth int) *Subscription {
	if depth <= 0 {
		depth = 64
	}
	s := &Subscription{name: name, ch: make(chan audio.Frame, depth)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes s and closes its channel. Frames published after
// Unsubscribe returns are not delivered to s.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish stamps the samples with the next sequence number and delivers the
// frame to every subscriber in registration order. Implements the capture
// collaborator's publisher contract.
func (b *Bus) Publish(samples []int16, ts time.Time) {
	frame := audio.Frame{
		Sequence:   b.seq.Add(1),
		Timestamp:  ts,
		Samples:    samples,
		SampleRate: b.sampleRate,
	}

	// Hold the read lock through delivery so Close cannot close a channel
	// mid-send. Delivery is bounded by one frame interval per subscriber, so
	// Close blocks at most briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.metrics.FramesPublished.Add(context.Background(), 1)

	for _, s := range b.subs {
		b.deliver(s, frame)
	}
}

// deliver sends the frame to one subscriber, applying the backpressure
// policy: block at most one frame interval, then evict the subscriber's
// oldest buffered frame to make room.
func (b *Bus) deliver(s *Subscription, frame audio.Frame) {
	select {
	case s.ch <- frame:
		return
	default:
	}

	// Subscriber is lagging: wait up to one frame interval for it to catch up.
	t := time.NewTimer(b.frameInterval)
	defer t.Stop()
	select {
	case s.ch <- frame:
		return
	case <-t.C:
	}

	// Still congested: drop the oldest unconsumed frame, then retry once.
	select {
	case old := <-s.ch:
		b.countDrop(s, old.Sequence)
	default:
	}
	select {
	case s.ch <- frame:
	default:
		// A consumer raced us back to full; drop the new frame instead.
		b.countDrop(s, frame.Sequence)
	}
}

func (b *Bus) countDrop(s *Subscription, seq uint64) {
	s.dropped.Add(1)
	total := b.dropped.Add(1)
	b.metrics.FramesDropped.Add(context.Background(), 1,
		metric.WithAttributes(observe.Attr("subscriber", s.name)))
	if total%100 == 1 {
		slog.Warn("frame bus dropping under backpressure",
			"subscriber", s.name, "sequence", seq, "total_dropped", total)
	}
}

// Sequence returns the sequence number of the most recently published frame.
func (b *Bus) Sequence() uint64 { return b.seq.Load() }

// Dropped returns the total number of frames dropped across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SampleRate returns the configured frame sample rate.
func (b *Bus) SampleRate() int { return b.sampleRate }

// Close closes every subscriber channel and rejects further publishes.
// Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
