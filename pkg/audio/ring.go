package audio

import (
	"sync"
	"time"
)

// Ring is a bounded circular buffer of Frames used as the transcription
// lookback window. Old frames are overwritten deterministically once capacity
// is reached — never duplicated, never silently retained.
//
// The ring is single-writer (the bus subscriber goroutine) and multi-reader:
// readers receive copied snapshots, never the live buffer.
type Ring struct {
	mu     sync.Mutex
	frames []Frame
	next   int // index of the next write position
	size   int // number of valid frames, ≤ cap(frames)
}

// NewRing creates a ring holding at most capacity frames. Capacity must be
// positive; a ring sized for a lookback duration d at frame length n and
// sample rate r needs d·r/n frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{frames: make([]Frame, capacity)}
}

// Push appends a frame, overwriting the oldest frame when full.
func (r *Ring) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames[r.next] = f
	r.next = (r.next + 1) % len(r.frames)
	if r.size < len(r.frames) {
		r.size++
	}
}

// Len returns the number of frames currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Snapshot returns all buffered frames in chronological order. The returned
// slice is a copy; mutating it does not affect the ring.
func (r *Ring) Snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Window returns the frames whose timestamps fall inside
// [anchor−lookback, anchor+forward], in chronological order. This is the
// audio window handed to the transcription service: lookback covers speech
// captured before the trigger fired, forward covers the utterance that
// follows it.
func (r *Ring) Window(anchor time.Time, lookback, forward time.Duration) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := anchor.Add(-lookback)
	end := anchor.Add(forward)

	all := r.snapshotLocked()
	out := make([]Frame, 0, len(all))
	for _, f := range all {
		if f.Timestamp.Before(start) || f.Timestamp.After(end) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// snapshotLocked copies the valid frames oldest-first. Caller holds r.mu.
func (r *Ring) snapshotLocked() []Frame {
	out := make([]Frame, r.size)
	if r.size < len(r.frames) {
		copy(out, r.frames[:r.size])
		return out
	}
	// Full ring: oldest frame sits at the next write position.
	n := copy(out, r.frames[r.next:])
	copy(out[n:], r.frames[:r.next])
	return out
}
