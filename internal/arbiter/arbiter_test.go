package arbiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kawaz/voice-agent/pkg/wake"
)

// openGate reports a fixed armed state.
type openGate struct{ armed atomic.Bool }

func (g *openGate) Armed() bool { return g.armed.Load() }

func detection(id, lang string, score float64, seq uint64, ts time.Time) wake.Detection {
	return wake.Detection{
		DetectorID:    id,
		Language:      lang,
		Phrase:        "hey-agent",
		Score:         score,
		FrameSequence: seq,
		Timestamp:     ts,
	}
}

// startArbiter runs a and returns the detection feed plus a cleanup func.
func startArbiter(a *Arbitrator) (chan<- wake.Detection, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	detections := make(chan wake.Detection)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx, detections)
	}()
	return detections, func() {
		cancel()
		<-done
	}
}

func TestArbitrator_SingleTriggerPerWindow(t *testing.T) {
	gate := &openGate{}
	gate.armed.Store(true)
	a := New(Config{Window: 50 * time.Millisecond, Gate: gate})
	detections, stop := startArbiter(a)
	defer stop()

	base := time.Now()
	// Two languages fire on the same utterance; exactly one trigger comes out.
	detections <- detection("ja-0-hey", "ja", 0.9, 10, base)
	detections <- detection("en-1-hey", "en", 0.6, 10, base.Add(5*time.Millisecond))

	select {
	case trig := <-a.Triggers():
		if trig.Language != "ja" {
			t.Fatalf("winner Language = %q, want ja (higher score)", trig.Language)
		}
		if trig.Score != 0.9 {
			t.Errorf("winner Score = %v, want 0.9", trig.Score)
		}
	case <-time.After(time.Second):
		t.Fatal("no trigger emitted")
	}

	// No second trigger from the same window.
	select {
	case trig := <-a.Triggers():
		t.Fatalf("unexpected second trigger: %+v", trig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestArbitrator_TieBreakByTimestampThenID(t *testing.T) {
	tests := []struct {
		name   string
		first  wake.Detection
		second wake.Detection
		wantID string
	}{
		{
			name:   "earlier timestamp wins on equal score",
			first:  detection("en-1-hey", "en", 0.7, 10, time.Unix(100, 500)),
			second: detection("ja-0-hey", "ja", 0.7, 10, time.Unix(100, 0)),
			wantID: "ja",
		},
		{
			name:   "lexicographic detector id wins on full tie",
			first:  detection("ja-1-hey", "ja", 0.7, 10, time.Unix(100, 0)),
			second: detection("en-0-hey", "en", 0.7, 11, time.Unix(100, 0)),
			wantID: "en",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &openGate{}
			gate.armed.Store(true)
			a := New(Config{Window: 50 * time.Millisecond, Gate: gate})
			detections, stop := startArbiter(a)
			defer stop()

			detections <- tt.first
			detections <- tt.second

			select {
			case trig := <-a.Triggers():
				if trig.Language != tt.wantID {
					t.Fatalf("winner Language = %q, want %q", trig.Language, tt.wantID)
				}
			case <-time.After(time.Second):
				t.Fatal("no trigger emitted")
			}
		})
	}
}

func TestArbitrator_GateClosedDropsWinner(t *testing.T) {
	gate := &openGate{} // not armed
	a := New(Config{Window: 20 * time.Millisecond, Gate: gate})
	detections, stop := startArbiter(a)
	defer stop()

	detections <- detection("ja-0-hey", "ja", 0.9, 10, time.Now())

	select {
	case trig := <-a.Triggers():
		t.Fatalf("trigger emitted through a closed gate: %+v", trig)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestArbitrator_ReportsLosersToDiscardCallback(t *testing.T) {
	gate := &openGate{}
	gate.armed.Store(true)

	type discarded struct {
		d      wake.Detection
		reason string
	}
	got := make(chan discarded, 4)
	a := New(Config{
		Window: 30 * time.Millisecond,
		Gate:   gate,
		OnDiscard: func(d wake.Detection, reason string) {
			got <- discarded{d: d, reason: reason}
		},
	})
	detections, stop := startArbiter(a)
	defer stop()

	base := time.Now()
	detections <- detection("ja-0-hey", "ja", 0.9, 10, base)
	detections <- detection("en-1-hey", "en", 0.6, 10, base.Add(5*time.Millisecond))

	if trig := <-a.Triggers(); trig.Language != "ja" {
		t.Fatalf("winner Language = %q, want ja", trig.Language)
	}
	select {
	case disc := <-got:
		if disc.d.Language != "en" || disc.d.Score != 0.6 {
			t.Errorf("discarded detection = %+v, want the losing en event", disc.d)
		}
		if disc.reason != "lost_arbitration" {
			t.Errorf("discard reason = %q, want lost_arbitration", disc.reason)
		}
	case <-time.After(time.Second):
		t.Fatal("losing detection never reached the discard callback")
	}
}

func TestArbitrator_ReportsGateClosedWinnerToDiscardCallback(t *testing.T) {
	gate := &openGate{} // not armed
	got := make(chan string, 1)
	a := New(Config{
		Window:    20 * time.Millisecond,
		Gate:      gate,
		OnDiscard: func(_ wake.Detection, reason string) { got <- reason },
	})
	detections, stop := startArbiter(a)
	defer stop()

	detections <- detection("ja-0-hey", "ja", 0.9, 10, time.Now())

	select {
	case reason := <-got:
		if reason != "not_armed" {
			t.Errorf("discard reason = %q, want not_armed", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("gate-closed winner never reached the discard callback")
	}
}

func TestArbitrator_SequentialWindows(t *testing.T) {
	gate := &openGate{}
	gate.armed.Store(true)
	a := New(Config{Window: 20 * time.Millisecond, Gate: gate})
	detections, stop := startArbiter(a)
	defer stop()

	detections <- detection("ja-0-hey", "ja", 0.8, 10, time.Now())
	first := <-a.Triggers()
	if first.Language != "ja" {
		t.Fatalf("first winner = %q, want ja", first.Language)
	}

	// A later detection opens a fresh window and wins it.
	detections <- detection("en-1-hey", "en", 0.6, 20, time.Now())
	select {
	case second := <-a.Triggers():
		if second.Language != "en" {
			t.Fatalf("second winner = %q, want en", second.Language)
		}
	case <-time.After(time.Second):
		t.Fatal("no trigger from the second window")
	}
}

func TestArbitrator_StaleSequenceIgnored(t *testing.T) {
	gate := &openGate{}
	gate.armed.Store(true)
	a := New(Config{Window: 30 * time.Millisecond, Gate: gate})
	detections, stop := startArbiter(a)
	defer stop()

	base := time.Now()
	detections <- detection("ja-0-hey", "ja", 0.5, 10, base)
	// Replay of the same frame with a higher score must not steal the win.
	detections <- detection("ja-0-hey", "ja", 0.99, 10, base)

	select {
	case trig := <-a.Triggers():
		if trig.Score != 0.5 {
			t.Fatalf("winner Score = %v, want 0.5 (replayed event admitted)", trig.Score)
		}
	case <-time.After(time.Second):
		t.Fatal("no trigger emitted")
	}
}

func TestArbitrator_NilGateIsOpen(t *testing.T) {
	a := New(Config{Window: 20 * time.Millisecond})
	detections, stop := startArbiter(a)
	defer stop()

	detections <- detection("ja-0-hey", "ja", 0.8, 10, time.Now())
	select {
	case <-a.Triggers():
	case <-time.After(time.Second):
		t.Fatal("no trigger with nil gate")
	}
}
