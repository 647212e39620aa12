package audio

import (
	"testing"
	"time"
)

// frameAt builds a 512-sample frame with the given sequence and timestamp.
func frameAt(seq uint64, ts time.Time) Frame {
	return Frame{
		Sequence:   seq,
		Timestamp:  ts,
		Samples:    make([]int16, 512),
		SampleRate: 16000,
	}
}

func TestRing_SnapshotChronological(t *testing.T) {
	r := NewRing(4)
	base := time.Now()
	for i := 0; i < 3; i++ {
		r.Push(frameAt(uint64(i+1), base.Add(time.Duration(i)*32*time.Millisecond)))
	}

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", len(got))
	}
	for i, f := range got {
		if f.Sequence != uint64(i+1) {
			t.Errorf("Snapshot()[%d].Sequence = %d, want %d", i, f.Sequence, i+1)
		}
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Push(frameAt(uint64(i+1), base.Add(time.Duration(i)*32*time.Millisecond)))
	}

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	got := r.Snapshot()
	want := []uint64{3, 4, 5}
	for i, f := range got {
		if f.Sequence != want[i] {
			t.Errorf("Snapshot()[%d].Sequence = %d, want %d", i, f.Sequence, want[i])
		}
	}
}

func TestRing_WindowBounds(t *testing.T) {
	r := NewRing(100)
	base := time.Now()
	// Frames every 32ms over ~3.2s.
	for i := 0; i < 100; i++ {
		r.Push(frameAt(uint64(i+1), base.Add(time.Duration(i)*32*time.Millisecond)))
	}

	// Anchor at 1.6s, lookback 500ms, forward 500ms → frames in
	// [1.1s, 2.1s].
	anchor := base.Add(1600 * time.Millisecond)
	got := r.Window(anchor, 500*time.Millisecond, 500*time.Millisecond)
	if len(got) == 0 {
		t.Fatal("Window() returned no frames")
	}

	lo := anchor.Add(-500 * time.Millisecond)
	hi := anchor.Add(500 * time.Millisecond)
	for i, f := range got {
		if f.Timestamp.Before(lo) || f.Timestamp.After(hi) {
			t.Errorf("Window()[%d].Timestamp = %v outside [%v, %v]", i, f.Timestamp, lo, hi)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence != got[i-1].Sequence+1 {
			t.Errorf("Window() not contiguous at %d: %d then %d", i, got[i-1].Sequence, got[i].Sequence)
		}
	}
}

func TestRing_WindowEmptyOutsideRange(t *testing.T) {
	r := NewRing(8)
	base := time.Now()
	r.Push(frameAt(1, base))

	got := r.Window(base.Add(time.Hour), time.Second, time.Second)
	if len(got) != 0 {
		t.Fatalf("Window() far outside range = %d frames, want 0", len(got))
	}
}

func TestFrame_Duration(t *testing.T) {
	f := frameAt(1, time.Now())
	if got, want := f.Duration(), 32*time.Millisecond; got != want {
		t.Errorf("Duration() = %v, want %v", got, want)
	}
}
