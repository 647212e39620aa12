package bus

import (
	"testing"
	"time"
)

func publishN(b *Bus, n int) {
	samples := make([]int16, 512)
	base := time.Now()
	for i := 0; i < n; i++ {
		b.Publish(samples, base.Add(time.Duration(i)*32*time.Millisecond))
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	defer b.Close()
	sub := b.Subscribe("test", 8)

	publishN(b, 5)

	for want := uint64(1); want <= 5; want++ {
		select {
		case f := <-sub.Frames():
			if f.Sequence != want {
				t.Fatalf("frame sequence = %d, want %d", f.Sequence, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", want)
		}
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	defer b.Close()
	a := b.Subscribe("a", 8)
	c := b.Subscribe("c", 8)

	publishN(b, 3)

	for _, sub := range []*Subscription{a, c} {
		for want := uint64(1); want <= 3; want++ {
			select {
			case f := <-sub.Frames():
				if f.Sequence != want {
					t.Fatalf("%s: sequence = %d, want %d", sub.Name(), f.Sequence, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("%s: timed out waiting for frame %d", sub.Name(), want)
			}
		}
	}
}

func TestBus_DropsOldestUnderBackpressure(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	defer b.Close()
	sub := b.Subscribe("slow", 2)

	// Nothing consumes, so frames beyond the channel depth evict the oldest.
	publishN(b, 5)

	if got := sub.Dropped(); got != 3 {
		t.Fatalf("sub.Dropped() = %d, want 3", got)
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("bus.Dropped() = %d, want 3", got)
	}

	// The surviving frames are the newest ones, still in order.
	for _, want := range []uint64{4, 5} {
		select {
		case f := <-sub.Frames():
			if f.Sequence != want {
				t.Fatalf("surviving sequence = %d, want %d", f.Sequence, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for surviving frame %d", want)
		}
	}
}

func TestBus_SequenceMonotonic(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	defer b.Close()

	publishN(b, 4)
	if got := b.Sequence(); got != 4 {
		t.Fatalf("Sequence() = %d, want 4", got)
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	sub := b.Subscribe("test", 2)
	b.Close()

	if _, ok := <-sub.Frames(); ok {
		t.Fatal("subscriber channel still open after Close")
	}

	// Publishing after Close must be a no-op, not a panic.
	b.Publish(make([]int16, 512), time.Now())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(Config{FrameInterval: time.Millisecond})
	defer b.Close()
	sub := b.Subscribe("test", 8)
	b.Unsubscribe(sub)

	publishN(b, 2)

	if _, ok := <-sub.Frames(); ok {
		t.Fatal("received frame after Unsubscribe")
	}
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	b := New(Config{})
	b.Close()
	sub := b.Subscribe("late", 2)
	if _, ok := <-sub.Frames(); ok {
		t.Fatal("late subscription channel should be closed")
	}
}
