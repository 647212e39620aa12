package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kawaz/voice-agent/internal/arbiter"
	"github.com/kawaz/voice-agent/internal/bus"
	"github.com/kawaz/voice-agent/internal/controller"
	"github.com/kawaz/voice-agent/internal/detector"
	"github.com/kawaz/voice-agent/internal/transcribe"
	"github.com/kawaz/voice-agent/pkg/stt"
	sttmock "github.com/kawaz/voice-agent/pkg/stt/mock"
	"github.com/kawaz/voice-agent/pkg/wake"
	wakemock "github.com/kawaz/voice-agent/pkg/wake/mock"
)

// fakeSource is a capture stand-in that never produces frames on its own.
type fakeSource struct {
	started atomic.Bool
	closed  atomic.Bool
	errC    chan error
}

func newFakeSource() *fakeSource { return &fakeSource{errC: make(chan error, 1)} }

func (s *fakeSource) Start(context.Context) error { s.started.Store(true); return nil }
func (s *fakeSource) Err() <-chan error           { return s.errC }
func (s *fakeSource) Close() error                { s.closed.Store(true); return nil }

// testPipeline builds a full pipeline around the given engine doubles.
func testPipeline(t *testing.T, wakeEng wake.Engine, sttEng stt.Engine) (*Manager, *fakeSource, *bus.Bus, *controller.Controller) {
	t.Helper()

	frameBus := bus.New(bus.Config{FrameInterval: time.Millisecond})
	pool, err := detector.NewPool(detector.Config{
		Engine: wakeEng,
		Detectors: []wake.Config{{
			Language: "ja", Phrase: "hey-agent", Sensitivity: 0.5, FrameLength: 512,
		}},
	})
	if err != nil {
		t.Fatalf("NewPool() = %v", err)
	}
	transcriber, err := transcribe.New(transcribe.Config{Engine: sttEng, LoadBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("transcribe.New() = %v", err)
	}
	ctl := controller.New(controller.Config{
		Transcriber:   transcriber,
		Lookback:      time.Second,
		Forward:       10 * time.Millisecond,
		Cooldown:      10 * time.Millisecond,
		MaxDuration:   time.Second,
		FrameInterval: time.Millisecond,
	})
	arb := arbiter.New(arbiter.Config{
		Window: 10 * time.Millisecond,
		Gate:   ctl,
		OnDiscard: func(d wake.Detection, reason string) {
			ctl.Report(controller.Event{
				Kind:      controller.EventDetectionDiscarded,
				Detection: d,
				Reason:    reason,
			})
		},
	})

	src := newFakeSource()
	m, err := NewManager(Config{
		Source:        src,
		Bus:           frameBus,
		Pool:          pool,
		Arbiter:       arb,
		Controller:    ctl,
		Transcriber:   transcriber,
		ShutdownGrace: 2 * time.Second,
		RestartDelay:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	return m, src, frameBus, ctl
}

// publishFrames feeds synthetic frames onto the bus until stop is closed.
func publishFrames(b *bus.Bus, stop <-chan struct{}) {
	samples := make([]int16, 512)
	for {
		select {
		case <-stop:
			return
		case <-time.After(2 * time.Millisecond):
			b.Publish(samples, time.Now())
		}
	}
}

func TestNewManager_RejectsMissingComponents(t *testing.T) {
	_, err := NewManager(Config{})
	if err == nil {
		t.Fatal("NewManager() with empty config succeeded")
	}
	for _, want := range []string{"bus", "pool", "arbitrator", "controller", "transcription"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestManager_CleanShutdown(t *testing.T) {
	m, src, _, ctl := testPipeline(t, &wakemock.Engine{}, &sttmock.Engine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Wait for startup: source started and controller armed.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !(src.started.Load() && ctl.Armed()) {
		time.Sleep(time.Millisecond)
	}
	if !src.started.Load() {
		t.Fatal("capture source never started")
	}
	if !ctl.Armed() {
		t.Fatal("controller never armed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on clean shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !src.closed.Load() {
		t.Error("capture source not closed during shutdown")
	}
}

func TestManager_CaptureFailureEscalates(t *testing.T) {
	m, src, _, _ := testPipeline(t, &wakemock.Engine{}, &sttmock.Engine{})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	src.errC <- errors.New("device unplugged")

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "capture failed") {
			t.Fatalf("Run() = %v, want capture failure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not escalate the capture failure")
	}
}

func TestManager_DegradedDetectorIsRestarted(t *testing.T) {
	procErr := errors.New("native crash")
	calls := 0
	wakeEng := &wakemock.Engine{Factory: func(wake.Config) (wake.Detector, error) {
		calls++
		if calls == 1 {
			return &wakemock.Detector{Script: []wakemock.Step{
				{Err: procErr}, {Err: procErr}, {Err: procErr},
			}}, nil
		}
		return &wakemock.Detector{}, nil
	}}
	m, _, frameBus, ctl := testPipeline(t, wakeEng, &sttmock.Engine{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	stop := make(chan struct{})
	defer close(stop)
	go publishFrames(frameBus, stop)

	// Drain pipeline events so the degradation notice is observable.
	sawDegraded := make(chan struct{}, 1)
	go func() {
		for ev := range ctl.Events() {
			if ev.Kind == controller.EventDetectorDegraded {
				select {
				case sawDegraded <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-sawDegraded:
	case <-time.After(3 * time.Second):
		t.Fatal("no degraded event surfaced")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && wakeEng.CallCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	if got := wakeEng.CallCount(); got < 2 {
		t.Fatalf("engine CallCount() = %d, want restart to re-create the detector", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestManager_ModelLoadFailureEscalates(t *testing.T) {
	// Detector fires immediately so a transcription is requested, whose
	// model load always fails and escalates to shutdown.
	wakeEng := &wakemock.Engine{Factory: func(wake.Config) (wake.Detector, error) {
		return &wakemock.Detector{Script: []wakemock.Step{
			{Score: 0.9, Detected: true},
		}}, nil
	}}
	sttEng := &sttmock.Engine{LoadErr: errors.New("corrupt weights")}
	m, _, frameBus, ctl := testPipeline(t, wakeEng, sttEng)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	stop := make(chan struct{})
	defer close(stop)
	go publishFrames(frameBus, stop)
	go func() {
		for range ctl.Events() {
		}
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "transcription unavailable") {
			t.Fatalf("Run() = %v, want transcription escalation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not escalate the model load failure")
	}
}
