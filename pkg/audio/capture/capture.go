// Package capture provides the external audio-capture collaborator: a
// malgo-backed microphone source that delivers fixed-length 16-bit mono PCM
// frames to a publisher callback.
//
// The capture device invokes its data callback on a thread owned by the audio
// library. Source re-chunks the callback payloads into exactly FrameLength
// samples per frame, so every configured wake-phrase detector receives frames
// of the length it was built for. Device errors are retried with bounded
// backoff, both at the initial open and when a running device stops
// unexpectedly; when retries exhaust, the error is reported through the Err
// channel and the source stops.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Publisher receives completed PCM frames. Publish may block briefly under
// backpressure but must never block indefinitely (the frame bus guarantees
// this).
type Publisher interface {
	Publish(samples []int16, ts time.Time)
}

// Config holds capture device parameters.
type Config struct {
	// SampleRate in Hz. Must match every configured detector. Default 16000.
	SampleRate int

	// FrameLength is the number of samples per published frame. Must match
	// every configured detector (porcupine requires 512). Default 512.
	FrameLength int

	// MaxRetries bounds device (re)open attempts after a failure. Default 3.
	MaxRetries int

	// RetryBackoff is the initial delay between (re)open attempts; it doubles
	// per attempt. Default 500ms.
	RetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameLength <= 0 {
		c.FrameLength = 512
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Source captures microphone audio and publishes fixed-length frames.
// All exported methods are safe for concurrent use.
type Source struct {
	cfg  Config
	pub  Publisher
	errC chan error

	// open (re)initialises the device. Swapped out in tests; defaults to
	// openLocked. Caller holds s.mu.
	open func() error

	mu         sync.Mutex
	actx       *malgo.AllocatedContext
	device     *malgo.Device
	pending    []int16 // carry-over samples shorter than one frame
	started    bool
	closed     bool
	recovering bool
}

// New creates a Source publishing frames to pub.
func New(cfg Config, pub Publisher) (*Source, error) {
	if pub == nil {
		return nil, errors.New("capture: publisher must not be nil")
	}
	cfg.applyDefaults()
	s := &Source{
		cfg:  cfg,
		pub:  pub,
		errC: make(chan error, 1),
	}
	s.open = s.openLocked
	return s, nil
}

// Err returns a channel that receives at most one fatal capture error
// (retries exhausted, at open or after a runtime device stop). The lifecycle
// manager treats it as fatal to the pipeline.
func (s *Source) Err() <-chan error { return s.errC }

// Start opens the capture device and begins publishing frames. Transient
// open failures are retried with bounded backoff before giving up.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("capture: already started")
	}
	if s.closed {
		return errors.New("capture: source is closed")
	}

	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("capture device open failed, retrying",
				"attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("capture: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = s.open(); lastErr == nil {
			s.started = true
			slog.Info("capture started",
				"sample_rate", s.cfg.SampleRate, "frame_length", s.cfg.FrameLength)
			return nil
		}
	}
	return fmt.Errorf("capture: open device after %d retries: %w", s.cfg.MaxRetries, lastErr)
}

// openLocked initialises the malgo context and capture device. Caller holds s.mu.
func (s *Source) openLocked() error {
	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(actx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.onSamples(input)
		},
		Stop: func() {
			s.onStop()
		},
	})
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("start device: %w", err)
	}

	s.actx = actx
	s.device = device
	return nil
}

// onStop runs on the audio library's thread when the device stops. It must
// never block there (Uninit can fire it synchronously), so all work happens
// on a fresh goroutine.
func (s *Source) onStop() {
	go s.maybeRecover()
}

// maybeRecover starts a recovery unless the stop was expected (Close) or one
// is already running.
func (s *Source) maybeRecover() {
	s.mu.Lock()
	if s.closed || !s.started || s.recovering {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	s.mu.Unlock()
	s.recover()
}

// recover releases the stopped device and retries the open with bounded
// backoff. When retries exhaust, the failure is reported on the Err channel.
func (s *Source) recover() {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		slog.Warn("capture device stopped, reopening",
			"attempt", attempt, "backoff", backoff, "err", lastErr)
		time.Sleep(backoff)
		backoff *= 2

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.releaseLocked()
		lastErr = s.open()
		if lastErr == nil {
			s.recovering = false
			s.mu.Unlock()
			slog.Info("capture device reopened", "attempt", attempt)
			return
		}
		s.mu.Unlock()
	}
	s.fail(fmt.Errorf("capture: reopen device after %d retries: %w", s.cfg.MaxRetries, lastErr))
}

// fail delivers the fatal error; the Err channel holds at most one.
func (s *Source) fail(err error) {
	select {
	case s.errC <- err:
	default:
	}
}

// onSamples runs on the audio library's thread. It decodes little-endian
// int16 samples, appends them to the pending buffer, and publishes one frame
// per FrameLength samples.
func (s *Source) onSamples(input []byte) {
	n := len(input) / 2
	if n == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := 0; i < n; i++ {
		s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(input[i*2:i*2+2])))
	}
	var full [][]int16
	for len(s.pending) >= s.cfg.FrameLength {
		frame := make([]int16, s.cfg.FrameLength)
		copy(frame, s.pending[:s.cfg.FrameLength])
		s.pending = s.pending[s.cfg.FrameLength:]
		full = append(full, frame)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, frame := range full {
		s.pub.Publish(frame, now)
	}
}

// releaseLocked tears down the device and audio context. Caller holds s.mu.
func (s *Source) releaseLocked() {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	if s.actx != nil {
		_ = s.actx.Uninit()
		s.actx.Free()
		s.actx = nil
	}
}

// Close stops the device and releases the audio context. Safe to call more
// than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseLocked()
	return nil
}
