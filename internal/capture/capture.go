// Package capture records microphone audio as mono 16 kHz s16le frames and
// hands them to the caller in ~100ms units.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/calliope-labs/voicelink/internal/audio"
)

const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 100 * time.Millisecond
)

// CaptureError means capture could not start at all: no capture binary,
// no device, or an unsupported platform.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
	}
	return "capture: " + e.Reason
}

func (e *CaptureError) Unwrap() error { return e.Err }

// PermissionError means the audio input device refused access. It is
// surfaced unchanged so callers can prompt the user instead of retrying.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone access denied (%s): %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Source opens a raw audio stream. The returned reader yields mono s16le
// samples at the configured rate until closed.
type Source interface {
	Open(ctx context.Context, sampleRate int) (io.ReadCloser, error)
}

// Config tunes the recorder. Zero values take the defaults.
type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	Source        Source

	// OnError receives the terminal stream error, if any, after the read
	// loop stops. Optional.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.Source == nil {
		c.Source = &FFmpegSource{}
	}
	return c
}

// frameBytes is the s16le byte count of one frame.
func (c Config) frameBytes() int {
	samples := c.SampleRate * int(c.FrameDuration/time.Millisecond) / 1000
	return samples * 2
}

// Recorder pulls fixed-size frames from a Source on a background
// goroutine. One recorder serves one session.
type Recorder struct {
	cfg Config

	mu      sync.Mutex
	stream  io.ReadCloser
	started bool
	stopped bool
	done    chan struct{}
}

func NewRecorder(cfg Config) *Recorder {
	return &Recorder{cfg: cfg.withDefaults(), done: make(chan struct{})}
}

// Start opens the source and begins delivering frames to onFrame from a
// background goroutine. A short final frame is delivered as-is when the
// stream ends mid-frame.
func (r *Recorder) Start(ctx context.Context, onFrame func(pcm []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("recorder already started")
	}
	if r.stopped {
		return fmt.Errorf("recorder already stopped")
	}

	stream, err := r.cfg.Source.Open(ctx, r.cfg.SampleRate)
	if err != nil {
		return err
	}
	r.stream = stream
	r.started = true

	go r.readLoop(stream, onFrame)
	return nil
}

// Capturing reports whether the recorder has started and not yet drained.
func (r *Recorder) Capturing() bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Recorder) readLoop(stream io.ReadCloser, onFrame func([]byte)) {
	defer close(r.done)

	size := r.cfg.frameBytes()
	for {
		frame := make([]byte, size)
		n, err := io.ReadFull(stream, frame)
		if n > 0 {
			onFrame(frame[:n])
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				slog.Warn("capture stream ended", "error", err)
				if r.cfg.OnError != nil {
					r.cfg.OnError(err)
				}
			}
			return
		}
	}
}

// Stop closes the stream and waits for the read loop to drain. Safe to
// call multiple times and before Start; a recorder stopped before Start
// refuses to start.
func (r *Recorder) Stop() {
	r.mu.Lock()
	first := !r.stopped
	r.stopped = true
	stream := r.stream
	started := r.started
	r.mu.Unlock()

	if first && stream != nil {
		_ = stream.Close()
	}
	if started {
		<-r.done
	}
}

// Float32Source adapts a source that yields f32le samples into the s16le
// stream the recorder expects, clamping to [-1, 1] and scaling.
type Float32Source struct {
	Inner Source
}

func (s *Float32Source) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	inner, err := s.Inner.Open(ctx, sampleRate)
	if err != nil {
		return nil, err
	}
	return &float32Reader{inner: inner}, nil
}

type float32Reader struct {
	inner   io.ReadCloser
	buf     []byte // converted s16le bytes not yet consumed
	pending []byte // tail of a torn f32 sample, carried into the next read
}

func (r *float32Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		raw := make([]byte, len(r.pending), len(r.pending)+4096)
		copy(raw, r.pending)
		n, err := r.inner.Read(raw[len(r.pending) : len(r.pending)+4096])
		raw = raw[:len(r.pending)+n]
		whole := len(raw) - len(raw)%4
		// A torn trailing sample waits for the bytes that complete it.
		r.pending = append([]byte(nil), raw[whole:]...)
		if whole > 0 {
			samples, convErr := audio.DecodeF32LE(raw[:whole])
			if convErr != nil {
				return 0, convErr
			}
			r.buf = audio.EncodeS16LE(samples)
		}
		if err != nil {
			if len(r.buf) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *float32Reader) Close() error { return r.inner.Close() }
