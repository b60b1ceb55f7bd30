// Package playback decodes agent audio chunks and plays them back in
// arrival order through a PCM sink.
package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/calliope-labs/voicelink/internal/audio"
	"github.com/calliope-labs/voicelink/internal/metrics"
)

const (
	DefaultSinkRate   = 24000
	DefaultSourceRate = 16000
	defaultQueueSize  = 32
)

// UnplayableAudioError means a chunk matched none of the supported
// encodings. Playback continues with the next chunk.
type UnplayableAudioError struct {
	Size int
	Err  error
}

func (e *UnplayableAudioError) Error() string {
	return fmt.Sprintf("unplayable audio chunk (%d bytes): %v", e.Size, e.Err)
}

func (e *UnplayableAudioError) Unwrap() error { return e.Err }

// Sink consumes decoded s16le PCM at a fixed rate. Reset discards any
// buffered audio immediately; Close releases the device.
type Sink interface {
	Write(pcm []byte) error
	Reset() error
	Close() error
}

// Config tunes the player. Zero values take the defaults.
type Config struct {
	// SinkRate is the sample rate the sink consumes.
	SinkRate int
	// SourceRate is assumed for headerless PCM chunks; WAV chunks carry
	// their own rate.
	SourceRate int
	QueueSize  int
	Sink       Sink
}

func (c Config) withDefaults() (Config, error) {
	if c.SinkRate <= 0 {
		c.SinkRate = DefaultSinkRate
	}
	if c.SourceRate <= 0 {
		c.SourceRate = DefaultSourceRate
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Sink == nil {
		sink, err := NewFFplaySink(c.SinkRate)
		if err != nil {
			return c, err
		}
		c.Sink = sink
	}
	return c, nil
}

type chunk struct {
	samples []float32
	rate    int
}

// Player decodes chunks and writes them to the sink from a single worker
// goroutine, so chunks never overlap and always play in submission order.
type Player struct {
	cfg   Config
	queue chan chunk

	volMu  sync.Mutex
	volume float32

	closeOnce sync.Once
	done      chan struct{}
}

func NewPlayer(cfg Config) (*Player, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Player{
		cfg:    cfg,
		queue:  make(chan chunk, cfg.QueueSize),
		volume: 1,
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Play decodes data and queues it for playback. Decoding tries, in order:
// WAV container, raw s16le, raw f32le; if none match it returns an
// *UnplayableAudioError and the chunk is skipped. A full queue drops the
// chunk rather than blocking the caller.
func (p *Player) Play(data []byte) error {
	ch, err := p.decode(data)
	if err != nil {
		metrics.ChunksUnplayable.Inc()
		return err
	}

	select {
	case p.queue <- ch:
		return nil
	default:
		metrics.ChunksDropped.Inc()
		slog.Warn("playback queue full, dropping chunk", "samples", len(ch.samples))
		return nil
	}
}

func (p *Player) decode(data []byte) (chunk, error) {
	if samples, rate, err := audio.DecodeWAV(data); err == nil {
		return chunk{samples: samples, rate: rate}, nil
	} else if samples, s16Err := audio.DecodeS16LE(data); s16Err == nil {
		return chunk{samples: samples, rate: p.cfg.SourceRate}, nil
	} else if samples, f32Err := audio.DecodeF32LE(data); f32Err == nil {
		return chunk{samples: samples, rate: p.cfg.SourceRate}, nil
	} else {
		return chunk{}, &UnplayableAudioError{
			Size: len(data),
			Err:  fmt.Errorf("wav: %v; s16le: %v; f32le: %w", err, s16Err, f32Err),
		}
	}
}

// SetVolume scales subsequent playback; values clamp to [0, 1].
func (p *Player) SetVolume(v float32) {
	v = max(0, min(1, v))
	p.volMu.Lock()
	p.volume = v
	p.volMu.Unlock()
}

func (p *Player) currentVolume() float32 {
	p.volMu.Lock()
	defer p.volMu.Unlock()
	return p.volume
}

// Stop drops all queued chunks and cuts off the one currently playing.
// The player remains usable.
func (p *Player) Stop() {
	for {
		select {
		case <-p.queue:
		default:
			if err := p.cfg.Sink.Reset(); err != nil {
				slog.Warn("reset playback sink", "error", err)
			}
			return
		}
	}
}

// Close stops the worker and releases the sink. Safe to call repeatedly.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		<-p.done
		if err := p.cfg.Sink.Close(); err != nil {
			slog.Warn("close playback sink", "error", err)
		}
	})
}

func (p *Player) run() {
	defer close(p.done)
	for ch := range p.queue {
		samples := ch.samples
		if ch.rate != p.cfg.SinkRate {
			samples = audio.Resample(samples, ch.rate, p.cfg.SinkRate)
		}
		if v := p.currentVolume(); v != 1 {
			samples = append([]float32(nil), samples...)
			audio.ApplyGain(samples, v)
		}
		if err := p.cfg.Sink.Write(audio.EncodeS16LE(samples)); err != nil {
			slog.Warn("write playback chunk", "error", err)
			continue
		}
		metrics.ChunksPlayed.Inc()
	}
}
