// Package session owns the lifecycle of one real-time voice conversation:
// microphone capture in, agent audio and transcript out, with a small
// state machine driving what the caller sees.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-labs/voicelink/internal/audio"
	"github.com/calliope-labs/voicelink/internal/capture"
	"github.com/calliope-labs/voicelink/internal/metrics"
	"github.com/calliope-labs/voicelink/internal/playback"
	"github.com/calliope-labs/voicelink/internal/transport"
	"github.com/calliope-labs/voicelink/internal/wire"
)

// State is the externally visible lifecycle phase of a session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateError      State = "error"
)

const (
	defaultFlushInterval   = 30 * time.Second
	defaultUnplayableLimit = 5
)

// Transport is the slice of the connection the session drives.
type Transport interface {
	On(kind wire.EventKind, fn transport.Handler) uint64
	Dial(ctx context.Context) error
	Send(msg []byte) bool
	Disconnect()
}

// Recorder delivers captured s16le frames until stopped.
type Recorder interface {
	Start(ctx context.Context, onFrame func(pcm []byte)) error
	Stop()
}

// Player consumes agent audio chunks.
type Player interface {
	Play(data []byte) error
	SetVolume(v float32)
	Stop()
	Close()
}

// TranscriptSink persists a rendered transcript. Write failures are
// logged and swallowed; transcript loss never ends a conversation.
type TranscriptSink interface {
	Write(ctx context.Context, id string, transcript string) error
}

// Config assembles one session. The factory fields exist so a retried
// session gets fresh capture and playback resources; nil factories build
// the real ffmpeg-backed ones.
type Config struct {
	// CorrelationID names the session toward the transcript sink. A
	// random id is generated when empty.
	CorrelationID string

	Descriptor transport.Descriptor
	Transport  transport.Config

	// NewTransport overrides how the transport is built. The returned
	// Transport must not be open yet: the session registers its handlers
	// before dialing so nothing the agent sends at open can slip past
	// them. Optional.
	NewTransport func() Transport

	NewRecorder func() Recorder
	NewPlayer   func() (Player, error)

	Sink          TranscriptSink
	FlushInterval time.Duration

	// AutoActivate moves ready→active on the first detected speech in the
	// capture stream, instead of waiting for Activate or the agent's
	// start signal.
	AutoActivate bool

	// UnplayableLimit is how many consecutive undecodable audio chunks
	// are tolerated before the session fails.
	UnplayableLimit int
}

func (c Config) withDefaults() Config {
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.UnplayableLimit <= 0 {
		c.UnplayableLimit = defaultUnplayableLimit
	}
	if c.NewRecorder == nil {
		c.NewRecorder = func() Recorder { return capture.NewRecorder(capture.Config{}) }
	}
	if c.NewPlayer == nil {
		c.NewPlayer = func() (Player, error) { return playback.NewPlayer(playback.Config{}) }
	}
	return c
}

// Session is one conversation attempt. It is owned by a single caller and
// must not be shared across concurrent conversations; the microphone and
// speaker are exclusive resources.
type Session struct {
	cfg Config
	id  string

	mu         sync.Mutex
	state      State
	err        error
	muted      bool
	conn       Transport
	recorder   Recorder
	player     Player
	done         chan struct{}
	unplayable   int
	pendingStart bool

	transcript *transcriptBuffer
	vad        *audio.VAD // speech-driven activation, nil unless AutoActivate
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:        cfg,
		id:         cfg.CorrelationID,
		state:      StateIdle,
		transcript: &transcriptBuffer{},
	}
	if cfg.AutoActivate {
		s.vad = audio.NewVAD(audio.DefaultVADConfig())
	}
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to the error state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transcript returns a copy of the accumulated transcript lines.
func (s *Session) Transcript() []Line {
	return s.transcript.snapshot()
}

// Start acquires the microphone, opens the transport, and moves the
// session to ready. The microphone is checked first so a permission
// refusal never opens a connection.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is %s, cannot start", state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	rec := s.cfg.NewRecorder()
	if err := rec.Start(ctx, s.pushFrame); err != nil {
		s.fail(fmt.Errorf("microphone: %w", err))
		return err
	}

	player, err := s.cfg.NewPlayer()
	if err != nil {
		rec.Stop()
		s.fail(fmt.Errorf("playback: %w", err))
		return err
	}

	conn := s.newTransport()
	done := make(chan struct{})
	s.mu.Lock()
	s.recorder = rec
	s.player = player
	s.conn = conn
	s.done = done
	s.mu.Unlock()

	// Handlers must be in place before the socket opens: the agent may
	// send its greeting and start signal in the same instant.
	s.subscribe(conn)

	if err := conn.Dial(ctx); err != nil {
		s.fail(err) // tears down the recorder and player too
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// The agent ended or failed the session while the dial was in
		// flight; the handlers already tore everything down.
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(StateReady)
	if s.pendingStart {
		s.pendingStart = false
		s.setStateLocked(StateActive)
	}
	s.mu.Unlock()

	go s.flushLoop(done)

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	return nil
}

func (s *Session) newTransport() Transport {
	if s.cfg.NewTransport != nil {
		return s.cfg.NewTransport()
	}
	return transport.New(s.cfg.Descriptor, s.cfg.Transport)
}

// Activate moves a ready session to active, which starts frame delivery.
// The agent's conversation-start signal triggers this too, so calling it
// is only needed when the agent never sends one. A start signal that
// lands while the dial is still settling is held until ready.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		s.setStateLocked(StateActive)
	case StateConnecting:
		s.pendingStart = true
	}
}

// SetMuted gates outbound audio. Capture keeps running while muted;
// frames are simply not sent.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Muted reports the mute flag.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetVolume adjusts playback volume, clamped to [0, 1].
func (s *Session) SetVolume(v float32) {
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.SetVolume(v)
	}
}

// End finishes the conversation: the transcript is flushed, the transport
// closed, and capture and playback released. Calling End on a session
// that is already ended or failed is a no-op.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateReady, StateActive:
	default:
		s.mu.Unlock()
		return
	}
	wasRunning := s.state != StateConnecting
	s.setStateLocked(StateEnded)
	conn, rec, player, done := s.takeResourcesLocked()
	s.mu.Unlock()

	if conn != nil {
		// Best effort; the close below ends the conversation regardless.
		conn.Send(wire.EndMessage())
	}
	s.teardown(conn, rec, player, done)
	s.flush(ctx, "end")
	if wasRunning {
		metrics.SessionsActive.Dec()
	}
}

// Retry returns a failed session to idle so Start can run again. The
// transcript survives the retry.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateError {
		return fmt.Errorf("session is %s, only a failed session can retry", s.state)
	}
	s.err = nil
	s.unplayable = 0
	s.pendingStart = false
	s.setStateLocked(StateIdle)
	return nil
}

// fail moves the session to the terminal error state and releases
// everything. Later failures on an already-terminal session are dropped.
func (s *Session) fail(err error) {
	s.mu.Lock()
	switch s.state {
	case StateEnded, StateError, StateIdle:
		s.mu.Unlock()
		return
	}
	wasRunning := s.state != StateConnecting
	s.err = err
	s.setStateLocked(StateError)
	conn, rec, player, done := s.takeResourcesLocked()
	s.mu.Unlock()

	slog.Error("session failed", "session", s.id, "error", err)
	s.teardown(conn, rec, player, done)
	s.flush(context.Background(), "error")
	if wasRunning {
		metrics.SessionsActive.Dec()
	}
}

func (s *Session) takeResourcesLocked() (Transport, Recorder, Player, chan struct{}) {
	conn, rec, player, done := s.conn, s.recorder, s.player, s.done
	s.conn, s.recorder, s.player, s.done = nil, nil, nil, nil
	return conn, rec, player, done
}

func (s *Session) teardown(conn Transport, rec Recorder, player Player, done chan struct{}) {
	if done != nil {
		close(done)
	}
	if conn != nil {
		conn.Disconnect()
	}
	if rec != nil {
		rec.Stop()
	}
	if player != nil {
		player.Close()
	}
}

// setStateLocked records a transition. Callers hold s.mu and have already
// checked legality.
func (s *Session) setStateLocked(next State) {
	slog.Info("session state", "session", s.id, "from", s.state, "to", next)
	s.state = next
}

// pushFrame forwards one captured frame while the session is active and
// not muted. While the session is still ready, frames feed the optional
// speech detector instead.
func (s *Session) pushFrame(pcm []byte) {
	s.mu.Lock()
	state := s.state
	ok := state == StateActive && !s.muted
	conn := s.conn
	s.mu.Unlock()

	if state == StateReady && s.vad != nil {
		// Frames arrive from the single capture goroutine, so the
		// detector needs no locking of its own.
		if samples, err := audio.DecodeS16LE(pcm); err == nil {
			if s.vad.Process(samples).SpeechStarted {
				s.Activate()
			}
		}
		return
	}

	if !ok || conn == nil {
		return
	}
	if conn.Send(wire.AudioFrameMessage(pcm)) {
		metrics.FramesSent.Inc()
	}
}

func (s *Session) subscribe(conn Transport) {
	conn.On(wire.KindAudio, func(ev wire.Event) {
		s.handleAudio(ev.(wire.AudioChunk).Data)
	})
	conn.On(wire.KindTranscript, func(ev wire.Event) {
		tf := ev.(wire.TranscriptFragment)
		s.transcript.append(tf.Role, tf.Text)
	})
	conn.On(wire.KindLifecycle, func(ev wire.Event) {
		switch ev.(wire.LifecycleSignal).Phase {
		case wire.PhaseStart:
			s.Activate()
		case wire.PhaseEnd:
			s.End(context.Background())
		}
	})
	conn.On(wire.KindError, func(ev wire.Event) {
		ee := ev.(wire.ErrorEvent)
		if ee.Permanent {
			s.fail(ee.Err)
		}
		// Transient errors stay invisible; the transport reconnects on
		// its own.
	})
}

func (s *Session) handleAudio(data []byte) {
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player == nil {
		return
	}

	err := player.Play(data)
	if err == nil {
		s.mu.Lock()
		s.unplayable = 0
		s.mu.Unlock()
		return
	}

	var unplayable *playback.UnplayableAudioError
	if !errors.As(err, &unplayable) {
		slog.Warn("play agent audio", "session", s.id, "error", err)
		return
	}

	s.mu.Lock()
	s.unplayable++
	n := s.unplayable
	s.mu.Unlock()

	slog.Warn("unplayable agent audio", "session", s.id, "consecutive", n, "error", err)
	if n >= s.cfg.UnplayableLimit {
		s.fail(fmt.Errorf("agent audio undecodable %d times in a row: %w", n, err))
	}
}

// flushLoop persists the transcript periodically as a durability backstop
// until the session ends.
func (s *Session) flushLoop(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.flush(context.Background(), "periodic")
		}
	}
}

func (s *Session) flush(ctx context.Context, reason string) {
	if s.cfg.Sink == nil || s.transcript.empty() {
		return
	}
	if err := s.cfg.Sink.Write(ctx, s.id, s.transcript.render()); err != nil {
		// Swallowed: transcript loss is non-fatal to the conversation.
		slog.Warn("transcript flush failed", "session", s.id, "reason", reason, "error", err)
		metrics.TranscriptFlushes.WithLabelValues("error").Inc()
		return
	}
	metrics.TranscriptFlushes.WithLabelValues("ok").Inc()
}
