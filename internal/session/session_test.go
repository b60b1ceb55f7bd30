package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calliope-labs/voicelink/internal/audio"
	"github.com/calliope-labs/voicelink/internal/playback"
	"github.com/calliope-labs/voicelink/internal/transport"
	"github.com/calliope-labs/voicelink/internal/wire"
)

type fakeConn struct {
	emitter *transport.Emitter

	// onOpen runs inside Dial, emitting whatever the agent would send
	// the instant the socket opens.
	onOpen  func()
	dialErr error

	mu          sync.Mutex
	sent        [][]byte
	dials       int
	disconnects int
}

func newFakeConn() *fakeConn {
	return &fakeConn{emitter: transport.NewEmitter()}
}

func (c *fakeConn) On(kind wire.EventKind, fn transport.Handler) uint64 {
	return c.emitter.On(kind, fn)
}

func (c *fakeConn) Dial(context.Context) error {
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()
	if c.dialErr != nil {
		return c.dialErr
	}
	if c.onOpen != nil {
		c.onOpen()
	}
	return nil
}

func (c *fakeConn) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *fakeConn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), msg...))
	return true
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) lastSent() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil, false
	}
	return append([]byte(nil), c.sent[len(c.sent)-1]...), true
}

func (c *fakeConn) emit(ev wire.Event) { c.emitter.Emit(ev) }

type fakeRecorder struct {
	mu      sync.Mutex
	onFrame func([]byte)
	stops   int
	openErr error
}

func (r *fakeRecorder) Start(ctx context.Context, onFrame func([]byte)) error {
	if r.openErr != nil {
		return r.openErr
	}
	r.mu.Lock()
	r.onFrame = onFrame
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRecorder) push(frame []byte) {
	r.mu.Lock()
	fn := r.onFrame
	r.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

type fakePlayer struct {
	mu         sync.Mutex
	played     int
	closes     int
	unplayable bool
	last       []byte
}

func (p *fakePlayer) Play(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unplayable {
		return &playback.UnplayableAudioError{Size: len(data), Err: errors.New("no codec matched")}
	}
	p.played++
	p.last = append([]byte(nil), data...)
	return nil
}

func (p *fakePlayer) lastPlayed() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.last...)
}

func (p *fakePlayer) SetVolume(float32) {}
func (p *fakePlayer) Stop()             {}

func (p *fakePlayer) Close() {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
}

type fakeSink struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (s *fakeSink) Write(ctx context.Context, id, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, transcript)
	return nil
}

func (s *fakeSink) lastWrite() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return "", false
	}
	return s.writes[len(s.writes)-1], true
}

type fixture struct {
	sess   *Session
	conn   *fakeConn
	rec    *fakeRecorder
	player *fakePlayer
	sink   *fakeSink
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		conn:   newFakeConn(),
		rec:    &fakeRecorder{},
		player: &fakePlayer{},
		sink:   &fakeSink{},
	}
	cfg := Config{
		CorrelationID: "test-session",
		NewTransport:  func() Transport { return f.conn },
		NewRecorder:   func() Recorder { return f.rec },
		NewPlayer:     func() (Player, error) { return f.player, nil },
		Sink:          f.sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.sess = New(cfg)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestStartMovesToReady(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.sess.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	f.start(t)
	if got := f.sess.State(); got != StateReady {
		t.Fatalf("state after Start = %s, want ready", got)
	}

	if err := f.sess.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestMicrophoneRefusalSkipsConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.openErr = errors.New("mic denied")

	if err := f.sess.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a refused microphone")
	}
	if f.sess.State() != StateError {
		t.Fatalf("state = %s, want error", f.sess.State())
	}
	if n := f.conn.dialCount(); n != 0 {
		t.Fatalf("transport dialed %d times despite microphone refusal, want 0", n)
	}
}

func TestDialFailureFailsSessionAndReleasesDevices(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.dialErr = &transport.ConnectionError{Reason: "no open signal before timeout"}

	if err := f.sess.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with an unreachable agent")
	}
	if got := f.sess.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}
	var connErr *transport.ConnectionError
	if !errors.As(f.sess.Err(), &connErr) {
		t.Fatalf("Err() = %v, want *ConnectionError", f.sess.Err())
	}
	f.rec.mu.Lock()
	stops := f.rec.stops
	f.rec.mu.Unlock()
	if stops == 0 {
		t.Fatal("recorder not stopped after dial failure")
	}
	f.player.mu.Lock()
	closes := f.player.closes
	f.player.mu.Unlock()
	if closes == 0 {
		t.Fatal("player not closed after dial failure")
	}
}

func TestFramesFlowOnlyWhileActiveAndUnmuted(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	frame := make([]byte, 3200)

	// Ready: not yet active, nothing flows.
	f.rec.push(frame)
	if n := f.conn.sentCount(); n != 0 {
		t.Fatalf("frames sent while ready = %d, want 0", n)
	}

	f.sess.Activate()
	if got := f.sess.State(); got != StateActive {
		t.Fatalf("state after Activate = %s, want active", got)
	}
	f.rec.push(frame)
	if n := f.conn.sentCount(); n != 1 {
		t.Fatalf("frames sent while active = %d, want 1", n)
	}

	f.sess.SetMuted(true)
	f.rec.push(frame)
	if n := f.conn.sentCount(); n != 1 {
		t.Fatalf("frames sent while muted = %d, want still 1", n)
	}

	f.sess.SetMuted(false)
	f.rec.push(frame)
	if n := f.conn.sentCount(); n != 2 {
		t.Fatalf("frames sent after unmute = %d, want 2", n)
	}
}

func TestAutoActivateOnSpeech(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.AutoActivate = true })
	f.start(t)

	quiet := make([]byte, 320)
	f.rec.push(quiet)
	if got := f.sess.State(); got != StateReady {
		t.Fatalf("state after silence = %s, want still ready", got)
	}

	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(16000)))
	}
	f.rec.push(loud)
	if got := f.sess.State(); got != StateActive {
		t.Fatalf("state after speech = %s, want active", got)
	}
}

func TestProtocolStartSignalActivates(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.emit(wire.LifecycleSignal{Phase: wire.PhaseStart})
	if got := f.sess.State(); got != StateActive {
		t.Fatalf("state after start signal = %s, want active", got)
	}
}

func TestGreetingAtOpenIsDelivered(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.onOpen = func() {
		f.conn.emit(wire.LifecycleSignal{Phase: wire.PhaseStart})
		f.conn.emit(wire.TranscriptFragment{Role: wire.RoleAgent, Text: "welcome"})
	}
	f.start(t)

	if got := f.sess.State(); got != StateActive {
		t.Fatalf("state = %s, want active from the start signal sent at open", got)
	}
	lines := f.sess.Transcript()
	if len(lines) != 1 || lines[0].Text != "welcome" {
		t.Fatalf("transcript = %+v, want the greeting sent at open", lines)
	}
}

func TestAgentEndSignalEndsAndFlushes(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.sess.Activate()

	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleUser, Text: "hello"})
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleAgent, Text: "hi there"})
	f.conn.emit(wire.LifecycleSignal{Phase: wire.PhaseEnd})

	if got := f.sess.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
	got, ok := f.sink.lastWrite()
	if !ok {
		t.Fatal("transcript not flushed on end")
	}
	want := "user: hello\nagent: hi there\n"
	if got != want {
		t.Fatalf("flushed transcript = %q, want %q", got, want)
	}

	if f.rec.stops != 1 || f.player.closes != 1 || f.conn.disconnects != 1 {
		t.Fatalf("teardown: stops=%d closes=%d disconnects=%d, want 1 each",
			f.rec.stops, f.player.closes, f.conn.disconnects)
	}
}

func TestEndIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.sess.End(context.Background())
	f.sess.End(context.Background())

	if f.conn.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", f.conn.disconnects)
	}
	if got := f.sess.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended", got)
	}
}

func TestConsecutiveDuplicateTranscriptSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleAgent, Text: "same line"})
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleAgent, Text: "same line"})
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleUser, Text: "same line"})
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleAgent, Text: "same line"})

	lines := f.sess.Transcript()
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3 (consecutive duplicate dropped)", len(lines))
	}
}

func TestCapturedFrameLoopsBackIntact(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.sess.Activate()

	// One 100ms frame of 1600 distinct samples.
	frame := make([]byte, 3200)
	for i := range 1600 {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(i-800)))
	}
	f.rec.push(frame)

	msg, ok := f.conn.lastSent()
	if !ok {
		t.Fatal("no outbound frame was sent")
	}
	var sent struct {
		Chunk string `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(msg, &sent); err != nil {
		t.Fatalf("unmarshal outbound frame: %v", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(sent.Chunk)
	if err != nil {
		t.Fatalf("decode outbound chunk: %v", err)
	}

	// Echo it back the way the agent returns audio.
	f.conn.emit(wire.AudioChunk{Data: pcm})

	got := f.player.lastPlayed()
	if !bytes.Equal(got, frame) {
		t.Fatalf("played %d bytes, want the captured frame back unchanged (%d bytes)", len(got), len(frame))
	}
	samples, err := audio.DecodeS16LE(got)
	if err != nil {
		t.Fatalf("decode played frame: %v", err)
	}
	if len(samples) != 1600 {
		t.Fatalf("played %d samples, want 1600", len(samples))
	}
}

func TestAudioChunksReachPlayer(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.conn.emit(wire.AudioChunk{Data: []byte{1, 2}})
	f.conn.emit(wire.AudioChunk{Data: []byte{3, 4}})

	f.player.mu.Lock()
	played := f.player.played
	f.player.mu.Unlock()
	if played != 2 {
		t.Fatalf("played = %d, want 2", played)
	}
}

func TestRepeatedUnplayableAudioFailsSession(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.UnplayableLimit = 3 })
	f.start(t)
	f.player.unplayable = true

	for range 3 {
		f.conn.emit(wire.AudioChunk{Data: []byte{0xff}})
	}

	if got := f.sess.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}
	var unplayable *playback.UnplayableAudioError
	if !errors.As(f.sess.Err(), &unplayable) {
		t.Fatalf("Err() = %v, want wrapped *UnplayableAudioError", f.sess.Err())
	}
}

func TestPermanentTransportErrorFailsThenRetryRestarts(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.sess.Activate()

	cause := &transport.TransportError{Attempts: 5, Err: errors.New("gone")}
	f.conn.emit(wire.ErrorEvent{Err: cause, Permanent: true})

	if got := f.sess.State(); got != StateError {
		t.Fatalf("state = %s, want error", got)
	}
	if !errors.Is(f.sess.Err(), cause) {
		t.Fatalf("Err() = %v, want %v", f.sess.Err(), cause)
	}

	if err := f.sess.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := f.sess.State(); got != StateIdle {
		t.Fatalf("state after Retry = %s, want idle", got)
	}
	f.start(t)
	if got := f.sess.State(); got != StateReady {
		t.Fatalf("state after restart = %s, want ready", got)
	}

	// Retry is only for failed sessions.
	if err := f.sess.Retry(); err == nil {
		t.Fatal("Retry on a ready session succeeded, want error")
	}
}

func TestTransientTransportErrorInvisible(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.sess.Activate()

	f.conn.emit(wire.ErrorEvent{Err: errors.New("blip")})

	if got := f.sess.State(); got != StateActive {
		t.Fatalf("state after transient error = %s, want active", got)
	}
	if f.sess.Err() != nil {
		t.Fatalf("Err() = %v, want nil", f.sess.Err())
	}
}

func TestPeriodicFlush(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.FlushInterval = 20 * time.Millisecond })
	f.start(t)
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleUser, Text: "backstop me"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.sink.lastWrite(); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic flush never happened")
}

func TestFlushFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = fmt.Errorf("persistence down")
	f.start(t)
	f.conn.emit(wire.TranscriptFragment{Role: wire.RoleUser, Text: "lost but fine"})

	f.sess.End(context.Background())
	if got := f.sess.State(); got != StateEnded {
		t.Fatalf("state = %s, want ended despite flush failure", got)
	}
}
