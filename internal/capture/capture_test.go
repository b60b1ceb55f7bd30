package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

// memSource serves a fixed byte stream.
type memSource struct {
	data []byte
}

func (s *memSource) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) push(f []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func TestRecorderFrameSizing(t *testing.T) {
	cfg := Config{SampleRate: 16000, FrameDuration: 100 * time.Millisecond}
	// 100ms at 16 kHz mono s16le.
	if got := cfg.frameBytes(); got != 3200 {
		t.Fatalf("frameBytes = %d, want 3200", got)
	}

	// Two full frames plus a 100-byte tail.
	src := &memSource{data: make([]byte, 2*3200+100)}
	cfg.Source = src

	var sink frameSink
	rec := NewRecorder(cfg)
	if err := rec.Start(context.Background(), sink.push); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.Stop()

	frames := sink.snapshot()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	if len(frames[0]) != 3200 || len(frames[1]) != 3200 {
		t.Fatalf("full frame sizes = %d, %d, want 3200", len(frames[0]), len(frames[1]))
	}
	if len(frames[2]) != 100 {
		t.Fatalf("tail frame size = %d, want 100", len(frames[2]))
	}
}

func TestRecorderStartTwice(t *testing.T) {
	rec := NewRecorder(Config{Source: &memSource{}})
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := rec.Start(context.Background(), func([]byte) {}); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
	rec.Stop()
}

func TestCapturingReflectsLifecycle(t *testing.T) {
	rec := NewRecorder(Config{Source: &memSource{data: make([]byte, 6400)}})
	if rec.Capturing() {
		t.Fatal("Capturing() = true before Start")
	}
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.Stop()
	if rec.Capturing() {
		t.Fatal("Capturing() = true after Stop")
	}
}

func TestRecorderStopIdempotent(t *testing.T) {
	rec := NewRecorder(Config{Source: &memSource{data: make([]byte, 3200)}})
	if err := rec.Start(context.Background(), func([]byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.Stop()
	rec.Stop()

	// Stop before Start must also be safe.
	NewRecorder(Config{Source: &memSource{}}).Stop()
}

func TestStartAfterStopRefused(t *testing.T) {
	rec := NewRecorder(Config{Source: &memSource{data: make([]byte, 3200)}})
	rec.Stop()

	if err := rec.Start(context.Background(), func([]byte) {}); err == nil {
		t.Fatal("Start after Stop succeeded, want error")
	}
	if rec.Capturing() {
		t.Fatal("Capturing() = true on a stopped recorder")
	}
}

func TestFloat32SourceConverts(t *testing.T) {
	// 0.5, -1.0, and an out-of-range 2.0 that must clamp to full scale.
	floats := []float32{0.5, -1.0, 2.0}
	raw := make([]byte, 4*len(floats))
	for i, f := range floats {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}

	src := &Float32Source{Inner: &memSource{data: raw}}
	stream, err := src.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("converted length = %d, want 6", len(out))
	}

	want := []int16{16384, -32767, 32767}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(out[i*2:]))
		if got != w {
			t.Fatalf("sample %d = %d, want %d", i, got, w)
		}
	}
}

// trickleSource serves the stream in fixed short reads, never aligned to
// a sample boundary.
type trickleSource struct {
	data  []byte
	chunk int
}

func (s *trickleSource) Open(ctx context.Context, sampleRate int) (io.ReadCloser, error) {
	return &trickleReader{data: s.data, chunk: s.chunk}, nil
}

type trickleReader struct {
	data  []byte
	chunk int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.chunk, len(r.data), len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func (r *trickleReader) Close() error { return nil }

func TestFloat32SourceSurvivesTornReads(t *testing.T) {
	floats := []float32{0.25, -0.5, 1.0, -1.0}
	raw := make([]byte, 4*len(floats))
	for i, f := range floats {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}

	// 3-byte reads never hand over a whole sample at once; the tail of
	// each read must carry into the next.
	src := &Float32Source{Inner: &trickleSource{data: raw, chunk: 3}}
	stream, err := src.Open(context.Background(), 16000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != 8 {
		t.Fatalf("converted %d bytes, want 8", len(out))
	}

	want := []int16{8192, -16384, 32767, -32767}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(out[i*2:]))
		if got != w {
			t.Fatalf("sample %d = %d, want %d", i, got, w)
		}
	}
}
