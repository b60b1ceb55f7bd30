package calllog

import (
	"context"
	"log/slog"
	"sync"
)

const maxTranscriptLen = 64 * 1024

type logMsg struct {
	kind string // "start", "end", "transcript"

	id         string
	agentID    string
	outcome    string
	errMsg     string
	transcript string
}

// Writer records call history asynchronously via a buffered channel so
// database latency never stalls the audio path. All methods are nil-safe;
// a nil writer is how call logging is disabled.
type Writer struct {
	store *Store
	ch    chan logMsg
	done  chan struct{}

	mu     sync.Mutex // guards ch against sends after Close
	closed bool
}

// NewWriter starts the background writer. Close must be called to drain
// pending writes.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan logMsg, 64),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for msg := range w.ch {
		w.handle(msg)
	}
}

func (w *Writer) handle(m logMsg) {
	var err error
	switch m.kind {
	case "start":
		err = w.store.CreateCall(m.id, m.agentID)
	case "end":
		err = w.store.EndCall(m.id, m.outcome, m.errMsg)
	case "transcript":
		err = w.store.SaveTranscript(m.id, m.transcript)
	}
	if err != nil {
		slog.Warn("call log write failed", "kind", m.kind, "call", m.id, "error", err)
	}
}

// enqueue hands a message to the drain goroutine. Messages arriving after
// Close are dropped; a flush racing shutdown must not panic.
func (w *Writer) enqueue(m logMsg) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.ch <- m
}

// CallStarted records the start of a call.
func (w *Writer) CallStarted(id, agentID string) {
	if w == nil {
		return
	}
	w.enqueue(logMsg{kind: "start", id: id, agentID: agentID})
}

// CallEnded records the outcome of a call.
func (w *Writer) CallEnded(id, outcome, errMsg string) {
	if w == nil {
		return
	}
	w.enqueue(logMsg{kind: "end", id: id, outcome: outcome, errMsg: errMsg})
}

// Write stores the transcript for a call; it satisfies the session's
// transcript sink. Enqueueing never fails, so the error is always nil.
func (w *Writer) Write(ctx context.Context, id, transcript string) error {
	if w == nil {
		return nil
	}
	if len(transcript) > maxTranscriptLen {
		transcript = transcript[:maxTranscriptLen]
	}
	w.enqueue(logMsg{kind: "transcript", id: id, transcript: transcript})
	return nil
}

// Close drains pending writes and stops the background goroutine.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}
