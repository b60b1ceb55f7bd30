package session

import (
	"strings"
	"sync"

	"github.com/calliope-labs/voicelink/internal/wire"
)

// Line is one attributed transcript entry.
type Line struct {
	Role wire.Role
	Text string
}

// transcriptBuffer accumulates conversation lines in arrival order. The
// only rewriting it does is suppressing consecutive duplicates, which the
// agent emits when it re-sends a fragment after a reconnect.
type transcriptBuffer struct {
	mu    sync.Mutex
	lines []Line
}

// append adds a line unless it exactly repeats the previous one.
func (b *transcriptBuffer) append(role wire.Role, text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.lines); n > 0 {
		last := b.lines[n-1]
		if last.Role == role && last.Text == text {
			return
		}
	}
	b.lines = append(b.lines, Line{Role: role, Text: text})
}

func (b *transcriptBuffer) snapshot() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Line(nil), b.lines...)
}

// render flattens the buffer into the persisted transcript form.
func (b *transcriptBuffer) render() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, l := range b.lines {
		sb.WriteString(string(l.Role))
		sb.WriteString(": ")
		sb.WriteString(l.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *transcriptBuffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines) == 0
}
