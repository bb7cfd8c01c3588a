package supervise

import (
	"sync"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
)

// OutputLine is one raw line captured from a child process stream,
// before classification.
type OutputLine struct {
	Time   time.Time
	Source core.Source
	Text   string
}

// lineBuffer is a bounded buffer of recent output lines with subscriber
// channels for near-real-time consumers.
type lineBuffer struct {
	mu    sync.Mutex
	lines []OutputLine
	subs  []chan OutputLine
}

const bufferCap = 1000

func newLineBuffer() *lineBuffer {
	return &lineBuffer{}
}

func (b *lineBuffer) write(source core.Source, text string) {
	entry := OutputLine{Time: time.Now(), Source: source, Text: text}
	b.mu.Lock()
	b.lines = append(b.lines, entry)
	if len(b.lines) > bufferCap {
		b.lines = b.lines[len(b.lines)-bufferCap:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *lineBuffer) subscribe() <-chan OutputLine {
	ch := make(chan OutputLine, 100)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *lineBuffer) unsubscribe(ch <-chan OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// snapshot returns all buffered lines for a given source joined by newlines.
func (b *lineBuffer) snapshot(source core.Source) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []byte
	for _, l := range b.lines {
		if l.Source == source {
			out = append(out, l.Text...)
			out = append(out, '\n')
		}
	}
	return string(out)
}
