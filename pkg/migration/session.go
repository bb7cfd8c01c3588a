package migration

import (
	"sync"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
	"github.com/yokuradaisuke/backlog-migration/pkg/logscan"
	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
	"github.com/yokuradaisuke/backlog-migration/pkg/tail"
)

// Session is the explicitly owned per-run state: accumulated classified
// log lines, dedup state, tail cursors, the active background run, and
// the marker flags status derivation needs. Created on init, reset when
// a new run starts, torn down with the orchestrator.
type Session struct {
	mu            sync.Mutex
	lines         []core.LogLine
	dedup         *logscan.Deduper
	cursors       map[string]tail.Cursor
	run           *supervise.Run
	completedSeen bool
	errorSeen     bool
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{
		dedup:   logscan.NewDeduper(),
		cursors: make(map[string]tail.Cursor),
	}
}

// Reset discards all accumulated state for a fresh run. The active run
// reference is cleared but the process itself is not touched; callers
// decide whether to stop it first.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.dedup.Reset()
	s.cursors = make(map[string]tail.Cursor)
	s.run = nil
	s.completedSeen = false
	s.errorSeen = false
}

// Ingest classifies raw lines from one source file/stream, applies the
// dedup policy, appends survivors, and records status markers seen in
// the raw text (markers count even when the line itself is not kept).
func (s *Session) Ingest(source core.Source, rawLines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range rawLines {
		cleaned := logscan.Clean(raw)
		if containsAny(cleaned, completedMarkers) {
			s.completedSeen = true
		}
		if containsAny(cleaned, errorMarkers) {
			s.errorSeen = true
		}

		r := logscan.Classify(raw)
		if !s.dedup.Admit(r) {
			continue
		}
		s.lines = append(s.lines, core.LogLine{
			Timestamp: time.Now(),
			Level:     r.Level,
			Message:   r.Message,
			Source:    source,
		})
	}
}

// Lines returns a copy of all accumulated lines, oldest first.
func (s *Session) Lines() []core.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LogLine, len(s.lines))
	copy(out, s.lines)
	return out
}

// Cursor returns the tail cursor for a path, creating it at offset zero.
func (s *Session) Cursor(path string) tail.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[path]; ok {
		return c
	}
	c := tail.Cursor{Path: path}
	s.cursors[path] = c
	return c
}

// SetCursor stores an advanced cursor.
func (s *Session) SetCursor(c tail.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.Path] = c
}

// SetRun records the active background run. The single-run gate lives in
// the orchestrator; callers only reach here after winning it.
func (s *Session) SetRun(run *supervise.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

// Run returns the active background run, or nil.
func (s *Session) Run() *supervise.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Markers reports the status marker flags observed so far.
func (s *Session) Markers() (completed, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedSeen, s.errorSeen
}
