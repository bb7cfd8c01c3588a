// Package tail incrementally reads newly appended bytes of growing files.
package tail

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Cursor tracks how far into a file a tailer has read.
// The offset never moves backwards and never exceeds the file size,
// except that truncation (rotation) resets it to zero.
type Cursor struct {
	Path   string
	Offset int64
}

// Poll reads complete lines appended to the file since the cursor.
// A missing file is not an error: it returns no lines and the cursor
// unchanged. A trailing partial line (no newline yet) is left for the
// next poll; the dedup layer absorbs the eventual re-read.
func Poll(c Cursor) ([]string, Cursor, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, c, nil
		}
		return nil, c, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, c, err
	}

	size := info.Size()
	if size < c.Offset {
		// Truncated or rotated underneath us; start over.
		c.Offset = 0
	}
	if size == c.Offset {
		return nil, c, nil
	}

	buf := make([]byte, size-c.Offset)
	n, err := f.ReadAt(buf, c.Offset)
	if err != nil && err != io.EOF {
		return nil, c, err
	}
	buf = buf[:n]

	// Advance only past the last complete line.
	end := strings.LastIndexByte(string(buf), '\n')
	if end < 0 {
		return nil, c, nil
	}
	chunk := string(buf[:end+1])
	c.Offset += int64(end + 1)

	var lines []string
	for _, line := range strings.Split(chunk, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, c, nil
}

// Watcher polls a file on a fixed cadence and emits appended lines.
type Watcher struct {
	cursor   Cursor
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher starting at the given offset. Pass the
// file's current size to skip history, or 0 to read from the beginning.
func NewWatcher(path string, startOffset int64, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cursor:   Cursor{Path: path, Offset: startOffset},
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled, sending each appended line to out.
// A final poll runs after cancellation so lines written just before the
// watched process exited are not lost.
func (w *Watcher) Run(ctx context.Context, out chan<- string) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(out)
			return
		case <-ticker.C:
			w.poll(ctx, out)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, out chan<- string) {
	lines, cur, err := Poll(w.cursor)
	if err != nil {
		w.logger.Warn("tail poll failed", "path", w.cursor.Path, "err", err)
		return
	}
	w.cursor = cur
	for _, line := range lines {
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) drain(out chan<- string) {
	lines, cur, err := Poll(w.cursor)
	if err != nil {
		return
	}
	w.cursor = cur
	for _, line := range lines {
		select {
		case out <- line:
		default:
			return
		}
	}
}

// FileSize returns the current size of the file, or 0 if it does not exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
