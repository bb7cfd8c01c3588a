// Package respond auto-answers the migration tool's interactive prompts.
//
// The tool asks yes/no questions on stdin at unpredictable moments, and
// occasionally re-asks. Two mechanisms cover it: a reactive write whenever
// recent output looks like a prompt, and a cadence write as a failsafe for
// prompts the scanner misses. Both are deliberate redundancy and both hang
// off a single Stop signal.
package respond

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// promptMarkers are substrings that indicate the tool is waiting for input.
var promptMarkers = []string{
	"(y/n",
	"インポートしますか",
	"続行しますか",
	"実行しますか",
	"既に存在します",
	"[n]:",
	"？",
	"?",
}

// reactiveRepeat is how many affirmative answers one prompt match triggers.
// The tool sometimes reads stdin slower than it prompts.
const reactiveRepeat = 3

// cadenceLimit stops the failsafe writer even if nobody calls Stop.
const cadenceLimit = 5 * time.Minute

// IsPrompt reports whether a line of tool output looks like a confirmation
// prompt.
func IsPrompt(line string) bool {
	for _, m := range promptMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// Responder writes affirmative answers to a subprocess's stdin.
type Responder struct {
	stdin  io.Writer
	answer string
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// New creates a responder for the given stdin pipe.
func New(stdin io.Writer, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{stdin: stdin, answer: "y\n", logger: logger}
}

// Start launches the cadence writer. It writes one affirmative answer per
// interval regardless of prompt detection, until Stop, context
// cancellation, or the five-minute cadence limit.
func (r *Responder) Start(ctx context.Context, interval time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, cadenceLimit)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				r.write(1)
			}
		}
	}()
}

// Observe scans one chunk of tool output and answers reactively on a
// prompt match.
func (r *Responder) Observe(line string) {
	if !IsPrompt(line) {
		return
	}
	if r.write(reactiveRepeat) {
		r.logger.Info("answered prompt", "line", strings.TrimSpace(line))
	}
}

// Stop cancels the cadence writer and makes all further writes no-ops.
// Safe to call more than once.
func (r *Responder) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// write sends n affirmative answers. Writing to an already-closed pipe
// must not raise; the error is logged at debug and swallowed.
func (r *Responder) write(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.stdin == nil {
		return false
	}
	for i := 0; i < n; i++ {
		if _, err := io.WriteString(r.stdin, r.answer); err != nil {
			r.logger.Debug("stdin write failed", "err", err)
			return false
		}
	}
	return true
}
