package respond

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestIsPrompt(t *testing.T) {
	prompts := []string{
		"インポートしますか (y/n [n]:",
		"プロジェクトが既に存在します",
		"移行を実行しますか？",
		"continue? ",
	}
	for _, line := range prompts {
		if !IsPrompt(line) {
			t.Errorf("IsPrompt(%q) = false, want true", line)
		}
	}
	if IsPrompt("エクスポートを開始します") {
		t.Error("plain progress line matched as prompt")
	}
}

func TestObserve_WritesThreeAnswers(t *testing.T) {
	var buf safeBuffer
	r := New(&buf, nil)
	r.Observe("インポートしますか (y/n [n]:")
	if got := strings.Count(buf.String(), "y\n"); got != 3 {
		t.Errorf("wrote %d answers, want 3", got)
	}
}

func TestObserve_IgnoresNonPrompt(t *testing.T) {
	var buf safeBuffer
	r := New(&buf, nil)
	r.Observe("エクスポートを開始します")
	if buf.String() != "" {
		t.Errorf("wrote %q for non-prompt", buf.String())
	}
}

func TestCadenceWrites(t *testing.T) {
	var buf safeBuffer
	r := New(&buf, nil)
	r.Start(context.Background(), 10*time.Millisecond)
	defer r.Stop()

	deadline := time.After(time.Second)
	for strings.Count(buf.String(), "y\n") < 2 {
		select {
		case <-deadline:
			t.Fatalf("cadence wrote %q within 1s", buf.String())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStop_SilencesAllWriters(t *testing.T) {
	var buf safeBuffer
	r := New(&buf, nil)
	r.Start(context.Background(), 5*time.Millisecond)
	r.Stop()
	time.Sleep(20 * time.Millisecond)
	before := buf.String()

	r.Observe("実行しますか？")
	time.Sleep(20 * time.Millisecond)
	if buf.String() != before {
		t.Error("writes continued after Stop")
	}
}

func TestClosedPipeDoesNotPanic(t *testing.T) {
	r := New(failWriter{}, nil)
	r.Observe("実行しますか？") // must not panic
	r.Stop()
}
