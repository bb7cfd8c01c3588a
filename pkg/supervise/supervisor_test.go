package supervise

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Success(t *testing.T) {
	s := New(nil)
	res, err := s.Run(context.Background(), Spec{
		Name:    "ok",
		Path:    script(t, `echo hello; echo oops >&2`),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != core.RunExitedZero || res.ExitCode != 0 {
		t.Errorf("state=%v code=%d", res.State, res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	s := New(nil)
	res, err := s.Run(context.Background(), Spec{
		Name:    "fail",
		Path:    script(t, `echo diagnostic >&2; exit 3`),
		Timeout: 10 * time.Second,
	})
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("err = %v, want ErrNonZeroExit", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Diagnostic(), "diagnostic") {
		t.Errorf("diagnostic = %q", res.Diagnostic())
	}
}

func TestRun_ToolNotFound(t *testing.T) {
	s := New(nil)
	_, err := s.Run(context.Background(), Spec{
		Name: "missing",
		Path: filepath.Join(t.TempDir(), "no-such-tool"),
	})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestRun_Timeout(t *testing.T) {
	s := New(nil)
	start := time.Now()
	res, err := s.Run(context.Background(), Spec{
		Name:    "hang",
		Path:    script(t, `sleep 60`),
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if res.State != core.RunTimedOut {
		t.Errorf("state = %v, want timed-out", res.State)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestLaunch_FireAndContinue(t *testing.T) {
	s := New(nil)
	run, err := s.Launch(context.Background(), Spec{
		Name:    "bg",
		Path:    script(t, `echo first; sleep 0.2; echo second`),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.PID <= 0 {
		t.Errorf("pid = %d", run.PID)
	}
	if !run.Running() {
		t.Error("run not running immediately after launch")
	}

	ch := run.Subscribe()
	defer run.Unsubscribe(ch)

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case line := <-ch:
			got = append(got, line.Text)
		case <-timeout:
			t.Fatalf("only received %v", got)
		}
	}

	res := run.Wait()
	if res.State != core.RunExitedZero {
		t.Errorf("state = %v", res.State)
	}
	if run.Running() {
		t.Error("still running after Wait")
	}
}

func TestLaunch_PromptAnswered(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "answered")
	// The script prompts, then records whatever arrives on stdin.
	body := `echo "インポートしますか (y/n [n]:"
read answer
echo "$answer" > ` + marker
	s := New(nil)
	run, err := s.Launch(context.Background(), Spec{
		Name:          "prompt",
		Path:          script(t, body),
		Timeout:       10 * time.Second,
		PromptCadence: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	res := run.Wait()
	if res.State != core.RunExitedZero {
		t.Fatalf("state = %v, stderr = %q", res.State, res.Stderr)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != "y" {
		t.Errorf("answer = %q, want y", data)
	}
}
