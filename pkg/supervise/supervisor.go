// Package supervise owns the lifecycle of one external subprocess per run:
// spawn, incremental output capture, automatic prompt answering, timeout
// enforcement, and termination.
package supervise

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
	"github.com/yokuradaisuke/backlog-migration/pkg/respond"
)

// Spec describes one process run.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// PromptCadence enables the prompt responder: affirmative answers are
	// written reactively on prompt-looking output and once per cadence
	// interval as a failsafe. Zero disables the responder entirely.
	PromptCadence time.Duration
}

// Result is the outcome of a completed run.
type Result struct {
	State    core.RunState
	ExitCode int
	Stdout   string
	Stderr   string
}

// Diagnostic returns the captured output most useful for a human
// diagnosing a failure: stderr, falling back to stdout.
func (r Result) Diagnostic() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Run is the handle for one spawned process.
type Run struct {
	Name      string
	PID       int
	StartedAt time.Time
	Args      []string

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responder *respond.Responder
	buf       *lineBuffer
	logger    *slog.Logger

	done   chan struct{}
	mu     sync.Mutex
	result Result
}

// Supervisor spawns and tracks external tool processes.
type Supervisor struct {
	logger *slog.Logger
}

// New creates a supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// terminateGrace is how long a SIGTERM'd process group gets before SIGKILL.
const terminateGrace = 10 * time.Second

// Run spawns the process and blocks until it exits, errors, or times out.
// The returned error wraps one of the package sentinels on failure; the
// Result always carries whatever output was captured.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (Result, error) {
	run, err := s.Launch(ctx, spec)
	if err != nil {
		return Result{State: core.RunErrored, ExitCode: -1}, err
	}
	res := run.Wait()
	switch res.State {
	case core.RunTimedOut:
		return res, fmt.Errorf("%s: %w after %s", spec.Name, ErrTimeout, spec.Timeout)
	case core.RunExitedNonZero:
		return res, fmt.Errorf("%s: %w (code %d)", spec.Name, ErrNonZeroExit, res.ExitCode)
	case core.RunErrored:
		return res, fmt.Errorf("%s: %w", spec.Name, ErrSpawn)
	}
	return res, nil
}

// Launch spawns the process and returns immediately. The run keeps
// executing in the background; callers observe it through Subscribe,
// Done, and Wait. This is the fire-and-continue mode: status can be
// recovered later from the durable log even if the caller goes away.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Run, error) {
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, spec.Path)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	run := &Run{
		Name:      spec.Name,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Args:      append([]string{spec.Path}, spec.Args...),
		cmd:       cmd,
		stdin:     stdin,
		buf:       newLineBuffer(),
		logger:    s.logger,
		done:      make(chan struct{}),
	}

	run.responder = respond.New(stdin, s.logger)
	if spec.PromptCadence > 0 {
		run.responder.Start(ctx, spec.PromptCadence)
	}

	s.logger.Info("process started",
		"name", spec.Name, "pid", run.PID, "path", spec.Path)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		scanLines(stdoutPipe, func(line string) {
			run.buf.write(core.SourceStdout, line)
			if spec.PromptCadence > 0 {
				run.responder.Observe(line)
			}
		})
	}()
	go func() {
		defer scanners.Done()
		scanLines(stderrPipe, func(line string) {
			run.buf.write(core.SourceStderr, line)
		})
	}()

	go run.reap(&scanners, spec.Timeout)

	return run, nil
}

// reap waits for exit or timeout, then resolves the run's result.
func (r *Run) reap(scanners *sync.WaitGroup, timeout time.Duration) {
	exited := make(chan error, 1)
	go func() {
		scanners.Wait()
		exited <- r.cmd.Wait()
	}()

	timedOut := false
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var waitErr error
	select {
	case waitErr = <-exited:
	case <-timer:
		timedOut = true
		syscall.Kill(-r.PID, syscall.SIGTERM)
		select {
		case waitErr = <-exited:
		case <-time.After(terminateGrace):
			syscall.Kill(-r.PID, syscall.SIGKILL)
			waitErr = <-exited
		}
	}

	r.responder.Stop()
	r.stdin.Close()

	exitCode := -1
	if r.cmd.ProcessState != nil {
		exitCode = r.cmd.ProcessState.ExitCode()
	}

	state := core.RunExitedZero
	switch {
	case timedOut:
		state = core.RunTimedOut
	case exitCode == 0:
		state = core.RunExitedZero
	case exitCode > 0:
		state = core.RunExitedNonZero
	default:
		state = core.RunErrored
	}

	r.mu.Lock()
	r.result = Result{
		State:    state,
		ExitCode: exitCode,
		Stdout:   r.buf.snapshot(core.SourceStdout),
		Stderr:   r.buf.snapshot(core.SourceStderr),
	}
	r.mu.Unlock()

	r.logger.Info("process exited",
		"name", r.Name, "pid", r.PID, "state", state,
		"exit_code", exitCode, "err", waitErr)

	close(r.done)
}

// Wait blocks until the run resolves and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Done is closed when the run has resolved.
func (r *Run) Done() <-chan struct{} { return r.done }

// Running reports whether the process is still alive.
func (r *Run) Running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Result returns the resolved result; the zero Result before resolution.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Subscribe returns a channel of captured output lines. Slow consumers
// drop lines rather than stall the capture pipeline.
func (r *Run) Subscribe() <-chan OutputLine { return r.buf.subscribe() }

// Unsubscribe releases a subscription channel.
func (r *Run) Unsubscribe(ch <-chan OutputLine) { r.buf.unsubscribe(ch) }

// Stop forcibly terminates the run: SIGTERM to the process group,
// SIGKILL after the grace period if it will not die.
func (r *Run) Stop() {
	if !r.Running() {
		return
	}
	syscall.Kill(-r.PID, syscall.SIGTERM)
	select {
	case <-r.done:
	case <-time.After(terminateGrace):
		syscall.Kill(-r.PID, syscall.SIGKILL)
	}
}

// scanLines reads lines from an io.Reader and calls fn for each.
func scanLines(rd io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
