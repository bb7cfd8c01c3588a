// Package migration sequences the four lifecycle phases of a run — init,
// mapping, execute, poll-to-completion — on top of the process supervisor
// and the log pipeline.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/config"
	"github.com/yokuradaisuke/backlog-migration/pkg/core"
	"github.com/yokuradaisuke/backlog-migration/pkg/logscan"
	"github.com/yokuradaisuke/backlog-migration/pkg/supervise"
	"github.com/yokuradaisuke/backlog-migration/pkg/tail"
)

// Params carries one run's credentials and tool options.
type Params struct {
	SrcKey     string
	SrcURL     string
	DstKey     string
	DstURL     string
	ProjectKey string // "SRC:DST" pair, as the tool expects

	FitIssueKey  bool
	ExcludeWiki  bool
	ExcludeIssue bool
	RetryCount   int
}

// defaultRetryCount is the tool's own default; the flag is only passed
// when the caller deviates from it.
const defaultRetryCount = 3

// Args builds the tool argument vector for a sub-command.
func (p Params) Args(subcommand string) []string {
	args := []string{
		subcommand,
		"--src.key", p.SrcKey,
		"--src.url", p.SrcURL,
		"--dst.key", p.DstKey,
		"--dst.url", p.DstURL,
		"--projectKey", p.ProjectKey,
	}
	if p.FitIssueKey {
		args = append(args, "--fitIssueKey")
	}
	if p.ExcludeWiki {
		args = append(args, "--exclude", "wiki")
	}
	if p.ExcludeIssue {
		args = append(args, "--exclude", "issue")
	}
	if p.RetryCount != 0 && p.RetryCount != defaultRetryCount {
		args = append(args, "--retryCount", strconv.Itoa(p.RetryCount))
	}
	return args
}

// Orchestrator drives the external migration tool through its lifecycle.
type Orchestrator struct {
	cfg     config.Config
	sup     *supervise.Supervisor
	logger  *slog.Logger
	session *Session
	// executing guards the single-active-execute-run invariant across the
	// whole start sequence, including the synchronous init that precedes
	// the background launch.
	executing atomic.Bool
}

// New creates an orchestrator.
func New(cfg config.Config, sup *supervise.Supervisor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		sup:     sup,
		logger:  logger,
		session: NewSession(),
	}
}

// Session exposes the current run context.
func (o *Orchestrator) Session() *Session { return o.session }

// InitResult is the outcome of the init phase.
type InitResult struct {
	Output        string
	DetailedLogs  string
	UsersFile     bool
	UsersListFile bool
}

// Init runs the tool's init sub-command synchronously. On success the
// tool has produced the mapping CSVs and the panel guarantees the
// project.json marker file exists.
func (o *Orchestrator) Init(ctx context.Context, p Params) (InitResult, error) {
	if err := o.cfg.EnsureDirs(); err != nil {
		return InitResult{}, err
	}

	res, err := o.sup.Run(ctx, supervise.Spec{
		Name:          "init",
		Path:          o.cfg.ToolPath,
		Args:          p.Args("init"),
		Dir:           o.cfg.BinDir,
		Timeout:       o.cfg.InitTimeout.Std(),
		PromptCadence: o.cfg.StreamPromptCadence.Std(),
	})

	out := InitResult{
		Output:       res.Stdout,
		DetailedLogs: o.tailToolLog(100),
	}
	if err != nil {
		out.Output = res.Diagnostic()
		return out, err
	}

	if err := o.ensureMarkerFile(); err != nil {
		o.logger.Warn("marker file setup failed", "err", err)
	}
	o.writeInitLog(res.Stdout + res.Stderr)

	out.UsersFile = fileExists(o.cfg.UsersCSV())
	out.UsersListFile = fileExists(o.cfg.UsersListCSV())
	o.logger.Info("init completed",
		"users_file", out.UsersFile, "users_list_file", out.UsersListFile)
	return out, nil
}

// Start runs init synchronously, then launches the execute sub-command in
// fire-and-continue mode: the call returns the PID as soon as the
// background run is spawned, and all output is appended to the durable
// execution log so status survives a client disconnect.
func (o *Orchestrator) Start(ctx context.Context, p Params) (pid int, err error) {
	if !o.executing.CompareAndSwap(false, true) {
		return 0, ErrRunActive
	}
	defer func() {
		if err != nil {
			o.executing.Store(false)
		}
	}()

	if err := o.cfg.EnsureDirs(); err != nil {
		return 0, err
	}
	o.session.Reset()

	initRes, err := o.sup.Run(ctx, supervise.Spec{
		Name:          "init",
		Path:          o.cfg.ToolPath,
		Args:          p.Args("init"),
		Dir:           o.cfg.BinDir,
		Timeout:       o.cfg.InitTimeout.Std(),
		PromptCadence: o.cfg.StreamPromptCadence.Std(),
	})
	if err != nil {
		o.writeInitLog(fmt.Sprintf("%s%s\nInit failed with code %d\n",
			initRes.Stdout, initRes.Stderr, initRes.ExitCode))
		return 0, fmt.Errorf("init before execute: %w", err)
	}
	o.writeInitLog(initRes.Stdout + initRes.Stderr)
	o.ensureMarkerFile()

	run, err := o.sup.Launch(ctx, supervise.Spec{
		Name:          "execute",
		Path:          o.cfg.ToolPath,
		Args:          p.Args("execute"),
		Dir:           o.cfg.BinDir,
		PromptCadence: o.cfg.BackgroundPromptCadence.Std(),
	})
	if err != nil {
		return 0, err
	}
	o.session.SetRun(run)
	o.writeProcessInfo(run)

	go o.recordRun(run)

	o.logger.Info("migration started in background", "pid", run.PID)
	return run.PID, nil
}

// recordRun copies the background run's output to the durable execution
// log and appends a completion sentinel when it exits, then releases the
// single-run gate.
func (o *Orchestrator) recordRun(run *supervise.Run) {
	defer o.executing.Store(false)

	f, err := os.OpenFile(o.cfg.ExecLogFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Error("cannot open execution log", "err", err)
		run.Wait()
		return
	}
	defer f.Close()

	ch := run.Subscribe()
	defer run.Unsubscribe(ch)

	for {
		select {
		case line := <-ch:
			fmt.Fprintln(f, line.Text)
		case <-run.Done():
			// Drain anything the subscriber buffered before exit.
			for {
				select {
				case line := <-ch:
					fmt.Fprintln(f, line.Text)
				default:
					res := run.Result()
					if res.ExitCode == 0 {
						fmt.Fprintln(f, "移行が正常に完了しました。")
					} else {
						fmt.Fprintf(f, "移行がエラーで終了しました (code: %d)\n", res.ExitCode)
					}
					o.logger.Info("background run finished",
						"pid", run.PID, "exit_code", res.ExitCode, "state", res.State)
					return
				}
			}
		}
	}
}

// StreamEvent is one event of the live execute stream.
type StreamEvent struct {
	Type    string      `json:"type"` // log | console | error | complete
	Level   core.Level  `json:"level,omitempty"`
	Message string      `json:"message,omitempty"`
	Source  core.Source `json:"source,omitempty"`
	Success bool        `json:"success,omitempty"`
	Output  string      `json:"output,omitempty"`
}

// ExecuteStream launches the execute sub-command and feeds live events to
// emit: console lines as they arrive, tool log-file lines on a one-second
// tail, and a final complete event. It blocks until the run resolves or
// ctx is cancelled; cancellation stops the stream but not the run, which
// is bounded by its own timeout.
func (o *Orchestrator) ExecuteStream(ctx context.Context, p Params, emit func(StreamEvent)) error {
	if !o.executing.CompareAndSwap(false, true) {
		return ErrRunActive
	}
	defer o.executing.Store(false)

	if err := o.cfg.EnsureDirs(); err != nil {
		return err
	}
	o.session.Reset()

	run, err := o.sup.Launch(ctx, supervise.Spec{
		Name:          "execute",
		Path:          o.cfg.ToolPath,
		Args:          p.Args("execute"),
		Dir:           o.cfg.BinDir,
		Timeout:       o.cfg.ExecuteTimeout.Std(),
		PromptCadence: o.cfg.StreamPromptCadence.Std(),
	})
	if err != nil {
		return err
	}
	o.session.SetRun(run)

	// Tail the tool's own log file from its current end.
	tailCtx, stopTail := context.WithCancel(ctx)
	defer stopTail()
	logLines := make(chan string, 100)
	watcher := tail.NewWatcher(o.cfg.ToolLogFile(), tail.FileSize(o.cfg.ToolLogFile()),
		o.cfg.TailInterval.Std(), o.logger)
	go watcher.Run(tailCtx, logLines)

	consoleLines := run.Subscribe()
	defer run.Unsubscribe(consoleLines)

	for {
		select {
		case <-ctx.Done():
			// Client went away. The run continues under its own timeout;
			// status is recoverable through the log poller.
			return nil
		case raw := <-logLines:
			line := logscan.Clean(raw)
			if line == "" {
				continue
			}
			emit(StreamEvent{
				Type:    "log",
				Level:   logscan.DetectLevel(line),
				Message: "[詳細ログ] " + line,
				Source:  core.SourceLogfile,
			})
		case out := <-consoleLines:
			line := strings.TrimSpace(out.Text)
			if line == "" {
				continue
			}
			if out.Source == core.SourceStderr {
				emit(StreamEvent{
					Type:    "error",
					Level:   core.LevelError,
					Message: "[エラー] " + line,
					Source:  core.SourceStderr,
				})
				continue
			}
			emit(StreamEvent{
				Type:    "console",
				Level:   logscan.DetectLevel(line),
				Message: "[コンソール] " + line,
				Source:  core.SourceStdout,
			})
		case <-run.Done():
			// Give the log tail one final pass before completing.
			stopTail()
			deadline := time.After(2 * time.Second)
		drain:
			for {
				select {
				case raw, ok := <-logLines:
					if !ok {
						break drain
					}
					line := logscan.Clean(raw)
					if line == "" {
						continue
					}
					emit(StreamEvent{
						Type:    "log",
						Level:   logscan.DetectLevel(line),
						Message: "[詳細ログ] " + line,
						Source:  core.SourceLogfile,
					})
				case <-deadline:
					break drain
				}
			}

			res := run.Result()
			switch {
			case res.State == core.RunTimedOut:
				emit(StreamEvent{Type: "error", Level: core.LevelError,
					Message: "タイムアウトしました"})
			case res.ExitCode == 0:
				emit(StreamEvent{Type: "complete", Success: true,
					Message: "移行が完了しました", Output: res.Stdout})
			default:
				emit(StreamEvent{Type: "complete", Success: false,
					Message: "移行に失敗しました", Output: res.Diagnostic()})
			}
			return nil
		}
	}
}

// ProcessInfo describes the active background run, persisted so polling
// works across daemon restarts and client reloads.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Args      []string  `json:"args"`
}

// PollResult is one answer to the log-polling operation.
type PollResult struct {
	Logs              []core.LogLine       `json:"logs"`
	Status            core.MigrationStatus `json:"status"`
	ProcessInfo       *ProcessInfo         `json:"processInfo"`
	MigrationComplete bool                 `json:"migrationComplete"`
	Timestamp         int64                `json:"timestamp"`
}

// pollFiles are tailed in priority order: the durable execution log, the
// saved init output, then the tool's own log.
func (o *Orchestrator) pollFiles() []string {
	return []string{o.cfg.ExecLogFile(), o.cfg.InitLogFile(), o.cfg.ToolLogFile()}
}

// PollLogs advances the session's tail cursors over all known log files,
// classifies and dedups the new lines, and derives the coarse status.
func (o *Orchestrator) PollLogs(ctx context.Context) (PollResult, error) {
	for _, path := range o.pollFiles() {
		if ctx.Err() != nil {
			return PollResult{}, ctx.Err()
		}
		cursor := o.session.Cursor(path)
		lines, cursor, err := tail.Poll(cursor)
		if err != nil {
			o.logger.Warn("log poll failed", "path", path, "err", err)
			continue
		}
		o.session.SetCursor(cursor)
		o.session.Ingest(core.SourceLogfile, lines)
	}

	completed, failed := o.session.Markers()
	status := core.StatusRunning
	if completed {
		status = core.StatusCompleted
	} else if failed {
		status = core.StatusError
	}

	result := PollResult{
		Logs:      o.session.Lines(),
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}

	if info, err := o.readProcessInfo(); err == nil {
		result.ProcessInfo = info
	}

	// Final check: a marker file the tool stops touching means the run
	// ended even if no success string ever appeared.
	if stat, err := os.Stat(o.cfg.ProjectJSON()); err == nil {
		if time.Since(stat.ModTime()) > markerFileStaleAfter && status != core.StatusError {
			result.MigrationComplete = true
			result.Status = core.StatusCompleted
		}
	}

	return result, nil
}

func (o *Orchestrator) writeProcessInfo(run *supervise.Run) {
	info := ProcessInfo{PID: run.PID, StartedAt: run.StartedAt, Args: run.Args}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(o.cfg.ProcessInfoFile(), data, 0o644); err != nil {
		o.logger.Warn("cannot write process info", "err", err)
	}
}

func (o *Orchestrator) readProcessInfo() (*ProcessInfo, error) {
	data, err := os.ReadFile(o.cfg.ProcessInfoFile())
	if err != nil {
		return nil, err
	}
	var info ProcessInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// writeInitLog saves the init phase's full output plus a section holding
// only the lines the classifier considers important.
func (o *Orchestrator) writeInitLog(output string) {
	var important []string
	for _, raw := range strings.Split(output, "\n") {
		if r := logscan.Classify(raw); r.Keep {
			important = append(important, r.Message)
		}
	}
	content := output
	if len(important) > 0 {
		content += "\n=== 重要な情報 ===\n" + strings.Join(important, "\n") + "\n"
	}
	if err := os.WriteFile(o.cfg.InitLogFile(), []byte(content), 0o644); err != nil {
		o.logger.Warn("cannot write init log", "err", err)
	}
}

// ensureMarkerFile makes sure project.json exists so the stale-mtime
// completion check has something to watch.
func (o *Orchestrator) ensureMarkerFile() error {
	path := o.cfg.ProjectJSON()
	if fileExists(path) {
		return nil
	}
	return os.WriteFile(path, []byte("{}"), 0o644)
}

// tailToolLog returns the last n lines of the tool's own log file.
func (o *Orchestrator) tailToolLog(n int) string {
	data, err := os.ReadFile(o.cfg.ToolLogFile())
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
