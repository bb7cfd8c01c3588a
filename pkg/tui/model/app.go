// Package model is the Bubble Tea model of the migration watch screen:
// it polls the daemon's log endpoint once a second and renders the
// classified feed until the run reaches a terminal status.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
)

// maxTicks caps the watch session. A migration still not terminal after
// ten minutes of polling needs human attention, not more polling.
const maxTicks = 600

// App is the root Bubble Tea model.
type App struct {
	baseURL string
	client  *http.Client

	lines  []core.LogLine
	status core.MigrationStatus
	info   *migration.ProcessInfo
	ticks  int
	done   bool
	follow bool

	vp        viewport.Model
	ready     bool
	width     int
	height    int
	statusMsg string
}

// New creates the watch model pointed at the daemon's base URL.
func New(baseURL string) App {
	return App{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		status:  core.StatusRunning,
		follow:  true,
	}
}

// Init starts the poll loop.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		pollCmd(a.client, a.baseURL),
		tea.SetWindowTitle("backlog-migration watch"),
	)
}

// tickMsg triggers the next poll.
type tickMsg time.Time

// pollMsg carries one poll result from the daemon.
type pollMsg migration.PollResult

// errorMsg carries an error to display.
type errorMsg struct{ err error }

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func pollCmd(client *http.Client, baseURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			baseURL+"/api/migration/logs", nil)
		if err != nil {
			return errorMsg{err}
		}
		resp, err := client.Do(req)
		if err != nil {
			return errorMsg{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errorMsg{fmt.Errorf("daemon returned %s", resp.Status)}
		}

		var res migration.PollResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return errorMsg{err}
		}
		return pollMsg(res)
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		vpHeight := max(msg.Height-4, 3)
		if !a.ready {
			a.vp = viewport.New(msg.Width, vpHeight)
			a.ready = true
		} else {
			a.vp.Width = msg.Width
			a.vp.Height = vpHeight
		}
		a.vp.SetContent(a.renderLines())
		return a, nil

	case tickMsg:
		if a.done {
			return a, nil
		}
		a.ticks++
		if a.ticks >= maxTicks {
			a.done = true
			a.statusMsg = "watch timed out; the migration may still be running"
			return a, nil
		}
		return a, pollCmd(a.client, a.baseURL)

	case pollMsg:
		// Entries are cumulative; only the lines beyond what we have
		// already seen are new.
		if len(msg.Logs) > len(a.lines) {
			a.lines = msg.Logs
			a.vp.SetContent(a.renderLines())
			if a.follow {
				a.vp.GotoBottom()
			}
		}
		a.status = msg.Status
		a.info = msg.ProcessInfo
		a.statusMsg = ""
		if a.status.Terminal() {
			a.done = true
			return a, nil
		}
		return a, tickCmd()

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		if a.done {
			return a, nil
		}
		return a, tickCmd()

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return a, tea.Quit

	case " ":
		a.follow = !a.follow
		if a.follow {
			a.vp.GotoBottom()
		}
		return a, nil

	case "g":
		a.follow = false
		a.vp.GotoTop()
		return a, nil
	case "G":
		a.follow = true
		a.vp.GotoBottom()
		return a, nil
	}

	// Scrolling detaches from follow mode.
	var cmd tea.Cmd
	before := a.vp.YOffset
	a.vp, cmd = a.vp.Update(msg)
	if a.vp.YOffset != before {
		a.follow = a.vp.AtBottom()
	}
	return a, cmd
}

// Done reports whether the watch has reached a terminal state, for
// callers that run the model headless in tests.
func (a App) Done() bool { return a.done }

// Status returns the last polled migration status.
func (a App) Status() core.MigrationStatus { return a.status }
