package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	levelInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	levelWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	levelError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	levelSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusCompleted = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	statusFailed    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the watch screen.
func (a App) View() string {
	if !a.ready {
		return "loading..."
	}

	title := titleStyle.Render(" Backlog Migration ")
	header := title + " " + a.renderStatus()
	if a.info != nil {
		header += dimStyle.Render(fmt.Sprintf("  pid %d", a.info.PID))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		a.vp.View(),
		a.renderStatusBar(),
	)
}

func (a App) renderLines() string {
	if len(a.lines) == 0 {
		return dimStyle.Render("waiting for log output...")
	}
	var b strings.Builder
	for _, line := range a.lines {
		stamp := dimStyle.Render(line.Timestamp.Format("15:04:05"))
		b.WriteString(stamp + " " + colorLevel(line.Level).Render(line.Message) + "\n")
	}
	return b.String()
}

func (a App) renderStatus() string {
	switch a.status {
	case core.StatusCompleted:
		return statusCompleted.Render("✔ completed")
	case core.StatusError:
		return statusFailed.Render("✖ error")
	default:
		return statusRunning.Render(fmt.Sprintf("● %s (%ds)", a.status, a.ticks))
	}
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if left == "" && !a.follow {
		left = "scrolled (follow off)"
	}
	right := "space:follow g/G:top/bottom q:quit"
	if a.done {
		right = "q:quit"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func colorLevel(level core.Level) lipgloss.Style {
	switch level {
	case core.LevelError:
		return levelError
	case core.LevelWarn:
		return levelWarn
	case core.LevelSuccess:
		return levelSuccess
	default:
		return levelInfo
	}
}
