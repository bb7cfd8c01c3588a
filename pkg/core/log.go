package core

import "time"

// Level is the severity assigned to a classified log line.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Source identifies where a log line was read from.
type Source string

const (
	SourceStdout  Source = "stdout"
	SourceStderr  Source = "stderr"
	SourceLogfile Source = "logfile"
)

// Category groups classified lines for per-category dedup limits.
type Category string

const (
	CategoryGeneral       Category = "general"
	CategorySeparator     Category = "separator"
	CategoryMappingHeader Category = "mapping-header"
	CategoryMappingEntry  Category = "mapping-entry"
	CategoryConfirm       Category = "confirm"
)

// LogLine is one classified log entry. Immutable once created.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Source    Source    `json:"source"`
}
