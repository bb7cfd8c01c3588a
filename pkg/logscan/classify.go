// Package logscan classifies raw output of the backlog-migration tool into
// log lines worth surfacing, and enforces the per-run dedup policy.
//
// The tool reports progress as free text, so everything here is heuristic
// string matching. Keeping it in one place means the marker lists can be
// swapped for a structured protocol without touching the tail or supervise
// pipelines.
package logscan

import (
	"regexp"
	"strings"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
)

// Result is the outcome of classifying one raw line.
type Result struct {
	Keep     bool
	Level    core.Level
	Category core.Category
	// Message is the cleaned line (control sequences stripped, trimmed).
	Message string
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	// Fragments left behind when the escape byte was already eaten upstream.
	bareCursor = regexp.MustCompile(`\[\d*[ADK]|\[2K|\[999D|\[\d*m`)

	logTimestamp  = regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d{3}`)
	progressLine  = regexp.MustCompile(`\[\d+/\d+\].*\d+\.\d+%`)
	percentOnly   = regexp.MustCompile(`\d+\.\d+%`)
	mappingEntry  = regexp.MustCompile(`^- .+ => .+$`)
	separatorLine = strings.Repeat("-", 50)
)

const mappingHeaderMarker = "ユーザーのマッピングは次のようになります"
const confirmMarker = "移行を実行しますか"

// Lines containing any of these are log-framework noise, never surfaced.
var noiseMarkers = []string{
	"scala-execution-context",
	"main-actor-system",
	"INFO c.n.b.m.common",
}

// importantMarkers is the allow-list of substrings that make a line worth
// keeping. Everything else is dropped to keep the feed readable.
var importantMarkers = []string{
	"移行元 URL[",
	"移行先 URL[",
	"移行元 アクセスキー[",
	"移行先 アクセスキー[",
	"移行元 プロジェクトキー[",
	"移行先 プロジェクトキー[",
	"移行元",
	"移行先",
	"フィルター",
	"アクセス可能かチェック",
	"プロジェクトを取得",
	"情報を収集",
	"収集が完了しました",
	"マッピングファイルを作成",
	"エクスポートを開始",
	"エクスポートが完了",
	"コンバートを開始",
	"コンバートが完了",
	"インポートを開始",
	"インポートが完了",
	"移行が正常に完了",
	"エラーが発生",
	"完了",
	"###",
	mappingHeaderMarker,
	confirmMarker,
}

var errorTokens = []string{"エラー", "失敗", "ERROR", "Exception", "Failed"}
var warnTokens = []string{"WARNING", "WARN", "警告"}
var successTokens = []string{"完了", "成功", "SUCCESS", "Completed"}

// Clean strips terminal control sequences and surrounding whitespace.
func Clean(raw string) string {
	s := ansiEscape.ReplaceAllString(raw, "")
	s = bareCursor.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// DetectLevel assigns a severity to a cleaned line. Error tokens win over
// warning tokens, which win over success tokens; the default is info.
func DetectLevel(line string) core.Level {
	for _, t := range errorTokens {
		if strings.Contains(line, t) {
			return core.LevelError
		}
	}
	for _, t := range warnTokens {
		if strings.Contains(line, t) {
			return core.LevelWarn
		}
	}
	for _, t := range successTokens {
		if strings.Contains(line, t) {
			return core.LevelSuccess
		}
	}
	return core.LevelInfo
}

// Classify decides whether a raw line should be surfaced and at which level.
// Pure: no state, safe to call from anywhere.
func Classify(raw string) Result {
	line := Clean(raw)
	if line == "" {
		return Result{}
	}

	// Framework noise: timestamped internals and actor-system chatter.
	if logTimestamp.MatchString(line) {
		return Result{}
	}
	for _, m := range noiseMarkers {
		if strings.Contains(line, m) {
			return Result{}
		}
	}

	if !isImportant(line) {
		return Result{}
	}

	return Result{
		Keep:     true,
		Level:    DetectLevel(line),
		Category: categorize(line),
		Message:  line,
	}
}

func isImportant(line string) bool {
	if line == separatorLine {
		return true
	}
	if progressLine.MatchString(line) || percentOnly.MatchString(line) {
		return true
	}
	if mappingEntry.MatchString(line) {
		return true
	}
	for _, m := range importantMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func categorize(line string) core.Category {
	switch {
	case line == separatorLine:
		return core.CategorySeparator
	case strings.Contains(line, mappingHeaderMarker):
		return core.CategoryMappingHeader
	case mappingEntry.MatchString(line):
		return core.CategoryMappingEntry
	case strings.Contains(line, confirmMarker):
		return core.CategoryConfirm
	default:
		return core.CategoryGeneral
	}
}
