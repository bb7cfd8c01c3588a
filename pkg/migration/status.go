package migration

import (
	"strings"
	"time"
)

// Coarse status is derived from heuristic text markers in the tool's
// output. This is fragile by nature; every marker the system relies on
// lives here so a structured protocol could replace them in one place.

var completedMarkers = []string{
	"インポートが完了しました",
	"移行が正常に完了しました",
	"Migration completed",
}

var errorMarkers = []string{
	"移行中にエラーが発生しました",
	"Init failed",
	"Migration start error",
}

// markerFileStaleAfter: if the tool's project.json has not been touched
// for this long and no error was seen, the run is considered complete.
// Covers tool versions that exit without printing a success string.
const markerFileStaleAfter = 30 * time.Second

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
