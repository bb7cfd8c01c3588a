package logscan

import (
	"regexp"

	"github.com/yokuradaisuke/backlog-migration/pkg/core"
)

// MaxMappingEntries caps how many "src => dst" mapping lines one run keeps.
const MaxMappingEntries = 24

var collapseSpace = regexp.MustCompile(`\s+`)

// Deduper enforces the per-run duplicate policy on classified lines.
// Not safe for concurrent use; the owning session serializes access.
type Deduper struct {
	seen           map[string]struct{}
	separatorSeen  bool
	headerSeen     bool
	confirmSeen    bool
	mappingEntries int
}

// NewDeduper returns an empty dedup state for a fresh run.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Admit reports whether a classified line should be kept given what this
// run has already surfaced.
func (d *Deduper) Admit(r Result) bool {
	if !r.Keep {
		return false
	}
	switch r.Category {
	case core.CategorySeparator:
		if d.separatorSeen {
			return false
		}
		d.separatorSeen = true
		return true
	case core.CategoryMappingHeader:
		if d.headerSeen {
			return false
		}
		d.headerSeen = true
		return true
	case core.CategoryMappingEntry:
		if d.mappingEntries >= MaxMappingEntries {
			return false
		}
		d.mappingEntries++
		return true
	case core.CategoryConfirm:
		if d.confirmSeen {
			return false
		}
		d.confirmSeen = true
		return true
	}

	key := collapseSpace.ReplaceAllString(r.Message, " ")
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Reset clears all dedup state for a new run.
func (d *Deduper) Reset() {
	d.seen = make(map[string]struct{})
	d.separatorSeen = false
	d.headerSeen = false
	d.confirmSeen = false
	d.mappingEntries = 0
}
