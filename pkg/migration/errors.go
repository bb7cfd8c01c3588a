package migration

import "errors"

var (
	// ErrMappingNotFound means the mapping CSV has not been generated yet.
	ErrMappingNotFound = errors.New("mapping file not found")
	// ErrParseUsers means the helper script's JSON output was malformed.
	ErrParseUsers = errors.New("cannot parse destination users")
	// ErrRunActive means an execute run is already in flight; only one may
	// exist per orchestrator at a time.
	ErrRunActive = errors.New("a migration run is already active")
)
