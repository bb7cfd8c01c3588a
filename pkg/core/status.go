package core

// MigrationStatus is the coarse lifecycle state of one migration.
type MigrationStatus string

const (
	StatusIdle            MigrationStatus = "idle"
	StatusInitializing    MigrationStatus = "initializing"
	StatusMappingComplete MigrationStatus = "mapping-complete"
	StatusRunning         MigrationStatus = "running"
	StatusExecuting       MigrationStatus = "executing"
	StatusCompleted       MigrationStatus = "completed"
	StatusError           MigrationStatus = "error"
)

// Terminal reports whether the status ends a run.
func (s MigrationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// RunState is the lifecycle state of one supervised process run.
type RunState string

const (
	RunNotStarted    RunState = "not-started"
	RunRunning       RunState = "running"
	RunExitedZero    RunState = "exited-zero"
	RunExitedNonZero RunState = "exited-nonzero"
	RunErrored       RunState = "errored"
	RunTimedOut      RunState = "timed-out"
)
