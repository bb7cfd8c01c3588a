package supervise

import "errors"

var (
	// ErrToolNotFound means the configured executable does not exist.
	ErrToolNotFound = errors.New("tool executable not found")
	// ErrSpawn means the OS failed to create the process.
	ErrSpawn = errors.New("process spawn failed")
	// ErrTimeout means the process outlived its allotted time and was
	// forcibly terminated.
	ErrTimeout = errors.New("process timed out")
	// ErrNonZeroExit means the process ran but signalled failure.
	ErrNonZeroExit = errors.New("process exited nonzero")
)
