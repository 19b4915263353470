package job

import "errors"

// Orchestrator errors
var (
	// ErrAlreadyRunning indicates the project already has a live
	// transcription job.
	ErrAlreadyRunning = errors.New("transcription already in progress for project")

	// ErrJobNotFound indicates an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrClosed indicates the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
)
