package verba

import (
	"errors"

	"github.com/mattjh/verba/convo"
	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/job"
	"github.com/mattjh/verba/ollama"
	"github.com/mattjh/verba/store"
	"github.com/mattjh/verba/whisper"
)

// IsNotFound reports whether err means a requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrProjectNotFound) ||
		errors.Is(err, store.ErrSegmentNotFound) ||
		errors.Is(err, store.ErrNoteNotFound) ||
		errors.Is(err, store.ErrTurnNotFound) ||
		errors.Is(err, job.ErrJobNotFound)
}

// IsBusy reports whether err means the operation was rejected because an
// equivalent one is already in flight.
func IsBusy(err error) bool {
	return errors.Is(err, convo.ErrBusy) || errors.Is(err, job.ErrAlreadyRunning)
}

// IsInvalidInput reports whether err means the request itself was rejected
// before any work started.
func IsInvalidInput(err error) bool {
	return errors.Is(err, whisper.ErrUnsupportedFormat) ||
		errors.Is(err, whisper.ErrUnknownModel) ||
		errors.Is(err, convo.ErrEmptyMessage)
}

// FailureKind maps an error to the failure-kind taxonomy carried by
// OperationFailed events.
func FailureKind(err error) string {
	var ioErr *store.IOError
	switch {
	case errors.As(err, &ioErr),
		errors.Is(err, store.ErrCorruption),
		errors.Is(err, store.ErrClosed):
		return event.KindPersistence
	case errors.Is(err, ollama.ErrUnreachable),
		errors.Is(err, ollama.ErrModelNotFound),
		errors.Is(err, ollama.ErrTimeout):
		return event.KindAIService
	case IsBusy(err):
		return event.KindConcurrency
	default:
		return event.KindTranscription
	}
}
