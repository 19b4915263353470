package whisper

import (
	"errors"
	"fmt"
)

// Engine errors
var (
	// ErrUnsupportedFormat indicates the audio file's format is not one the
	// engine can decode.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrEngineFailure indicates the engine failed during decode or
	// inference.
	ErrEngineFailure = errors.New("transcription engine failure")

	// ErrResourceExhausted indicates the requested model does not fit in
	// the available memory.
	ErrResourceExhausted = errors.New("insufficient memory for model")

	// ErrUnknownModel indicates a model outside the supported catalog.
	ErrUnknownModel = errors.New("unknown model")
)

// EngineError wraps an engine failure with the operation that hit it.
type EngineError struct {
	Op     string // Operation that failed (e.g., "load", "transcribe")
	Detail string // Human-readable detail
	Err    error  // Underlying error
}

func (e *EngineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("whisper %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("whisper %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// wrapEngineFailure folds an arbitrary cause under ErrEngineFailure unless
// it already classifies.
func wrapEngineFailure(cause error) error {
	if cause == nil {
		return ErrEngineFailure
	}
	if errors.Is(cause, ErrEngineFailure) || errors.Is(cause, ErrResourceExhausted) ||
		errors.Is(cause, ErrUnsupportedFormat) || errors.Is(cause, ErrUnknownModel) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrEngineFailure, cause)
}
