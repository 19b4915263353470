package ollama

import (
	"errors"
	"fmt"
)

// Client errors
var (
	// ErrUnreachable indicates the Ollama server could not be reached.
	ErrUnreachable = errors.New("ollama server unreachable")

	// ErrModelNotFound indicates the requested model is not installed on
	// the server.
	ErrModelNotFound = errors.New("model not found")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("ollama request timed out")
)

// APIError wraps an error response from the Ollama server.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // Error message from the server, if any
	Err        error  // Classified sentinel
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ollama: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("ollama: %v (status %d)", e.Err, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
