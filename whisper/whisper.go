// Package whisper defines the boundary to the speech-to-text engine: the
// Engine interface the orchestrator drives, the closed catalog of supported
// model sizes, and the error taxonomy for engine failures.
//
// The engine itself is an external collaborator; implementations wrap
// whatever backend actually runs the model. Implementations must honor
// context cancellation at their next safe checkpoint and return ctx.Err()
// once they have stopped.
package whisper

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
)

// Segment is one timestamped unit of transcribed text as produced by the
// engine.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// Request describes one transcription run.
type Request struct {
	// Path is the audio file to transcribe.
	Path string

	// Model is the model size to load.
	Model Model

	// Language is an optional ISO-639-1 hint (e.g., "en"); empty means
	// auto-detect.
	Language string
}

// SegmentFunc receives segments as the engine produces them. Returning an
// error stops the run.
type SegmentFunc func(Segment) error

// Engine converts audio into timestamped text segments.
type Engine interface {
	// Transcribe runs one transcription, emitting segments incrementally.
	// It returns ctx.Err() if cancelled, or an error classifiable against
	// this package's sentinels.
	Transcribe(ctx context.Context, req Request, emit SegmentFunc) error
}

// supportedFormats lists the audio and video container extensions the
// engine accepts.
var supportedFormats = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".aac": true,
	".ogg": true, ".wma": true, ".mp4": true, ".avi": true, ".mov": true,
}

// SupportedFormat reports whether the file extension is one the engine can
// decode.
func SupportedFormat(path string) bool {
	return supportedFormats[strings.ToLower(filepath.Ext(path))]
}

// SupportedFormats returns the accepted extensions in sorted order, for
// error messages.
func SupportedFormats() []string {
	out := make([]string, 0, len(supportedFormats))
	for ext := range supportedFormats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
