// Package verba is a transcription and AI-analysis orchestration engine.
//
// It turns audio files into timestamped transcripts via a pluggable
// speech-to-text engine, generates streamed AI explanations for transcript
// segments through a local Ollama server, and runs per-project tutoring
// conversations grounded in the transcript. Everything durable lives in a
// single SQLite database; everything observable flows through an ordered,
// non-blocking event bus.
//
// The Engine type in this package is the facade: it wires the job
// orchestrator, explanation cache, conversation manager, store, and event
// bus together behind one API. The subpackages are usable on their own:
//
//   - job: transcription job lifecycle and worker pool
//   - cache: memoized, deduplicated segment explanations
//   - convo: studio-mode conversations with cancellable streaming
//   - store: durable transactional persistence
//   - event: ordered non-blocking event delivery
//   - ollama: streaming client for the AI completion server
//   - whisper: speech-to-text engine boundary and model catalog
//   - prompt: prompt template loading and rendering
//   - config: hierarchical configuration resolution
package verba
