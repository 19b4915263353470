// Package testutil provides scripted test doubles for the transcription
// engine and the AI streaming functions, plus small fixture helpers.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mattjh/verba/ollama"
	"github.com/mattjh/verba/whisper"
)

// ScriptedEngine is a whisper.Engine that replays a fixed segment script.
//
// Set Err to make the run fail after emitting EmitBefore segments. Set
// Block to a channel to pause between segments; the engine waits for a
// receive on it (or context cancellation) before each emit after the
// first, which lets tests cancel mid-run deterministically.
type ScriptedEngine struct {
	Segments   []whisper.Segment
	Err        error
	EmitBefore int           // segments emitted before Err fires (0 = fail immediately)
	Block      chan struct{} // optional pacing channel

	calls atomic.Int64

	mu   sync.Mutex
	reqs []whisper.Request
}

// Transcribe replays the script.
func (e *ScriptedEngine) Transcribe(ctx context.Context, req whisper.Request, emit whisper.SegmentFunc) error {
	e.calls.Add(1)
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	for i, seg := range e.Segments {
		if e.Err != nil && i == e.EmitBefore {
			return e.Err
		}
		if i > 0 && e.Block != nil {
			select {
			case <-e.Block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(seg); err != nil {
			return err
		}
	}
	if e.Err != nil && e.EmitBefore >= len(e.Segments) {
		return e.Err
	}
	return ctx.Err()
}

// Calls returns how many times Transcribe was invoked.
func (e *ScriptedEngine) Calls() int {
	return int(e.calls.Load())
}

// Requests returns a copy of every request seen.
func (e *ScriptedEngine) Requests() []whisper.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]whisper.Request, len(e.reqs))
	copy(out, e.reqs)
	return out
}

// ScriptedStreamer replays scripted AI tokens for the explanation cache and
// the conversation manager.
//
// Tokens are emitted in order; Err, if set, fires after all tokens. Block
// pauses before each token after the first, like ScriptedEngine.Block.
type ScriptedStreamer struct {
	Tokens []ollama.Token
	Err    error
	Block  chan struct{}

	calls atomic.Int64
}

// Calls returns how many generations ran.
func (s *ScriptedStreamer) Calls() int {
	return int(s.calls.Load())
}

// Stream replays the script through emit and returns the accumulated
// result. Matches the conversation manager's stream signature.
func (s *ScriptedStreamer) Stream(ctx context.Context, model, prompt string, emit ollama.TokenFunc) (*ollama.Result, error) {
	s.calls.Add(1)

	var answer, thinking string
	for i, tok := range s.Tokens {
		if i > 0 && s.Block != nil {
			select {
			case <-s.Block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := emit(tok); err != nil {
			return nil, err
		}
		if tok.Thinking {
			thinking += tok.Text
		} else {
			answer += tok.Text
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ollama.Result{Answer: answer, Thinking: thinking, Model: model}, nil
}

// TextStream adapts the streamer to the explanation cache's plain-text
// stream signature.
func (s *ScriptedStreamer) TextStream(ctx context.Context, model, prompt string, emit func(token string) error) (string, error) {
	res, err := s.Stream(ctx, model, prompt, func(tok ollama.Token) error {
		if tok.Thinking {
			return nil
		}
		return emit(tok.Text)
	})
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}
