// Package convo maintains per-project conversational state ("studio mode")
// and drives cancellable streaming generation against the AI engine.
//
// Each project's conversation moves Idle → Streaming → {Idle, Cancelled,
// Error}; every terminal substate settles back to Idle before the next
// message is accepted. At most one generation streams per project at a
// time.
package convo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/ollama"
	"github.com/mattjh/verba/prompt"
	"github.com/mattjh/verba/store"
)

// Manager errors
var (
	// ErrBusy indicates a generation is already streaming for the project.
	ErrBusy = errors.New("generation already in progress")

	// ErrEmptyMessage indicates an empty user message.
	ErrEmptyMessage = errors.New("empty message")
)

// State of one project's conversation.
type State string

// Conversation states.
const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// StreamFunc runs one streaming generation against the AI engine.
type StreamFunc func(ctx context.Context, model, promptText string, emit ollama.TokenFunc) (*ollama.Result, error)

// Config configures a Manager.
type Config struct {
	Store    *store.Store
	Bus      *event.Bus
	Stream   StreamFunc
	Prompts  *prompt.Loader
	Model    string // Chat model name (e.g., "llama3")
	Language string // Response language (default: "English")
	Logger   *slog.Logger
}

// Manager drives per-project conversations.
type Manager struct {
	store    *store.Store
	bus      *event.Bus
	stream   StreamFunc
	prompts  *prompt.Loader
	model    string
	language string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	state  State
	cancel context.CancelFunc
}

// New creates a conversation manager.
func New(cfg Config) *Manager {
	language := cfg.Language
	if language == "" {
		language = "English"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		bus:      cfg.Bus,
		stream:   cfg.Stream,
		prompts:  cfg.Prompts,
		model:    cfg.Model,
		language: language,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// State returns the project's current conversation state.
func (m *Manager) State(projectID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[projectID]; ok {
		return s.state
	}
	return StateIdle
}

// SendMessage appends the user's turn and starts a streaming generation.
// The user turn is durable before generation begins, so a crash mid-stream
// never loses the question. Returns the user turn's sequence number;
// ErrBusy if a generation is already streaming for this project.
//
// segmentID anchors the conversation to a transcript segment; zero means
// the whole transcript is the context.
func (m *Manager) SendMessage(ctx context.Context, projectID string, segmentID int64, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}

	genCtx, cancel := context.WithCancel(context.Background())

	// The cancel func must be visible the moment the session reports
	// Streaming, or a Cancel racing this call is silently lost.
	m.mu.Lock()
	sess, ok := m.sessions[projectID]
	if !ok {
		sess = &session{state: StateIdle}
		m.sessions[projectID] = sess
	}
	if sess.state == StateStreaming {
		m.mu.Unlock()
		cancel()
		return 0, ErrBusy
	}
	sess.state = StateStreaming
	sess.cancel = cancel
	m.mu.Unlock()

	seq, err := m.store.AppendTurn(ctx, store.Turn{
		ProjectID: projectID,
		Role:      store.RoleUser,
		Content:   text,
		Complete:  true,
	})
	if err != nil {
		m.settle(projectID)
		cancel()
		return 0, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.generate(genCtx, projectID, segmentID, text)
	}()

	return seq, nil
}

// Cancel stops the project's in-flight generation, if any. The partial
// assistant output produced so far is persisted as an incomplete turn, not
// discarded. No-op when nothing is streaming.
func (m *Manager) Cancel(projectID string) {
	m.mu.Lock()
	sess, ok := m.sessions[projectID]
	var cancel context.CancelFunc
	if ok && sess.state == StateStreaming {
		cancel = sess.cancel
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Clear deletes the project's entire conversation, resetting the turn
// sequence. Fails with ErrBusy while a generation is streaming.
func (m *Manager) Clear(ctx context.Context, projectID string) error {
	m.mu.Lock()
	if sess, ok := m.sessions[projectID]; ok && sess.state == StateStreaming {
		m.mu.Unlock()
		return ErrBusy
	}
	m.mu.Unlock()

	return m.store.ClearTurns(ctx, projectID)
}

// Wait blocks until all in-flight generations have settled. For shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// generate runs one streaming generation and persists the assistant turn.
func (m *Manager) generate(ctx context.Context, projectID string, segmentID int64, question string) {
	promptText, err := m.buildPrompt(ctx, projectID, segmentID, question)
	if err != nil {
		m.fail(projectID, err)
		return
	}

	// Accumulate here, not from the result: on cancellation the partial
	// output is all we have.
	var answer, thinking strings.Builder
	_, err = m.stream(ctx, m.model, promptText, func(tok ollama.Token) error {
		if tok.Thinking {
			thinking.WriteString(tok.Text)
		} else {
			answer.WriteString(tok.Text)
		}
		m.bus.Publish(event.Event{
			Type:      event.TypeConversationToken,
			ProjectID: projectID,
			Token:     tok.Text,
			Thinking:  tok.Thinking,
		})
		return nil
	})

	switch {
	case err == nil:
		m.finish(projectID, answer.String(), thinking.String(), true)
	case errors.Is(err, context.Canceled):
		m.finish(projectID, answer.String(), thinking.String(), false)
	default:
		m.fail(projectID, err)
	}
}

// finish persists the assistant turn (complete or cancelled-partial) and
// settles the session.
func (m *Manager) finish(projectID, answer, thinking string, complete bool) {
	// Persist even after cancellation; the caller's context is gone.
	ctx := context.Background()

	seq, err := m.store.AppendTurn(ctx, store.Turn{
		ProjectID: projectID,
		Role:      store.RoleAssistant,
		Content:   strings.TrimSpace(answer),
		Thinking:  strings.TrimSpace(thinking),
		Complete:  complete,
	})
	if err != nil {
		m.fail(projectID, err)
		return
	}

	m.settle(projectID)
	m.bus.Publish(event.Event{
		Type:      event.TypeTurnCompleted,
		ProjectID: projectID,
		Seq:       seq,
		Complete:  complete,
	})
}

// fail settles the session and reports the failure.
func (m *Manager) fail(projectID string, err error) {
	m.settle(projectID)

	kind := event.KindAIService
	if isPersistence(err) {
		kind = event.KindPersistence
	}
	m.logger.Error("conversation generation failed", "projectId", projectID, "error", err)
	m.bus.Publish(event.Event{
		Type:      event.TypeOperationFailed,
		ProjectID: projectID,
		Kind:      kind,
		Detail:    err.Error(),
	})
}

// settle returns the project's session to Idle.
func (m *Manager) settle(projectID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[projectID]; ok {
		sess.state = StateIdle
		sess.cancel = nil
	}
	m.mu.Unlock()
}

// buildPrompt assembles the model context: the studio system prompt, the
// transcript (or anchor segment) context, and the full ordered turn
// history.
func (m *Manager) buildPrompt(ctx context.Context, projectID string, segmentID int64, question string) (string, error) {
	var sentence string
	if segmentID != 0 {
		seg, err := m.store.Segment(ctx, segmentID)
		if err != nil {
			return "", err
		}
		sentence = seg.Text
	}

	segments, err := m.store.Segments(ctx, projectID)
	if err != nil {
		return "", err
	}
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	system, err := m.prompts.Render(prompt.NameStudio, prompt.Vars{
		Sentence: sentence,
		Context:  strings.Join(texts, " "),
		Language: m.language,
		Question: question,
	})
	if err != nil {
		return "", err
	}

	turns, err := m.store.Turns(ctx, projectID)
	if err != nil {
		return "", err
	}

	b := prompt.NewBuilder().Add(system)
	for _, turn := range turns {
		b.AddTurn(string(turn.Role), turn.Content)
	}
	b.AddTurn(string(store.RoleAssistant), "")
	return b.Build(), nil
}

func isPersistence(err error) bool {
	var ioErr *store.IOError
	return errors.As(err, &ioErr) || errors.Is(err, store.ErrProjectNotFound) ||
		errors.Is(err, store.ErrSegmentNotFound)
}
