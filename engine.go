package verba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mattjh/verba/cache"
	"github.com/mattjh/verba/config"
	"github.com/mattjh/verba/convo"
	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/job"
	"github.com/mattjh/verba/ollama"
	"github.com/mattjh/verba/prompt"
	"github.com/mattjh/verba/store"
	"github.com/mattjh/verba/whisper"
)

// contextRadius is how many segments on each side of a segment are included
// as surrounding context in explanation prompts.
const contextRadius = 2

// Options configures an Engine.
type Options struct {
	// Settings is the resolved configuration. Zero values fall back to
	// config.Defaults.
	Settings config.Settings

	// Whisper is the speech-to-text engine. Required.
	Whisper whisper.Engine

	// AI overrides the Ollama client. Defaults to one built from
	// Settings.OllamaHost.
	AI *ollama.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is the orchestration facade: one handle over transcription jobs,
// explanation caching, studio conversations, persistence, and events.
type Engine struct {
	settings config.Settings
	store    *store.Store
	bus      *event.Bus
	jobs     *job.Orchestrator
	cache    *cache.Cache
	convo    *convo.Manager
	ai       *ollama.Client
	prompts  *prompt.Loader
	logger   *slog.Logger
}

// NewEngine opens the database and wires all components together.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Whisper == nil {
		return nil, errors.New("whisper engine is required")
	}

	settings := withDefaults(opts.Settings)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(filepath.Join(settings.DataDir, settings.DBFile))
	if err != nil {
		return nil, err
	}

	ai := opts.AI
	if ai == nil {
		ai = ollama.New(ollama.Config{Host: settings.OllamaHost})
	}

	bus := event.NewBus(event.WithQueueSize(settings.EventQueue))
	prompts := prompt.NewLoader(settings.DataDir)

	e := &Engine{
		settings: settings,
		store:    st,
		bus:      bus,
		ai:       ai,
		prompts:  prompts,
		logger:   logger,
	}

	e.jobs = job.New(job.Config{
		Store:   st,
		Bus:     bus,
		Engine:  opts.Whisper,
		Workers: settings.Workers,
		Logger:  logger,
	})

	e.cache = cache.New(st, bus, e.explainStream, logger)

	e.convo = convo.New(convo.Config{
		Store:    st,
		Bus:      bus,
		Stream:   e.chatStream,
		Prompts:  prompts,
		Model:    settings.ChatModel,
		Language: settings.Language,
		Logger:   logger,
	})

	return e, nil
}

// Close shuts the engine down: running transcriptions are cancelled
// cooperatively, in-flight generations settle, and the database closes last.
func (e *Engine) Close() error {
	jobErr := e.jobs.Close()
	e.convo.Wait()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		return err
	}
	return jobErr
}

// =============================================================================
// Projects and notes
// =============================================================================

// CreateProject creates a project for an audio file. The format must be one
// the transcription engine supports; duration is in seconds and may be zero
// when unknown (progress then reports segment counts only).
func (e *Engine) CreateProject(ctx context.Context, name, audioPath string, duration float64) (store.Project, error) {
	if !whisper.SupportedFormat(audioPath) {
		return store.Project{}, fmt.Errorf("%w: %s (supported: %s)",
			whisper.ErrUnsupportedFormat, audioPath,
			strings.Join(whisper.SupportedFormats(), " "))
	}

	return e.store.CreateProject(ctx, name, store.AudioSource{
		Path:     audioPath,
		Format:   strings.ToLower(filepath.Ext(audioPath)),
		Duration: duration,
	})
}

// Project loads a project by ID.
func (e *Engine) Project(ctx context.Context, id string) (store.Project, error) {
	return e.store.Project(ctx, id)
}

// Projects lists all projects, most recently updated first.
func (e *Engine) Projects(ctx context.Context) ([]store.Project, error) {
	return e.store.ListProjects(ctx)
}

// DeleteProject removes a project and everything attached to it.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	return e.store.DeleteProject(ctx, id)
}

// Segments returns a project's transcript in order.
func (e *Engine) Segments(ctx context.Context, projectID string) ([]store.Segment, error) {
	return e.store.Segments(ctx, projectID)
}

// CorrectSegment replaces a segment's text as a new version. Cached
// explanations of the old text are dropped atomically with the edit.
func (e *Engine) CorrectSegment(ctx context.Context, segmentID int64, text string) (store.Segment, error) {
	return e.store.CorrectSegment(ctx, segmentID, text)
}

// SaveNote inserts or updates a note.
func (e *Engine) SaveNote(ctx context.Context, note store.Note) (store.Note, error) {
	return e.store.SaveNote(ctx, note)
}

// Notes lists a project's notes ordered by anchor.
func (e *Engine) Notes(ctx context.Context, projectID string) ([]store.Note, error) {
	return e.store.Notes(ctx, projectID)
}

// DeleteNote removes a note.
func (e *Engine) DeleteNote(ctx context.Context, id int64) error {
	return e.store.DeleteNote(ctx, id)
}

// =============================================================================
// Transcription
// =============================================================================

// StartTranscription queues a transcription job for the project using the
// configured model and returns the job ID. At most one live job exists per
// audio source; a duplicate submission fails with job.ErrAlreadyRunning.
func (e *Engine) StartTranscription(ctx context.Context, projectID string) (string, error) {
	return e.jobs.Start(ctx, projectID, whisper.Model(e.settings.WhisperModel), "")
}

// CancelTranscription requests cooperative cancellation of a job. Segments
// produced before the engine stops are kept.
func (e *Engine) CancelTranscription(jobID string) error {
	return e.jobs.Cancel(jobID)
}

// TranscriptionStatus returns a snapshot of a job.
func (e *Engine) TranscriptionStatus(jobID string) (job.Job, error) {
	return e.jobs.Status(jobID)
}

// TranscriptionJobs returns snapshots of all known jobs, newest first.
func (e *Engine) TranscriptionJobs() []job.Job {
	return e.jobs.Jobs()
}

// =============================================================================
// Explanations
// =============================================================================

// RequestExplanation returns a channel delivering exactly one outcome for
// the segment's explanation under the configured model and language. Cached
// results are served without an AI call; concurrent requests for the same
// segment share one call. Tokens stream through the event bus.
func (e *Engine) RequestExplanation(ctx context.Context, segmentID int64) (<-chan cache.Outcome, error) {
	seg, err := e.store.Segment(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	surrounding, err := e.surroundingText(ctx, seg)
	if err != nil {
		return nil, err
	}

	promptText, err := e.prompts.Render(prompt.NameExplain, prompt.Vars{
		Sentence: seg.Text,
		Context:  surrounding,
		Language: e.settings.Language,
	})
	if err != nil {
		return nil, err
	}

	key := cache.Key{
		SegmentID: segmentID,
		Model:     e.settings.ChatModel,
		Language:  e.settings.Language,
	}
	return e.cache.GetOrRequest(ctx, key, promptText), nil
}

// surroundingText joins the segments around seg into one context passage.
func (e *Engine) surroundingText(ctx context.Context, seg store.Segment) (string, error) {
	all, err := e.store.Segments(ctx, seg.ProjectID)
	if err != nil {
		return "", err
	}

	lo := seg.Index - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := seg.Index + contextRadius

	var texts []string
	for _, s := range all {
		if s.Index >= lo && s.Index <= hi {
			texts = append(texts, s.Text)
		}
	}
	return strings.Join(texts, " "), nil
}

// =============================================================================
// Conversations
// =============================================================================

// SendMessage appends a user turn to the project's conversation and starts
// a streaming generation. segmentID anchors the discussion to one segment;
// zero uses the whole transcript. Returns the user turn's sequence number.
func (e *Engine) SendMessage(ctx context.Context, projectID string, segmentID int64, text string) (int64, error) {
	return e.convo.SendMessage(ctx, projectID, segmentID, text)
}

// CancelGeneration stops the project's streaming generation; partial output
// is kept as an incomplete turn.
func (e *Engine) CancelGeneration(projectID string) {
	e.convo.Cancel(projectID)
}

// ClearConversation deletes the project's conversation history.
func (e *Engine) ClearConversation(ctx context.Context, projectID string) error {
	return e.convo.Clear(ctx, projectID)
}

// Turns returns a project's conversation in order.
func (e *Engine) Turns(ctx context.Context, projectID string) ([]store.Turn, error) {
	return e.store.Turns(ctx, projectID)
}

// =============================================================================
// Events and AI service
// =============================================================================

// Subscribe registers an event handler and returns its subscription ID.
func (e *Engine) Subscribe(handler event.Handler) (string, error) {
	return e.bus.Subscribe(handler)
}

// Unsubscribe removes an event subscription.
func (e *Engine) Unsubscribe(id string) error {
	return e.bus.Unsubscribe(id)
}

// AvailableModels lists the models installed on the AI server.
func (e *Engine) AvailableModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return e.ai.ListModels(ctx)
}

// PingAI checks that the AI server is reachable.
func (e *Engine) PingAI(ctx context.Context) error {
	return e.ai.Ping(ctx)
}

// explainStream adapts the Ollama client to the cache's stream signature,
// forwarding answer tokens only.
func (e *Engine) explainStream(ctx context.Context, model, promptText string, emit func(token string) error) (string, error) {
	res, err := e.ai.Stream(ctx, ollama.GenerateRequest{Model: model, Prompt: promptText}, func(tok ollama.Token) error {
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

// chatStream adapts the Ollama client to the conversation manager's stream
// signature.
func (e *Engine) chatStream(ctx context.Context, model, promptText string, emit ollama.TokenFunc) (*ollama.Result, error) {
	return e.ai.Stream(ctx, ollama.GenerateRequest{Model: model, Prompt: promptText}, emit)
}

func withDefaults(s config.Settings) config.Settings {
	defaults := config.SettingsFrom(config.NewResolver(config.ResolverConfig{
		Defaults: config.Defaults(),
	}).Resolve())

	if s.DBFile == "" {
		s.DBFile = defaults.DBFile
	}
	if s.OllamaHost == "" {
		s.OllamaHost = defaults.OllamaHost
	}
	if s.ChatModel == "" {
		s.ChatModel = defaults.ChatModel
	}
	if s.WhisperModel == "" {
		s.WhisperModel = defaults.WhisperModel
	}
	if s.Language == "" {
		s.Language = defaults.Language
	}
	if s.Workers <= 0 {
		s.Workers = defaults.Workers
	}
	if s.EventQueue <= 0 {
		s.EventQueue = defaults.EventQueue
	}
	return s
}
