// Package job manages the lifecycle of transcription jobs: admission,
// a bounded worker pool, progress reporting, cooperative cancellation, and
// the atomic hand-off of finished transcripts to the store.
//
// At most one live (non-terminal) job exists per audio source at a time; a
// second submission for the same audio path, even from a different project,
// is rejected synchronously with ErrAlreadyRunning. Segments produced by the engine are buffered in memory
// and committed as a single batch, so the stored transcript is never a
// torn write: completion commits everything, cancellation commits the
// prefix produced so far, and failure commits nothing.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/store"
	"github.com/mattjh/verba/whisper"
)

// DefaultWorkers is the worker pool size when none is configured.
const DefaultWorkers = 2

// queueCapacity bounds how many jobs may wait for a worker.
const queueCapacity = 128

// Config configures an Orchestrator.
type Config struct {
	Store   *store.Store
	Bus     *event.Bus
	Engine  whisper.Engine
	Workers int // Concurrent transcriptions (default: DefaultWorkers)
	Logger  *slog.Logger
}

// Orchestrator runs transcription jobs through a fixed worker pool.
type Orchestrator struct {
	store  *store.Store
	bus    *event.Bus
	engine whisper.Engine
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*trackedJob
	bySource map[string]string // audio path -> live job ID
	closed   bool

	queue chan string
	group *errgroup.Group
}

// trackedJob is the orchestrator's mutable record of one job. Guarded by
// Orchestrator.mu except where noted.
type trackedJob struct {
	snap   Job
	cancel context.CancelFunc // non-nil while running
}

// New creates an orchestrator and starts its worker pool.
func New(cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:     cfg.Store,
		bus:       cfg.Bus,
		engine:    cfg.Engine,
		logger:    logger,
		jobs:     make(map[string]*trackedJob),
		bySource: make(map[string]string),
		queue:    make(chan string, queueCapacity),
		group:    &errgroup.Group{},
	}

	for i := 0; i < workers; i++ {
		o.group.Go(func() error {
			for jobID := range o.queue {
				o.process(jobID)
			}
			return nil
		})
	}

	return o
}

// Start admits a transcription job for the project and returns its ID.
//
// Validation is synchronous: an unsupported audio format, an unknown model,
// or a second live job for the same audio source is rejected before
// anything is queued, with no job record created and no events published.
func (o *Orchestrator) Start(ctx context.Context, projectID string, model whisper.Model, language string) (string, error) {
	project, err := o.store.Project(ctx, projectID)
	if err != nil {
		return "", err
	}
	if !whisper.SupportedFormat(project.Audio.Path) {
		return "", fmt.Errorf("%w: %s", whisper.ErrUnsupportedFormat, project.Audio.Path)
	}
	if !model.Valid() {
		return "", fmt.Errorf("%w: %q", whisper.ErrUnknownModel, model)
	}

	id, err := nanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	jobID := "job_" + id

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if liveID, ok := o.bySource[project.Audio.Path]; ok {
		if j, exists := o.jobs[liveID]; exists && !j.snap.State.Terminal() {
			o.mu.Unlock()
			return "", fmt.Errorf("%w: job %s", ErrAlreadyRunning, liveID)
		}
	}

	now := time.Now()
	tj := &trackedJob{snap: Job{
		ID:        jobID,
		ProjectID: projectID,
		AudioPath: project.Audio.Path,
		Model:     string(model),
		Language:  language,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	o.jobs[jobID] = tj
	o.bySource[project.Audio.Path] = jobID
	o.mu.Unlock()

	o.publishState(tj.snap)

	select {
	case o.queue <- jobID:
	case <-ctx.Done():
		o.mu.Lock()
		o.setState(tj, StateCancelled)
		o.mu.Unlock()
		o.publishState(tj.snap)
		return "", ctx.Err()
	}

	return jobID, nil
}

// Cancel requests cooperative cancellation of a job. A queued job is
// cancelled before it ever reaches the engine; a running job stops at the
// engine's next checkpoint and the segments produced so far are committed.
// Cancelling an already terminal job is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	tj, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return ErrJobNotFound
	}
	if tj.snap.State.Terminal() || tj.snap.State == StateCancelling {
		o.mu.Unlock()
		return nil
	}

	o.setState(tj, StateCancelling)
	cancel := tj.cancel
	o.mu.Unlock()

	o.publishState(tj.snap)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Status returns a snapshot of the job.
func (o *Orchestrator) Status(jobID string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tj, ok := o.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return tj.snap, nil
}

// Jobs returns snapshots of all known jobs, newest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, 0, len(o.jobs))
	for _, tj := range o.jobs {
		out = append(out, tj.snap)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Close stops accepting jobs and waits for in-flight work to settle.
// Running jobs are cancelled cooperatively.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, tj := range o.jobs {
		if tj.cancel != nil {
			tj.cancel()
		}
	}
	o.mu.Unlock()

	close(o.queue)
	return o.group.Wait()
}

// process runs one job on a worker.
func (o *Orchestrator) process(jobID string) {
	o.mu.Lock()
	tj, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	// Cancelled while still queued: never touches the engine.
	if tj.snap.State == StateCancelling {
		o.setState(tj, StateCancelled)
		o.mu.Unlock()
		o.publishState(tj.snap)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	tj.cancel = cancel
	o.setState(tj, StateRunning)
	snap := tj.snap
	o.mu.Unlock()
	defer cancel()

	o.publishState(snap)
	o.run(ctx, tj)
}

// run drives the engine and settles the job's terminal state.
func (o *Orchestrator) run(ctx context.Context, tj *trackedJob) {
	snap := tj.snap
	project, err := o.store.Project(ctx, snap.ProjectID)
	if err != nil {
		o.fail(tj, err)
		return
	}

	var produced []store.Segment
	err = o.engine.Transcribe(ctx, whisper.Request{
		Path:     snap.AudioPath,
		Model:    whisper.Model(snap.Model),
		Language: snap.Language,
	}, func(seg whisper.Segment) error {
		produced = append(produced, store.Segment{
			ProjectID: snap.ProjectID,
			Start:     seg.Start,
			End:       seg.End,
			Text:      seg.Text,
		})

		progress := 0.0
		if project.Audio.Duration > 0 {
			progress = seg.End / project.Audio.Duration
			if progress > 1 {
				progress = 1
			}
		}
		o.mu.Lock()
		tj.snap.Progress = progress
		tj.snap.Segments = len(produced)
		tj.snap.UpdatedAt = time.Now()
		o.mu.Unlock()

		o.bus.Publish(event.Event{
			Type:     event.TypeJobProgress,
			JobID:    snap.ID,
			Progress: progress,
			Seq:      int64(len(produced)),
		})
		return nil
	})

	switch {
	case err == nil:
		o.commit(tj, produced, StateCompleted)
	case errors.Is(err, context.Canceled):
		// Cooperative cancel: keep what the engine already produced.
		o.commit(tj, produced, StateCancelled)
	default:
		o.fail(tj, err)
	}
}

// commit stores the produced batch atomically and moves the job to its
// terminal state. A store failure turns the job into a failure instead.
func (o *Orchestrator) commit(tj *trackedJob, segments []store.Segment, terminal State) {
	ctx := context.Background()

	if len(segments) > 0 || terminal == StateCompleted {
		if err := o.store.ReplaceSegments(ctx, tj.snap.ProjectID, segments); err != nil {
			o.fail(tj, err)
			return
		}
	}

	o.mu.Lock()
	o.setState(tj, terminal)
	if terminal == StateCompleted {
		tj.snap.Progress = 1
	}
	snap := tj.snap
	o.mu.Unlock()

	o.logger.Info("transcription finished",
		"jobId", snap.ID, "state", string(terminal), "segments", len(segments))
	o.publishState(snap)
}

// fail marks the job failed and reports the classified error. Nothing is
// committed; the project's previous transcript, if any, stays intact.
func (o *Orchestrator) fail(tj *trackedJob, err error) {
	o.mu.Lock()
	tj.snap.Error = err.Error()
	o.setState(tj, StateFailed)
	snap := tj.snap
	o.mu.Unlock()

	o.logger.Error("transcription failed", "jobId", snap.ID, "error", err)
	o.bus.Publish(event.Event{
		Type:   event.TypeOperationFailed,
		JobID:  snap.ID,
		Kind:   failureKind(err),
		Detail: err.Error(),
	})
	o.publishState(snap)
}

// setState updates a job's state under o.mu.
func (o *Orchestrator) setState(tj *trackedJob, s State) {
	tj.snap.State = s
	tj.snap.UpdatedAt = time.Now()
}

func (o *Orchestrator) publishState(snap Job) {
	o.bus.Publish(event.Event{
		Type:     event.TypeJobStateChanged,
		JobID:    snap.ID,
		State:    string(snap.State),
		Progress: snap.Progress,
	})
}

func failureKind(err error) string {
	var ioErr *store.IOError
	if errors.As(err, &ioErr) || errors.Is(err, store.ErrProjectNotFound) ||
		errors.Is(err, store.ErrCorruption) {
		return event.KindPersistence
	}
	return event.KindTranscription
}
