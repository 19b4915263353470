package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "verba.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestProject(t *testing.T, st *Store, name string) Project {
	t.Helper()
	p, err := st.CreateProject(context.Background(), name, AudioSource{
		Path:     "/audio/" + name + ".mp3",
		Format:   ".mp3",
		Duration: 120,
	})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	return p
}

func TestStore_ProjectRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created := createTestProject(t, st, "lecture")

	got, err := st.Project(ctx, created.ID)
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	if got.Name != "lecture" {
		t.Errorf("Name = %q, want %q", got.Name, "lecture")
	}
	if got.Audio.Path != "/audio/lecture.mp3" {
		t.Errorf("Audio.Path = %q, want %q", got.Audio.Path, "/audio/lecture.mp3")
	}
	if got.Audio.Duration != 120 {
		t.Errorf("Audio.Duration = %v, want 120", got.Audio.Duration)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestStore_ProjectNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.Project(context.Background(), "missing")
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Project() error = %v, want ErrProjectNotFound", err)
	}
}

func TestStore_DeleteProjectCascades(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "doomed")
	if err := st.ReplaceSegments(ctx, p.ID, []Segment{
		{Start: 0, End: 2, Text: "first"},
	}); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}
	segs, err := st.Segments(ctx, p.ID)
	if err != nil {
		t.Fatalf("Segments() error = %v", err)
	}
	key := ExplanationKey{SegmentID: segs[0].ID, Model: "llama3", Language: "English"}
	if err := st.UpsertExplanation(ctx, key, "an explanation"); err != nil {
		t.Fatalf("UpsertExplanation() error = %v", err)
	}
	if _, err := st.SaveNote(ctx, Note{ProjectID: p.ID, Anchor: 1, Text: "note"}); err != nil {
		t.Fatalf("SaveNote() error = %v", err)
	}
	if _, err := st.AppendTurn(ctx, Turn{ProjectID: p.ID, Role: RoleUser, Content: "hi", Complete: true}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	if err := st.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}

	if _, err := st.Project(ctx, p.ID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("Project() error = %v, want ErrProjectNotFound", err)
	}
	if segs, _ := st.Segments(ctx, p.ID); len(segs) != 0 {
		t.Errorf("got %d segments after delete, want 0", len(segs))
	}
	if notes, _ := st.Notes(ctx, p.ID); len(notes) != 0 {
		t.Errorf("got %d notes after delete, want 0", len(notes))
	}
	if turns, _ := st.Turns(ctx, p.ID); len(turns) != 0 {
		t.Errorf("got %d turns after delete, want 0", len(turns))
	}
	if _, err := st.Explanation(ctx, key); !errors.Is(err, ErrExplanationNotFound) {
		t.Errorf("Explanation() error = %v, want ErrExplanationNotFound", err)
	}
}

func TestStore_DeleteProjectNotFound(t *testing.T) {
	st := openTestStore(t)

	err := st.DeleteProject(context.Background(), "missing")
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("DeleteProject() error = %v, want ErrProjectNotFound", err)
	}
}

func TestStore_ReplaceSegmentsOrderedAndAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "transcript")

	first := []Segment{
		{Start: 0, End: 2, Text: "old one"},
		{Start: 2, End: 4, Text: "old two"},
	}
	if err := st.ReplaceSegments(ctx, p.ID, first); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}

	// Replacing wipes the old batch entirely, including its explanations.
	segs, err := st.Segments(ctx, p.ID)
	if err != nil {
		t.Fatalf("Segments() error = %v", err)
	}
	key := ExplanationKey{SegmentID: segs[0].ID, Model: "llama3", Language: "English"}
	if err := st.UpsertExplanation(ctx, key, "stale"); err != nil {
		t.Fatalf("UpsertExplanation() error = %v", err)
	}

	second := []Segment{
		{Start: 0, End: 3, Text: "new one"},
		{Start: 3, End: 6, Text: "new two"},
		{Start: 6, End: 9, Text: "new three"},
	}
	if err := st.ReplaceSegments(ctx, p.ID, second); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}

	segs, err = st.Segments(ctx, p.ID)
	if err != nil {
		t.Fatalf("Segments() error = %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, seg := range segs {
		if seg.Index != i {
			t.Errorf("segs[%d].Index = %d, want %d", i, seg.Index, i)
		}
		if seg.Version != 1 {
			t.Errorf("segs[%d].Version = %d, want 1", i, seg.Version)
		}
	}
	if segs[2].Text != "new three" {
		t.Errorf("segs[2].Text = %q, want %q", segs[2].Text, "new three")
	}

	if _, err := st.Explanation(ctx, key); !errors.Is(err, ErrExplanationNotFound) {
		t.Errorf("stale explanation survived replacement: err = %v", err)
	}
}

func TestStore_ReplaceSegmentsUnknownProject(t *testing.T) {
	st := openTestStore(t)

	err := st.ReplaceSegments(context.Background(), "missing", []Segment{{Text: "x"}})
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("ReplaceSegments() error = %v, want ErrProjectNotFound", err)
	}
}

func TestStore_CorrectSegment(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "edits")
	if err := st.ReplaceSegments(ctx, p.ID, []Segment{{Start: 0, End: 2, Text: "teh answer"}}); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}
	segs, _ := st.Segments(ctx, p.ID)
	key := ExplanationKey{SegmentID: segs[0].ID, Model: "llama3", Language: "English"}
	if err := st.UpsertExplanation(ctx, key, "explains the typo"); err != nil {
		t.Fatalf("UpsertExplanation() error = %v", err)
	}

	corrected, err := st.CorrectSegment(ctx, segs[0].ID, "the answer")
	if err != nil {
		t.Fatalf("CorrectSegment() error = %v", err)
	}
	if corrected.Text != "the answer" {
		t.Errorf("Text = %q, want %q", corrected.Text, "the answer")
	}
	if corrected.Version != 2 {
		t.Errorf("Version = %d, want 2", corrected.Version)
	}

	// The correction drops cached explanations of the old text.
	if _, err := st.Explanation(ctx, key); !errors.Is(err, ErrExplanationNotFound) {
		t.Errorf("Explanation() error = %v, want ErrExplanationNotFound", err)
	}
}

func TestStore_CorrectSegmentNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.CorrectSegment(context.Background(), 999, "text")
	if !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("CorrectSegment() error = %v, want ErrSegmentNotFound", err)
	}
}

func TestStore_NoteLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "notes")

	note, err := st.SaveNote(ctx, Note{ProjectID: p.ID, Anchor: 12.5, Text: "check this part"})
	if err != nil {
		t.Fatalf("SaveNote() error = %v", err)
	}
	if note.ID == 0 {
		t.Fatal("SaveNote() did not assign an ID")
	}

	note.Text = "checked, it's fine"
	if _, err := st.SaveNote(ctx, note); err != nil {
		t.Fatalf("SaveNote() update error = %v", err)
	}

	notes, err := st.Notes(ctx, p.ID)
	if err != nil {
		t.Fatalf("Notes() error = %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	if notes[0].Text != "checked, it's fine" {
		t.Errorf("Text = %q, want updated text", notes[0].Text)
	}

	if err := st.DeleteNote(ctx, note.ID); err != nil {
		t.Fatalf("DeleteNote() error = %v", err)
	}
	if err := st.DeleteNote(ctx, note.ID); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("DeleteNote() second call error = %v, want ErrNoteNotFound", err)
	}
}

func TestStore_ExplanationUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "cache")
	if err := st.ReplaceSegments(ctx, p.ID, []Segment{{Text: "hello"}}); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}
	segs, _ := st.Segments(ctx, p.ID)

	key := ExplanationKey{SegmentID: segs[0].ID, Model: "llama3", Language: "English"}
	if _, err := st.Explanation(ctx, key); !errors.Is(err, ErrExplanationNotFound) {
		t.Fatalf("Explanation() miss error = %v, want ErrExplanationNotFound", err)
	}

	if err := st.UpsertExplanation(ctx, key, "first version"); err != nil {
		t.Fatalf("UpsertExplanation() error = %v", err)
	}
	if err := st.UpsertExplanation(ctx, key, "second version"); err != nil {
		t.Fatalf("UpsertExplanation() overwrite error = %v", err)
	}

	e, err := st.Explanation(ctx, key)
	if err != nil {
		t.Fatalf("Explanation() error = %v", err)
	}
	if e.Text != "second version" {
		t.Errorf("Text = %q, want %q", e.Text, "second version")
	}

	// A different language is a distinct entry.
	other := ExplanationKey{SegmentID: segs[0].ID, Model: "llama3", Language: "Swedish"}
	if _, err := st.Explanation(ctx, other); !errors.Is(err, ErrExplanationNotFound) {
		t.Errorf("Explanation() other language error = %v, want ErrExplanationNotFound", err)
	}
}

func TestStore_TurnSequencing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "chat")

	for i, content := range []string{"question", "answer", "follow-up"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		seq, err := st.AppendTurn(ctx, Turn{ProjectID: p.ID, Role: role, Content: content, Complete: true})
		if err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d (gap-free from 1)", seq, i+1)
		}
	}

	turns, err := st.Turns(ctx, p.ID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	if turns[1].Role != RoleAssistant {
		t.Errorf("turns[1].Role = %q, want assistant", turns[1].Role)
	}

	// Clearing resets the sequence.
	if err := st.ClearTurns(ctx, p.ID); err != nil {
		t.Fatalf("ClearTurns() error = %v", err)
	}
	seq, err := st.AppendTurn(ctx, Turn{ProjectID: p.ID, Role: RoleUser, Content: "fresh start", Complete: true})
	if err != nil {
		t.Fatalf("AppendTurn() after clear error = %v", err)
	}
	if seq != 1 {
		t.Errorf("seq after clear = %d, want 1", seq)
	}
}

func TestStore_AppendTurnUnknownProject(t *testing.T) {
	st := openTestStore(t)

	_, err := st.AppendTurn(context.Background(), Turn{ProjectID: "missing", Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("AppendTurn() error = %v, want ErrProjectNotFound", err)
	}
}

func TestStore_MarkTurnComplete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, st, "partial")
	seq, err := st.AppendTurn(ctx, Turn{ProjectID: p.ID, Role: RoleAssistant, Content: "half an ans", Complete: false})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	turns, _ := st.Turns(ctx, p.ID)
	if turns[0].Complete {
		t.Error("turn stored as complete, want incomplete")
	}

	if err := st.MarkTurnComplete(ctx, p.ID, seq, true); err != nil {
		t.Fatalf("MarkTurnComplete() error = %v", err)
	}
	turns, _ = st.Turns(ctx, p.ID)
	if !turns[0].Complete {
		t.Error("turn not marked complete")
	}

	if err := st.MarkTurnComplete(ctx, p.ID, 99, true); !errors.Is(err, ErrTurnNotFound) {
		t.Errorf("MarkTurnComplete() error = %v, want ErrTurnNotFound", err)
	}
}

func TestStore_ListProjectsOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := createTestProject(t, st, "older")
	b := createTestProject(t, st, "newer")

	// Timestamps have second granularity; make sure the bump lands in a
	// later second than creation.
	time.Sleep(1100 * time.Millisecond)

	// Touching a project's transcript bumps it to the front.
	if err := st.ReplaceSegments(ctx, a.ID, []Segment{{Text: "bump"}}); err != nil {
		t.Fatalf("ReplaceSegments() error = %v", err)
	}

	projects, err := st.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	_ = b
	if projects[0].ID != a.ID {
		t.Errorf("projects[0] = %q, want the most recently updated (%q)", projects[0].Name, "older")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verba.db")
	ctx := context.Background()

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	p, err := st.CreateProject(ctx, "durable", AudioSource{Path: "/a.mp3", Format: ".mp3", Duration: 10})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st.Close()

	got, err := st.Project(ctx, p.ID)
	if err != nil {
		t.Fatalf("Project() after reopen error = %v", err)
	}
	if got.Name != "durable" {
		t.Errorf("Name = %q, want %q", got.Name, "durable")
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	alpha := createTestProject(t, st, "alpha")
	beta := createTestProject(t, st, "beta")

	// Write transactions from many goroutines must queue, not fail busy.
	const writers = 40
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		projectID := alpha.ID
		if i%2 == 1 {
			projectID = beta.ID
		}
		wg.Add(1)
		go func(projectID string, n int) {
			defer wg.Done()
			errs <- st.ReplaceSegments(ctx, projectID, []Segment{
				{Start: 0, End: 1, Text: fmt.Sprintf("attempt %d", n)},
			})
		}(projectID, i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent ReplaceSegments() error = %v", err)
		}
	}

	// Each project holds exactly one intact batch, never a torn mix.
	for _, p := range []Project{alpha, beta} {
		segs, err := st.Segments(ctx, p.ID)
		if err != nil {
			t.Fatalf("Segments(%s) error = %v", p.Name, err)
		}
		if len(segs) != 1 {
			t.Errorf("project %s has %d segments, want 1", p.Name, len(segs))
		}
	}
}
