package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable, transactional backend for projects, segments,
// notes, cached explanations, and conversation turns. Every multi-row write
// happens inside a single transaction, so readers never observe a partially
// written record and a crash leaves either the whole write or none of it.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	audio_path TEXT NOT NULL,
	audio_format TEXT NOT NULL,
	audio_duration REAL NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id),
	idx        INTEGER NOT NULL,
	start_time REAL NOT NULL,
	end_time   REAL NOT NULL,
	text       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_segments_project ON segments(project_id, idx);

CREATE TABLE IF NOT EXISTS notes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL REFERENCES projects(id),
	anchor     REAL NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS explanations (
	segment_id INTEGER NOT NULL,
	model      TEXT NOT NULL,
	language   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (segment_id, model, language)
);

CREATE TABLE IF NOT EXISTS turns (
	project_id TEXT NOT NULL REFERENCES projects(id),
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	thinking   TEXT NOT NULL DEFAULT '',
	complete   INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (project_id, seq)
);
`

// Open opens (creating if necessary) the database at path, in WAL mode.
// A database that fails its integrity check yields ErrCorruption.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, ioErr("open", err)
		}
	}

	// _txlock=immediate makes every transaction take the write lock up
	// front. A deferred transaction that upgrades to a write after another
	// writer commits returns SQLITE_BUSY without consulting busy_timeout;
	// opening immediate lets concurrent writers queue instead.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ioErr("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ioErr("open", err)
	}

	// Integrity check up front so corruption surfaces here, not as a
	// confusing failure on some later read.
	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if check != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorruption, check)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ioErr("migrate", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// =============================================================================
// Projects
// =============================================================================

// CreateProject creates a new project for the given audio source.
func (s *Store) CreateProject(ctx context.Context, name string, audio AudioSource) (Project, error) {
	now := time.Now().Truncate(time.Second)
	p := Project{
		ID:        uuid.NewString(),
		Name:      name,
		Audio:     audio,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, audio_path, audio_format, audio_duration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, audio.Path, audio.Format, audio.Duration, now.Unix(), now.Unix())
	if err != nil {
		return Project{}, ioErr("createProject", err)
	}

	return p, nil
}

// Project loads a project by ID.
func (s *Store) Project(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, audio_path, audio_format, audio_duration, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, ioErr("project", err)
	}
	return p, nil
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, audio_path, audio_format, audio_duration, created_at, updated_at
		FROM projects ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, ioErr("listProjects", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, ioErr("listProjects", err)
		}
		projects = append(projects, p)
	}
	return projects, ioErr("listProjects", rows.Err())
}

// DeleteProject removes a project and everything attached to it in one
// transaction.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, "deleteProject", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrProjectNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM explanations WHERE segment_id IN
				(SELECT id FROM segments WHERE project_id = ?)
		`, id); err != nil {
			return err
		}
		for _, q := range []string{
			"DELETE FROM segments WHERE project_id = ?",
			"DELETE FROM notes WHERE project_id = ?",
			"DELETE FROM turns WHERE project_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Segments
// =============================================================================

// ReplaceSegments atomically replaces a project's transcript with the given
// batch. Either the whole batch becomes visible or none of it does.
func (s *Store) ReplaceSegments(ctx context.Context, projectID string, segments []Segment) error {
	return s.withTx(ctx, "replaceSegments", func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM explanations WHERE segment_id IN
				(SELECT id FROM segments WHERE project_id = ?)
		`, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE project_id = ?", projectID); err != nil {
			return err
		}

		for i, seg := range segments {
			version := seg.Version
			if version == 0 {
				version = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO segments (project_id, idx, start_time, end_time, text, version)
				VALUES (?, ?, ?, ?, ?, ?)
			`, projectID, i, seg.Start, seg.End, seg.Text, version); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx,
			"UPDATE projects SET updated_at = ? WHERE id = ?",
			time.Now().Unix(), projectID)
		return err
	})
}

// Segments returns a project's transcript ordered by index.
func (s *Store) Segments(ctx context.Context, projectID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, idx, start_time, end_time, text, version
		FROM segments WHERE project_id = ? ORDER BY idx
	`, projectID)
	if err != nil {
		return nil, ioErr("segments", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.ProjectID, &seg.Index,
			&seg.Start, &seg.End, &seg.Text, &seg.Version); err != nil {
			return nil, ioErr("segments", err)
		}
		segments = append(segments, seg)
	}
	return segments, ioErr("segments", rows.Err())
}

// Segment loads a single segment by ID.
func (s *Store) Segment(ctx context.Context, id int64) (Segment, error) {
	var seg Segment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, idx, start_time, end_time, text, version
		FROM segments WHERE id = ?
	`, id).Scan(&seg.ID, &seg.ProjectID, &seg.Index,
		&seg.Start, &seg.End, &seg.Text, &seg.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, ErrSegmentNotFound
	}
	if err != nil {
		return Segment{}, ioErr("segment", err)
	}
	return seg, nil
}

// CorrectSegment replaces a segment's text as a new version. Cached
// explanations for the old text are dropped in the same transaction so the
// cache never serves an analysis of superseded text.
func (s *Store) CorrectSegment(ctx context.Context, id int64, text string) (Segment, error) {
	var seg Segment
	err := s.withTx(ctx, "correctSegment", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, project_id, idx, start_time, end_time, text, version
			FROM segments WHERE id = ?
		`, id)
		if err := row.Scan(&seg.ID, &seg.ProjectID, &seg.Index,
			&seg.Start, &seg.End, &seg.Text, &seg.Version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSegmentNotFound
			}
			return err
		}

		seg.Text = text
		seg.Version++
		if _, err := tx.ExecContext(ctx,
			"UPDATE segments SET text = ?, version = ? WHERE id = ?",
			seg.Text, seg.Version, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM explanations WHERE segment_id = ?", id)
		return err
	})
	if err != nil {
		return Segment{}, err
	}
	return seg, nil
}

// =============================================================================
// Notes
// =============================================================================

// SaveNote inserts a note (ID zero) or updates an existing one.
func (s *Store) SaveNote(ctx context.Context, note Note) (Note, error) {
	now := time.Now().Truncate(time.Second)
	if note.ID == 0 {
		note.CreatedAt = now
		note.UpdatedAt = now
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO notes (project_id, anchor, text, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, note.ProjectID, note.Anchor, note.Text, now.Unix(), now.Unix())
		if err != nil {
			return Note{}, ioErr("saveNote", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Note{}, ioErr("saveNote", err)
		}
		note.ID = id
		return note, nil
	}

	note.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		"UPDATE notes SET anchor = ?, text = ?, updated_at = ? WHERE id = ?",
		note.Anchor, note.Text, now.Unix(), note.ID)
	if err != nil {
		return Note{}, ioErr("saveNote", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Note{}, ioErr("saveNote", err)
	}
	if n == 0 {
		return Note{}, ErrNoteNotFound
	}
	return note, nil
}

// Notes returns a project's notes ordered by anchor.
func (s *Store) Notes(ctx context.Context, projectID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, anchor, text, created_at, updated_at
		FROM notes WHERE project_id = ? ORDER BY anchor, id
	`, projectID)
	if err != nil {
		return nil, ioErr("notes", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var created, updated int64
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Anchor, &n.Text, &created, &updated); err != nil {
			return nil, ioErr("notes", err)
		}
		n.CreatedAt = time.Unix(created, 0)
		n.UpdatedAt = time.Unix(updated, 0)
		notes = append(notes, n)
	}
	return notes, ioErr("notes", rows.Err())
}

// DeleteNote removes a note by ID.
func (s *Store) DeleteNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return ioErr("deleteNote", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("deleteNote", err)
	}
	if n == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// =============================================================================
// Explanations
// =============================================================================

// UpsertExplanation stores an explanation, replacing any previous entry for
// the same key.
func (s *Store) UpsertExplanation(ctx context.Context, key ExplanationKey, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO explanations (segment_id, model, language, text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (segment_id, model, language)
		DO UPDATE SET text = excluded.text, created_at = excluded.created_at
	`, key.SegmentID, key.Model, key.Language, text, time.Now().Unix())
	return ioErr("upsertExplanation", err)
}

// Explanation loads the cached explanation for a key.
// Returns ErrExplanationNotFound on a miss.
func (s *Store) Explanation(ctx context.Context, key ExplanationKey) (Explanation, error) {
	var e Explanation
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT text, created_at FROM explanations
		WHERE segment_id = ? AND model = ? AND language = ?
	`, key.SegmentID, key.Model, key.Language).Scan(&e.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Explanation{}, ErrExplanationNotFound
	}
	if err != nil {
		return Explanation{}, ioErr("explanation", err)
	}
	e.Key = key
	e.CreatedAt = time.Unix(created, 0)
	return e, nil
}

// DeleteExplanations removes all cached explanations for a segment,
// across every model and language.
func (s *Store) DeleteExplanations(ctx context.Context, segmentID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM explanations WHERE segment_id = ?", segmentID)
	return ioErr("deleteExplanations", err)
}

// =============================================================================
// Conversation turns
// =============================================================================

// AppendTurn appends a turn to a project's conversation and returns its
// assigned sequence number. Sequence numbers are strictly increasing with no
// gaps; assignment and insert happen in one transaction.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) (int64, error) {
	var seq int64
	err := s.withTx(ctx, "appendTurn", func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, turn.ProjectID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE project_id = ?",
			turn.ProjectID).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO turns (project_id, seq, role, content, thinking, complete, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, turn.ProjectID, seq, string(turn.Role), turn.Content, turn.Thinking,
			boolToInt(turn.Complete), time.Now().Unix())
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Turns returns a project's conversation in sequence order.
func (s *Store) Turns(ctx context.Context, projectID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, seq, role, content, thinking, complete, created_at
		FROM turns WHERE project_id = ? ORDER BY seq
	`, projectID)
	if err != nil {
		return nil, ioErr("turns", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		var complete int
		var created int64
		if err := rows.Scan(&t.ProjectID, &t.Seq, &role, &t.Content,
			&t.Thinking, &complete, &created); err != nil {
			return nil, ioErr("turns", err)
		}
		t.Role = Role(role)
		t.Complete = complete != 0
		t.CreatedAt = time.Unix(created, 0)
		turns = append(turns, t)
	}
	return turns, ioErr("turns", rows.Err())
}

// ClearTurns deletes a project's entire conversation, resetting the
// sequence.
func (s *Store) ClearTurns(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM turns WHERE project_id = ?", projectID)
	return ioErr("clearTurns", err)
}

// MarkTurnComplete updates a turn's completeness flag.
func (s *Store) MarkTurnComplete(ctx context.Context, projectID string, seq int64, complete bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE turns SET complete = ? WHERE project_id = ? AND seq = ?",
		boolToInt(complete), projectID, seq)
	if err != nil {
		return ioErr("markTurnComplete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("markTurnComplete", err)
	}
	if n == 0 {
		return ErrTurnNotFound
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(op, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		if isSentinel(err) {
			return err
		}
		return ioErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return ioErr(op, err)
	}
	return nil
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrNoteNotFound) ||
		errors.Is(err, ErrExplanationNotFound) ||
		errors.Is(err, ErrTurnNotFound)
}

func projectExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM projects WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrProjectNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (Project, error) {
	var p Project
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Audio.Path, &p.Audio.Format,
		&p.Audio.Duration, &created, &updated); err != nil {
		return Project{}, err
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
