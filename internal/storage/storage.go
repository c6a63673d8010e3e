package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an attempt id is unknown.
var ErrNotFound = errors.New("attempt not found")

// Attempt statuses.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Store wraps SQLite-backed persistence for solve attempts and their state transitions.
// A nil *Store accepts writes and discards them.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Workers write concurrently; a single connection serialises them without SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS solve_attempts (
            id TEXT PRIMARY KEY,
            image_path TEXT NOT NULL,
            origin TEXT,
            status TEXT NOT NULL,
            kind TEXT,
            source TEXT,
            stage TEXT,
            message TEXT,
            error_message TEXT,
            local_kind TEXT,
            ra REAL,
            dec REAL,
            pixel_scale REAL,
            orientation REAL,
            parity TEXT,
            created_at INTEGER NOT NULL,
            started_at INTEGER,
            completed_at INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS attempt_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            attempt_id TEXT NOT NULL,
            from_state TEXT NOT NULL,
            to_state TEXT NOT NULL,
            detail TEXT,
            event_time INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_events_attempt ON attempt_events(attempt_id);`,
		`CREATE INDEX IF NOT EXISTS idx_solve_attempts_created ON solve_attempts(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Solution is a persisted calibration.
type Solution struct {
	RA          float64 `json:"ra"`
	Dec         float64 `json:"dec"`
	PixelScale  float64 `json:"pixel_scale"`
	Orientation float64 `json:"orientation"`
	Parity      string  `json:"parity"`
}

// AttemptRecord captures a persisted attempt.
type AttemptRecord struct {
	ID          string
	ImagePath   string
	Origin      string // cli, http, watch
	Status      string
	Kind        string
	Source      string
	Stage       string
	Message     string
	Error       string
	LocalKind   string
	Solution    *Solution
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AttemptResult is the final state written when an attempt finishes.
type AttemptResult struct {
	Kind      string
	Source    string
	Stage     string
	Message   string
	Error     string
	LocalKind string
	Solution  *Solution
}

// TransitionRecord is one state change of an attempt.
type TransitionRecord struct {
	AttemptID string
	From      string
	To        string
	Detail    string
	At        time.Time
}

// RecordAttemptQueued inserts a pending attempt.
func (s *Store) RecordAttemptQueued(rec AttemptRecord) error {
	if s == nil {
		return nil
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_attempts (id, image_path, origin, status, created_at) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.ImagePath, rec.Origin, StatusQueued, created.UnixMilli())
	return err
}

// DiscardQueuedAttempt removes an attempt that never left the queue.
func (s *Store) DiscardQueuedAttempt(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM solve_attempts WHERE id=? AND status=?;`, id, StatusQueued)
	return err
}

// RecordAttemptStart marks an attempt as running.
func (s *Store) RecordAttemptStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_attempts SET status=?, started_at=? WHERE id=?;`, StatusRunning, time.Now().UnixMilli(), id)
	return err
}

// RecordTransition appends a state change.
func (s *Store) RecordTransition(tr TransitionRecord) error {
	if s == nil {
		return nil
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO attempt_events (attempt_id, from_state, to_state, detail, event_time) VALUES (?, ?, ?, ?, ?);`,
		tr.AttemptID, tr.From, tr.To, tr.Detail, at.UnixMilli())
	return err
}

// RecordAttemptResult finalizes an attempt.
func (s *Store) RecordAttemptResult(id string, res AttemptResult) error {
	if s == nil {
		return nil
	}
	var ra, dec, scale, orient sql.NullFloat64
	var parity sql.NullString
	if sol := res.Solution; sol != nil {
		ra = sql.NullFloat64{Float64: sol.RA, Valid: true}
		dec = sql.NullFloat64{Float64: sol.Dec, Valid: true}
		scale = sql.NullFloat64{Float64: sol.PixelScale, Valid: true}
		orient = sql.NullFloat64{Float64: sol.Orientation, Valid: true}
		parity = sql.NullString{String: sol.Parity, Valid: true}
	}
	r, err := s.DB.Exec(`UPDATE solve_attempts SET status=?, kind=?, source=?, stage=?, message=?, error_message=?, local_kind=?,
            ra=?, dec=?, pixel_scale=?, orientation=?, parity=?, completed_at=? WHERE id=?;`,
		StatusFinished, res.Kind, res.Source, res.Stage, res.Message, res.Error, res.LocalKind,
		ra, dec, scale, orient, parity, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const attemptColumns = `id, image_path, origin, status, kind, source, stage, message, error_message, local_kind,
    ra, dec, pixel_scale, orientation, parity, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (AttemptRecord, error) {
	var rec AttemptRecord
	var origin, kind, source, stage, message, errMsg, localKind, parity sql.NullString
	var ra, dec, scale, orient sql.NullFloat64
	var created int64
	var started, completed sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.ImagePath, &origin, &rec.Status, &kind, &source, &stage, &message, &errMsg, &localKind,
		&ra, &dec, &scale, &orient, &parity, &created, &started, &completed); err != nil {
		return rec, err
	}
	rec.Origin, rec.Kind, rec.Source, rec.Stage = origin.String, kind.String, source.String, stage.String
	rec.Message, rec.Error, rec.LocalKind = message.String, errMsg.String, localKind.String
	if ra.Valid && dec.Valid {
		rec.Solution = &Solution{RA: ra.Float64, Dec: dec.Float64, PixelScale: scale.Float64, Orientation: orient.Float64, Parity: parity.String}
	}
	rec.CreatedAt = time.UnixMilli(created)
	if started.Valid {
		t := time.UnixMilli(started.Int64)
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		rec.CompletedAt = &t
	}
	return rec, nil
}

// RecentAttempts returns the latest attempts up to limit.
func (s *Store) RecentAttempts(limit int) ([]AttemptRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(`SELECT `+attemptColumns+` FROM solve_attempts ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AttemptRecord
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Attempt fetches one attempt by id.
func (s *Store) Attempt(id string) (*AttemptRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rec, err := scanAttempt(s.DB.QueryRow(`SELECT `+attemptColumns+` FROM solve_attempts WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Transitions lists the recorded state changes of an attempt in order.
func (s *Store) Transitions(id string) ([]TransitionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT attempt_id, from_state, to_state, detail, event_time FROM attempt_events WHERE attempt_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var tr TransitionRecord
		var detail sql.NullString
		var at int64
		if err := rows.Scan(&tr.AttemptID, &tr.From, &tr.To, &detail, &at); err != nil {
			return nil, err
		}
		tr.Detail = detail.String
		tr.At = time.UnixMilli(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// KindCounts summarises finished attempts by outcome kind.
func (s *Store) KindCounts() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT kind, COUNT(*) FROM solve_attempts WHERE status=? GROUP BY kind;`, StatusFinished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var kind sql.NullString
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind.String] = n
	}
	return counts, rows.Err()
}
