package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/throw-if-null/forge/internal/api"

	_ "modernc.org/sqlite"
)

// Store persists jobs, their log streams, projects and conversation
// messages. Every write runs inside one transaction under mu, so two
// updates to the same record never interleave.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update would move a job
// backwards or sideways.
var ErrInvalidTransition = errors.New("invalid status transition")

// timeLayout is fixed width so that lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func now() string { return time.Now().UTC().Format(timeLayout) }

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	s := New(db)
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	stmts := []string{`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  project_name TEXT NOT NULL,
  stack TEXT NOT NULL,
  spec TEXT NOT NULL,
  max_iters INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  mode TEXT NOT NULL DEFAULT 'create',
  project_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  report TEXT
);`, `
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);`, `
CREATE TABLE IF NOT EXISTS job_logs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  ts TEXT NOT NULL,
  kind TEXT NOT NULL,
  content TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, seq);`, `
CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  workspace_path TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  job_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// withTx serializes a read-modify-write sequence behind the store mutex and
// a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateJob inserts a queued job. An empty stack defaults to python and an
// empty mode to create.
func (s *Store) CreateJob(ctx context.Context, r *api.CreateJobRequest) (*api.Job, error) {
	if strings.TrimSpace(r.ProjectName) == "" || strings.TrimSpace(r.Spec) == "" {
		return nil, fmt.Errorf("project_name and spec are required")
	}
	j := &api.Job{
		ID:          newID(),
		ProjectName: r.ProjectName,
		Stack:       r.Stack,
		Spec:        r.Spec,
		MaxIters:    r.MaxIters,
		Status:      api.StatusQueued,
		Mode:        r.Mode,
		ProjectID:   r.ProjectID,
		CreatedAt:   now(),
	}
	if j.Stack == "" {
		j.Stack = "python"
	}
	if j.Mode == "" {
		j.Mode = api.ModeCreate
	}
	if j.Mode != api.ModeCreate && j.Mode != api.ModeModify {
		return nil, fmt.Errorf("unknown mode %q", j.Mode)
	}
	if j.MaxIters < 0 {
		j.MaxIters = 0
	}
	j.UpdatedAt = j.CreatedAt

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if j.ProjectID != "" {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, j.ProjectID).Scan(&one); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("project %s: %w", j.ProjectID, ErrNotFound)
				}
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, project_name, stack, spec, max_iters, status, mode, project_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.ProjectName, j.Stack, j.Spec, j.MaxIters, j.Status, j.Mode, j.ProjectID, j.CreatedAt, j.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

const jobColumns = `id, project_name, stack, spec, max_iters, status, mode, project_id, created_at, updated_at, report`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*api.Job, error) {
	var j api.Job
	var report sql.NullString
	if err := row.Scan(&j.ID, &j.ProjectName, &j.Stack, &j.Spec, &j.MaxIters, &j.Status, &j.Mode, &j.ProjectID, &j.CreatedAt, &j.UpdatedAt, &report); err != nil {
		return nil, err
	}
	if report.Valid {
		j.Report = json.RawMessage(report.String)
	}
	return &j, nil
}

// GetJob returns the job with its full log stream.
func (s *Store) GetJob(ctx context.Context, id string) (*api.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	logs, err := s.Logs(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	j.Logs = logs
	return j, nil
}

// ListJobs returns jobs ordered newest first, without their logs. If
// limit <= 0, return all.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*api.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, rowid DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateStatus moves a job forward along queued -> running ->
// {succeeded|failed}. A nil report leaves the stored report untouched.
func (s *Store) UpdateStatus(ctx context.Context, id string, status api.JobStatus, report any) error {
	var reportJSON []byte
	if report != nil {
		b, err := marshalContent(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		reportJSON = b
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur api.JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !cur.CanTransition(status) {
			return fmt.Errorf("%s -> %s: %w", cur, status, ErrInvalidTransition)
		}
		if reportJSON != nil {
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, report = ?, updated_at = ? WHERE id = ?`, status, string(reportJSON), now(), id)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
		return err
	})
}

// AppendLog appends one entry to the job's log stream. content may be a
// string or any JSON-encodable value.
func (s *Store) AppendLog(ctx context.Context, id string, kind api.LogKind, content any) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown log kind %q", kind)
	}
	b, err := marshalContent(content)
	if err != nil {
		return fmt.Errorf("encode log content: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO job_logs (job_id, ts, kind, content) VALUES (?, ?, ?, ?)`, id, now(), kind, string(b))
		return err
	})
}

// Logs returns the entries of a job with seq > afterSeq in append order.
func (s *Store) Logs(ctx context.Context, id string, afterSeq int64) ([]api.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, ts, kind, content FROM job_logs WHERE job_id = ? AND seq > ? ORDER BY seq ASC`, id, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []api.LogEntry{}
	for rows.Next() {
		var e api.LogEntry
		var content string
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Kind, &content); err != nil {
			return nil, err
		}
		e.Content = json.RawMessage(content)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every job left running by a previous process.
// In-flight builds are not resumed. Returns the ids that were changed.
func (s *Store) MarkInterrupted(ctx context.Context) ([]string, error) {
	report, err := json.Marshal(api.ErrorReport{Error: "interrupted: daemon restarted during build"})
	if err != nil {
		return nil, err
	}
	var ids []string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, api.StatusRunning)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		ts := now()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, report = ?, updated_at = ? WHERE id = ?`, api.StatusFailed, string(report), ts, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO job_logs (job_id, ts, kind, content) VALUES (?, ?, ?, ?)`, id, ts, api.LogError, `"build interrupted by daemon restart"`); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func marshalContent(v any) ([]byte, error) {
	switch c := v.(type) {
	case json.RawMessage:
		if !json.Valid(c) {
			return nil, fmt.Errorf("invalid raw json")
		}
		return c, nil
	default:
		return json.Marshal(v)
	}
}
