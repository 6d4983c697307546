package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/throw-if-null/forge/internal/api"
)

func (s *Store) CreateProject(ctx context.Context, name string) (*api.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	p := &api.Project{ID: newID(), Name: name, CreatedAt: now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, workspace_path, created_at) VALUES (?, ?, '', ?)`, p.ID, p.Name, p.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*api.Project, error) {
	var p api.Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, workspace_path, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.WorkspacePath, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// SetProjectWorkspace records the workspace of a project. The path is fixed
// once set: a different path is rejected, the same path is a no-op.
func (s *Store) SetProjectWorkspace(ctx context.Context, id, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT workspace_path FROM projects WHERE id = ?`, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if cur == path {
			return nil
		}
		if cur != "" {
			return fmt.Errorf("project %s already has workspace %s", id, cur)
		}
		_, err := tx.ExecContext(ctx, `UPDATE projects SET workspace_path = ? WHERE id = ?`, path, id)
		return err
	})
}

// GetMessages returns the project's conversation oldest first.
func (s *Store) GetMessages(ctx context.Context, projectID string) ([]api.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, role, content, job_id, created_at FROM messages WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []api.Message{}
	for rows.Next() {
		var m api.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Content, &m.JobID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMessage appends a message to the project's conversation. jobID links
// the message to the build that produced or consumed it and may be empty.
func (s *Store) AddMessage(ctx context.Context, projectID string, role api.Role, content, jobID string) error {
	if role != api.RoleUser && role != api.RoleAssistant {
		return fmt.Errorf("unknown role %q", role)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO messages (project_id, role, content, job_id, created_at) VALUES (?, ?, ?, ?, ?)`, projectID, role, content, jobID, now())
		return err
	})
}
