// Package server exposes the job store and the generated workspaces over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/metrics"
	"github.com/throw-if-null/forge/internal/paths"
	"github.com/throw-if-null/forge/internal/store"
	"github.com/throw-if-null/forge/internal/workspace"
)

// maximum request body accepted on create endpoints
const maxBodyBytes = 8 << 20 // 8 MiB

type Store interface {
	CreateJob(ctx context.Context, r *api.CreateJobRequest) (*api.Job, error)
	GetJob(ctx context.Context, id string) (*api.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*api.Job, error)
	Logs(ctx context.Context, id string, afterSeq int64) ([]api.LogEntry, error)
	CreateProject(ctx context.Context, name string) (*api.Project, error)
	GetProject(ctx context.Context, id string) (*api.Project, error)
	GetMessages(ctx context.Context, projectID string) ([]api.Message, error)
}

type Server struct {
	store         Store
	workspaceRoot string
	logger        *slog.Logger
}

func New(store Store, workspaceRoot string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, workspaceRoot: workspaceRoot, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{job_id}/logs", s.handleGetLogs)
	mux.HandleFunc("GET /v1/jobs/{job_id}/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/jobs/{job_id}/files/{path...}", s.handleGetFile)
	mux.HandleFunc("GET /v1/jobs/{job_id}/export", s.handleExport)
	mux.HandleFunc("POST /v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /v1/projects/{project_id}", s.handleGetProject)
	mux.HandleFunc("GET /v1/projects/{project_id}/messages", s.handleGetMessages)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req api.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ProjectName) == "" || strings.TrimSpace(req.Spec) == "" {
		http.Error(w, "project_name and spec are required", http.StatusBadRequest)
		return
	}
	if req.Mode != "" && req.Mode != api.ModeCreate && req.Mode != api.ModeModify {
		http.Error(w, "mode must be create or modify", http.StatusBadRequest)
		return
	}
	if req.MaxIters < 0 {
		http.Error(w, "max_iters must not be negative", http.StatusBadRequest)
		return
	}
	if req.Mode == api.ModeModify && req.ProjectID == "" {
		http.Error(w, "modify requires project_id", http.StatusBadRequest)
		return
	}

	if req.ProjectID != "" && req.Mode != api.ModeModify {
		p, err := s.store.GetProject(r.Context(), req.ProjectID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("load project", "project", req.ProjectID, "err", err)
			http.Error(w, "failed to create job", http.StatusInternalServerError)
			return
		}
		if p != nil && p.WorkspacePath != "" {
			http.Error(w, "project already has a workspace; use mode=modify", http.StatusConflict)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), &req)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("create job", "err", err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	s.logger.Info("job queued", "job", job.ID, "project", job.ProjectName, "mode", job.Mode)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*api.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetLogs returns entries after the `after` cursor so clients can
// follow a running build.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	logs, err := s.store.Logs(r.Context(), job.ID, after)
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Forge-Job-Status", string(job.Status))
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.workspace(w, r)
	if !ok {
		return
	}
	files, err := workspace.List(dir)
	if err != nil {
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.workspace(w, r)
	if !ok {
		return
	}
	b, err := workspace.ReadFile(dir, r.PathValue("path"))
	switch {
	case errors.Is(err, paths.ErrUnsafePath):
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	case errors.Is(err, fs.ErrNotExist):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.workspace(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("job_id")+".zip"))
	if err := workspace.Archive(dir, w); err != nil {
		// headers are gone by now
		s.logger.Error("export workspace", "dir", dir, "err", err)
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	p, err := s.store.CreateProject(r.Context(), req.Name)
	if err != nil {
		s.logger.Error("create project", "err", err)
		http.Error(w, "failed to create project", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), p.ID)
	if err != nil {
		http.Error(w, "failed to read messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// job loads the job named by the path, writing the error response itself
// when it cannot.
func (s *Server) job(w http.ResponseWriter, r *http.Request) (*api.Job, bool) {
	id := r.PathValue("job_id")
	if err := paths.ValidateJobID(id); err != nil {
		http.Error(w, "invalid job_id", http.StatusBadRequest)
		return nil, false
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "failed to read job", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}

func (s *Server) project(w http.ResponseWriter, r *http.Request) (*api.Project, bool) {
	id := r.PathValue("project_id")
	if err := paths.ValidateJobID(id); err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return nil, false
	}
	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "failed to read project", http.StatusInternalServerError)
		return nil, false
	}
	return p, true
}

// workspace resolves the directory a job built into. Modifications write
// into their project's workspace rather than a directory of their own.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	job, ok := s.job(w, r)
	if !ok {
		return "", false
	}
	if job.Mode == api.ModeModify && job.ProjectID != "" {
		p, err := s.store.GetProject(r.Context(), job.ProjectID)
		if err != nil || p.WorkspacePath == "" {
			http.Error(w, "workspace not found", http.StatusNotFound)
			return "", false
		}
		if fi, err := os.Stat(p.WorkspacePath); err != nil || !fi.IsDir() {
			http.Error(w, "workspace not found", http.StatusNotFound)
			return "", false
		}
		return p.WorkspacePath, true
	}
	dir, err := workspace.Locate(s.workspaceRoot, job)
	if errors.Is(err, workspace.ErrNotFound) {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return "", false
	}
	if err != nil {
		http.Error(w, "failed to locate workspace", http.StatusInternalServerError)
		return "", false
	}
	return dir, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
