// Package worker dispatches queued jobs to the orchestrator one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/metrics"
)

const defaultInterval = time.Second

// Store is the slice of the job store the worker needs.
type Store interface {
	ListJobs(ctx context.Context, limit int) ([]*api.Job, error)
	GetJob(ctx context.Context, id string) (*api.Job, error)
	UpdateStatus(ctx context.Context, id string, status api.JobStatus, report any) error
	AppendLog(ctx context.Context, id string, kind api.LogKind, content any) error
}

// Runner executes one build attempt for a running job.
type Runner interface {
	Run(ctx context.Context, job *api.Job) error
}

// Worker polls the store on a fixed interval. Builds run sequentially, so a
// long build holds every other queued job until it terminates.
type Worker struct {
	store    Store
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// New returns a worker. interval <= 0 defaults to one second.
func New(store Store, runner Runner, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, runner: runner, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled. It always returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("scan jobs", "err", err)
			}
		}
	}
}

// Tick dispatches every job that is queued at scan time, oldest first. Only
// a failure to list jobs is returned; per-job failures end up on the job.
func (w *Worker) Tick(ctx context.Context) error {
	jobs, err := w.store.ListJobs(ctx, 0)
	if err != nil {
		return err
	}
	// ListJobs is newest-first
	for i := len(jobs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if jobs[i].Status != api.StatusQueued {
			continue
		}
		w.dispatch(ctx, jobs[i])
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, job *api.Job) {
	logger := w.logger.With("job", job.ID, "project", job.ProjectName, "mode", job.Mode)
	if err := w.store.UpdateStatus(ctx, job.ID, api.StatusRunning, nil); err != nil {
		// another writer moved it first
		logger.Warn("claim job", "err", err)
		return
	}
	job.Status = api.StatusRunning
	metrics.JobsStarted.Inc()
	logger.Info("build started")

	// a started attempt runs to its terminal outcome even during shutdown
	wctx := context.WithoutCancel(ctx)
	start := time.Now()
	runErr := w.run(wctx, job)
	metrics.BuildDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		logger.Error("build aborted", "err", runErr)
		if err := w.store.AppendLog(wctx, job.ID, api.LogError, runErr.Error()); err != nil {
			logger.Warn("append error log", "err", err)
		}
		w.updateStatusWithRetries(wctx, job.ID, api.StatusFailed, api.ErrorReport{Error: runErr.Error()})
	}

	final, err := w.store.GetJob(wctx, job.ID)
	if err != nil {
		logger.Warn("read final status", "err", err)
		return
	}
	metrics.JobsFinished.WithLabelValues(string(final.Status)).Inc()
	logger.Info("build finished", "status", final.Status, "elapsed", time.Since(start).Round(time.Millisecond))
}

// run calls the runner, turning a panic into an error so the job still
// reaches a terminal status and the loop moves on.
func (w *Worker) run(ctx context.Context, job *api.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build panicked: %v", r)
		}
	}()
	return w.runner.Run(ctx, job)
}

func (w *Worker) updateStatusWithRetries(ctx context.Context, id string, status api.JobStatus, report any) {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := w.store.UpdateStatus(ctx, id, status, report)
		if err == nil {
			return
		}
		if !isBusy(err) {
			w.logger.Error("update status", "job", id, "status", status, "err", err)
			return
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	w.logger.Error("update status failed after retries", "job", id, "status", status)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
