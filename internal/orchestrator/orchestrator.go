// Package orchestrator drives one build attempt: scaffold, plan, generate,
// then alternate oracles and fixes until every oracle passes or the
// iteration budget runs out.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/architect"
	"github.com/throw-if-null/forge/internal/chunk"
	"github.com/throw-if-null/forge/internal/evaluator"
	"github.com/throw-if-null/forge/internal/fenced"
	"github.com/throw-if-null/forge/internal/llm"
	"github.com/throw-if-null/forge/internal/metrics"
	"github.com/throw-if-null/forge/internal/workspace"
)

// ErrNoWorkspace is returned for a modification of a project that was
// never built.
var ErrNoWorkspace = errors.New("project has no workspace")

// ErrHasWorkspace is returned for a create job on a project that was
// already built; further changes go through modify.
var ErrHasWorkspace = errors.New("project already has a workspace")

// Store is the slice of the job store a build writes to.
type Store interface {
	AppendLog(ctx context.Context, id string, kind api.LogKind, content any) error
	UpdateStatus(ctx context.Context, id string, status api.JobStatus, report any) error
	GetProject(ctx context.Context, id string) (*api.Project, error)
	SetProjectWorkspace(ctx context.Context, id, path string) error
	GetMessages(ctx context.Context, projectID string) ([]api.Message, error)
	AddMessage(ctx context.Context, projectID string, role api.Role, content, jobID string) error
}

type Reviewer interface {
	Review(ctx context.Context, root string) (architect.Review, error)
}

// Evaluators hands out the test oracle for a stack.
type Evaluators interface {
	For(stack string) evaluator.Evaluator
}

type Oracle string

const (
	OracleTests     Oracle = "tests"
	OracleArchitect Oracle = "architect"
)

type Options struct {
	// Oracles are consulted in order on every iteration.
	Oracles             []Oracle
	MaxIters            int
	MaxInputChars       int
	MaxReplyTokens      int
	ChunkChars          int
	SnapshotInlineBytes int
}

type Deps struct {
	Store      Store
	Provider   llm.Provider
	Evaluators Evaluators
	Reviewer   Reviewer
	Scaffold   workspace.Scaffold
	Logger     *slog.Logger
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxIters <= 0 {
		opts.MaxIters = 3
	}
	return &Orchestrator{deps: deps, opts: opts, tracer: otel.Tracer("forge")}
}

// build carries the state of one attempt.
type build struct {
	job  *api.Job
	dir  string
	span trace.Span
}

// Run executes one attempt for job, which must already be running. It sets
// the terminal status itself when the fix loop decides the outcome; any
// returned error means the attempt was aborted and the caller owns the
// failure.
func (o *Orchestrator) Run(ctx context.Context, job *api.Job) (err error) {
	ctx, span := o.tracer.Start(ctx, "forge.build",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.mode", string(job.Mode)),
			attribute.String("job.stack", job.Stack),
		),
	)
	defer span.End()
	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if job.ProjectID != "" {
			msg := fmt.Sprintf("Build failed: %v", err)
			if merr := o.deps.Store.AddMessage(ctx, job.ProjectID, api.RoleAssistant, msg, job.ID); merr != nil {
				o.deps.Logger.Warn("record failure message", "job", job.ID, "err", merr)
			}
		}
	}()

	b := &build{job: job, span: span}
	if job.Mode == api.ModeModify && job.ProjectID != "" {
		err = o.modify(ctx, b)
	} else {
		err = o.create(ctx, b)
	}
	if err != nil {
		return err
	}
	return o.fixLoop(ctx, b)
}

func (o *Orchestrator) log(ctx context.Context, b *build, kind api.LogKind, content any) error {
	if err := o.deps.Store.AppendLog(ctx, b.job.ID, kind, content); err != nil {
		return fmt.Errorf("append %s log: %w", kind, err)
	}
	return nil
}

func (o *Orchestrator) status(ctx context.Context, b *build, msg string) error {
	return o.log(ctx, b, api.LogStatus, msg)
}

func (o *Orchestrator) create(ctx context.Context, b *build) error {
	if b.job.ProjectID != "" {
		if err := o.deps.Store.AddMessage(ctx, b.job.ProjectID, api.RoleUser, b.job.Spec, b.job.ID); err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		project, err := o.deps.Store.GetProject(ctx, b.job.ProjectID)
		if err != nil {
			return fmt.Errorf("load project %s: %w", b.job.ProjectID, err)
		}
		if project.WorkspacePath != "" {
			return fmt.Errorf("project %s: %w", project.ID, ErrHasWorkspace)
		}
	}

	if err := o.status(ctx, b, "Creating workspace..."); err != nil {
		return err
	}
	dir, err := o.deps.Scaffold.Create(b.job)
	if err != nil {
		return fmt.Errorf("scaffold: %w", err)
	}
	b.dir = dir
	b.span.AddEvent("workspace.created", trace.WithAttributes(attribute.String("workspace", filepath.Base(dir))))
	if err := o.status(ctx, b, "Workspace created: "+filepath.Base(dir)); err != nil {
		return err
	}

	if b.job.ProjectID != "" {
		if err := o.deps.Store.SetProjectWorkspace(ctx, b.job.ProjectID, dir); err != nil {
			return fmt.Errorf("record project workspace: %w", err)
		}
	}

	chunks := chunk.Split(b.job.Spec, o.opts.ChunkChars)

	if err := o.status(ctx, b, "Planning project structure..."); err != nil {
		return err
	}
	plan, err := o.deps.Provider.Complete(ctx, plannerPrompt, chunks[0], o.opts.MaxReplyTokens)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	if err := o.log(ctx, b, api.LogPlan, plan); err != nil {
		return err
	}
	b.span.AddEvent("plan.generated")

	if err := o.status(ctx, b, "Generating code files..."); err != nil {
		return err
	}
	for i, ch := range chunks {
		if err := o.status(ctx, b, fmt.Sprintf("Processing spec chunk %d/%d...", i+1, len(chunks))); err != nil {
			return err
		}
		patch, err := o.deps.Provider.Complete(ctx, coderPrompt, generationPrompt(ch, plan), o.opts.MaxReplyTokens)
		if err != nil {
			return fmt.Errorf("generate chunk %d: %w", i+1, err)
		}
		if _, err := o.apply(ctx, b, patch); err != nil {
			return err
		}
	}
	b.span.AddEvent("code.generated", trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	return nil
}

func (o *Orchestrator) modify(ctx context.Context, b *build) error {
	project, err := o.deps.Store.GetProject(ctx, b.job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", b.job.ProjectID, err)
	}
	if project.WorkspacePath == "" {
		return fmt.Errorf("project %s: %w", project.ID, ErrNoWorkspace)
	}
	if fi, err := os.Stat(project.WorkspacePath); err != nil || !fi.IsDir() {
		return fmt.Errorf("project %s workspace %s missing: %w", project.ID, project.WorkspacePath, ErrNoWorkspace)
	}
	b.dir = project.WorkspacePath
	if err := o.status(ctx, b, "Resuming workspace: "+filepath.Base(b.dir)); err != nil {
		return err
	}

	history, err := o.deps.Store.GetMessages(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if err := o.deps.Store.AddMessage(ctx, project.ID, api.RoleUser, b.job.Spec, b.job.ID); err != nil {
		return fmt.Errorf("record request: %w", err)
	}

	if err := o.status(ctx, b, "Reading current workspace..."); err != nil {
		return err
	}
	snapshot, err := workspace.Snapshot(b.dir, o.opts.SnapshotInlineBytes)
	if err != nil {
		return fmt.Errorf("snapshot workspace: %w", err)
	}

	if err := o.status(ctx, b, "Making targeted modifications..."); err != nil {
		return err
	}
	patch, err := o.deps.Provider.Complete(ctx, modifierPrompt, modificationPrompt(history, snapshot, b.job.Spec), o.opts.MaxReplyTokens)
	if err != nil {
		return fmt.Errorf("modify: %w", err)
	}
	written, err := o.apply(ctx, b, patch)
	if err != nil {
		return err
	}
	b.span.AddEvent("code.modified", trace.WithAttributes(attribute.Int("files", len(written))))
	return o.status(ctx, b, fmt.Sprintf("Modified %d file(s)", len(written)))
}

// apply writes the fenced blocks of reply into the workspace and logs each
// written file with its full content. Unsafe targets are logged as errors
// and skipped.
func (o *Orchestrator) apply(ctx context.Context, b *build, reply string) ([]string, error) {
	res, err := fenced.Apply(b.dir, reply)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	for _, rej := range res.Rejected {
		o.deps.Logger.Warn("rejected block", "job", b.job.ID, "path", rej.Path, "reason", rej.Reason)
		if err := o.log(ctx, b, api.LogError, rej); err != nil {
			return nil, err
		}
	}
	for _, rel := range res.Written {
		content, err := workspace.ReadFile(b.dir, rel)
		if err != nil {
			return nil, fmt.Errorf("read back %s: %w", rel, err)
		}
		if err := o.log(ctx, b, api.LogFile, api.FileLog{Path: rel, Content: string(content)}); err != nil {
			return nil, err
		}
	}
	metrics.FilesWritten.Add(float64(len(res.Written)))
	if len(res.Written) == 0 {
		if err := o.status(ctx, b, "No changes applied"); err != nil {
			return nil, err
		}
	}
	return res.Written, nil
}

// verdict is what one iteration's oracles concluded.
type verdict struct {
	passed     bool
	testReport *evaluator.Report
	review     *architect.Review
}

func (o *Orchestrator) maxIters(job *api.Job) int {
	if job.MaxIters > 0 {
		return job.MaxIters
	}
	return o.opts.MaxIters
}

func (o *Orchestrator) fixLoop(ctx context.Context, b *build) error {
	if err := o.status(ctx, b, "Running tests..."); err != nil {
		return err
	}
	iters := o.maxIters(b.job)
	var last verdict
	for i := 1; i <= iters; i++ {
		v, err := o.iteration(ctx, b, i, iters)
		if err != nil {
			return err
		}
		last = v
		if v.passed {
			metrics.FixIterations.Observe(float64(i))
			b.span.AddEvent("build.succeeded", trace.WithAttributes(attribute.Int("iteration", i)))
			b.span.SetStatus(codes.Ok, "")
			return o.finish(ctx, b, api.StatusSucceeded, v, "Build succeeded! All checks passed.")
		}
	}
	metrics.FixIterations.Observe(float64(iters))
	b.span.AddEvent("build.failed", trace.WithAttributes(attribute.Int("iterations", iters)))
	return o.finish(ctx, b, api.StatusFailed, last, "Build failed after maximum fix attempts.")
}

// iteration consults every oracle once and, when any of them fails,
// requests and applies one combined fix.
func (o *Orchestrator) iteration(ctx context.Context, b *build, i, iters int) (verdict, error) {
	ctx, span := o.tracer.Start(ctx, "forge.iteration", trace.WithAttributes(attribute.Int("iteration", i)))
	defer span.End()

	v := verdict{passed: true}
	for _, oracle := range o.opts.Oracles {
		switch oracle {
		case OracleTests:
			ok, rep := o.deps.Evaluators.For(b.job.Stack).Run(ctx, b.dir)
			v.testReport = &rep
			v.passed = v.passed && ok
			span.SetAttributes(attribute.Bool("tests.passed", ok))
			metrics.OracleResults.WithLabelValues(string(oracle), outcome(ok)).Inc()
			if err := o.log(ctx, b, api.LogTest, map[string]any{"iteration": i, "passed": ok, "output": rep}); err != nil {
				return v, err
			}
		case OracleArchitect:
			if o.deps.Reviewer == nil {
				continue
			}
			if err := o.status(ctx, b, "Architect reviewing code..."); err != nil {
				return v, err
			}
			rv, err := o.deps.Reviewer.Review(ctx, b.dir)
			if err != nil {
				span.RecordError(err)
				return v, fmt.Errorf("review: %w", err)
			}
			v.review = &rv
			v.passed = v.passed && !rv.HasIssues
			span.SetAttributes(attribute.Bool("review.has_issues", rv.HasIssues), attribute.String("review.severity", rv.Severity))
			metrics.OracleResults.WithLabelValues(string(oracle), outcome(!rv.HasIssues)).Inc()
			if err := o.log(ctx, b, api.LogArchitect, map[string]any{"iteration": i, "review": rv}); err != nil {
				return v, err
			}
		}
	}
	if v.passed {
		return v, nil
	}

	if err := o.status(ctx, b, fmt.Sprintf("Checks failed (attempt %d/%d). Applying fixes...", i, iters)); err != nil {
		return v, err
	}
	var findings, failure string
	if v.review != nil {
		findings = architect.FormatForFixer(*v.review)
	}
	if v.testReport != nil && !v.testReport.Passed {
		raw, err := json.Marshal(v.testReport)
		if err != nil {
			return v, fmt.Errorf("encode test report: %w", err)
		}
		failure = string(raw)
	}
	fix, err := o.deps.Provider.Complete(ctx, fixerPrompt, fixPrompt(findings, failure, o.opts.MaxInputChars), o.opts.MaxReplyTokens)
	if err != nil {
		span.RecordError(err)
		return v, fmt.Errorf("fix iteration %d: %w", i, err)
	}
	written, err := o.apply(ctx, b, fix)
	if err != nil {
		return v, err
	}
	span.SetAttributes(attribute.Int("fix.files", len(written)))
	return v, nil
}

// finish records the terminal status with the iteration's report and tells
// the conversation, if any, how it went.
func (o *Orchestrator) finish(ctx context.Context, b *build, status api.JobStatus, v verdict, msg string) error {
	if err := o.status(ctx, b, msg); err != nil {
		return err
	}
	var report any
	switch {
	case v.testReport != nil:
		report = v.testReport
	case v.review != nil:
		report = v.review
	default:
		report = map[string]any{"passed": status == api.StatusSucceeded}
	}
	if err := o.deps.Store.UpdateStatus(ctx, b.job.ID, status, report); err != nil {
		return fmt.Errorf("set %s: %w", status, err)
	}
	o.deps.Logger.Info("build finished", "job", b.job.ID, "status", status, "workspace", b.dir)

	if b.job.ProjectID == "" {
		return nil
	}
	reply := fmt.Sprintf("Successfully %s the project. All checks passed!", verb(b.job))
	if status != api.StatusSucceeded {
		reply = fmt.Sprintf("Build failed after %d attempts. Please review the errors and try again.", o.maxIters(b.job))
	}
	if err := o.deps.Store.AddMessage(ctx, b.job.ProjectID, api.RoleAssistant, reply, b.job.ID); err != nil {
		o.deps.Logger.Warn("record assistant message", "job", b.job.ID, "err", err)
	}
	return nil
}

func verb(job *api.Job) string {
	if job.Mode == api.ModeModify {
		return "modified"
	}
	return "created"
}

func outcome(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

func truncate(s string, limit int) string {
	if cut := chunk.Truncate(s, limit); len(cut) < len(s) {
		return cut + truncatedMarker
	}
	return s
}
