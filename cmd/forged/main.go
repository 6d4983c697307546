package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/throw-if-null/forge/internal/architect"
	"github.com/throw-if-null/forge/internal/config"
	"github.com/throw-if-null/forge/internal/evaluator"
	"github.com/throw-if-null/forge/internal/llm"
	"github.com/throw-if-null/forge/internal/logging"
	"github.com/throw-if-null/forge/internal/orchestrator"
	"github.com/throw-if-null/forge/internal/server"
	"github.com/throw-if-null/forge/internal/store"
	"github.com/throw-if-null/forge/internal/telemetry"
	"github.com/throw-if-null/forge/internal/version"
	"github.com/throw-if-null/forge/internal/worker"
	"github.com/throw-if-null/forge/internal/workspace"
)

// overridable in tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
	newProvider   = llm.New
)

type daemon struct {
	cfg      config.Config
	logger   *slog.Logger
	handler  http.Handler
	worker   *worker.Worker
	shutdown func(context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, os.LookupEnv)
	if err != nil {
		log.Fatalf("forged: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.shutdown(sctx)
	}()

	srv := &http.Server{Addr: d.cfg.Server.Addr, Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.worker.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		d.logger.Info("listening", "addr", "http://"+srv.Addr, "version", version.Version, "commit", version.Commit)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		d.logger.Error("forged stopped", "err", err)
		os.Exit(1)
	}
}

// setup wires config, store, model provider, oracles, worker and HTTP
// handler. The returned daemon's shutdown closes the store and flushes
// telemetry.
func setup(ctx context.Context, lookup func(string) (string, bool)) (*daemon, error) {
	// .env is optional
	_ = dotenvLoad()

	dataDir, err := config.DataDir(lookup)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	res := config.Load(dataDir)
	cfg := res.Config
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	logger, lerr := logging.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	if lerr != nil {
		logger.Warn("log level", "err", lerr)
	}
	if res.ParseError != nil {
		logger.Warn("config ignored, using defaults", "path", res.Path, "err", res.ParseError)
	} else if res.Found {
		logger.Info("config loaded", "path", res.Path)
	}

	tshutdown, err := telemetryInit(ctx, telemetry.Config{
		ServiceName:    "forged",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		_ = tshutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	shutdown := func(ctx context.Context) error {
		return errors.Join(st.Close(), tshutdown(ctx))
	}

	interrupted, err := st.MarkInterrupted(ctx)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("reconcile interrupted jobs: %w", err)
	}
	for _, id := range interrupted {
		logger.Warn("job interrupted by restart", "job", id)
	}

	provider, err := newProvider(cfg.LLM, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("model provider: %w", err)
	}

	oracles := []orchestrator.Oracle{orchestrator.OracleTests}
	if cfg.ReviewEnabled() {
		oracles = append(oracles, orchestrator.OracleArchitect)
	}
	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Provider: provider,
		Evaluators: &evaluator.Factory{
			Runner:   &evaluator.RealCommandRunner{},
			Commands: cfg.Evaluator.Commands,
			Timeout:  time.Duration(cfg.Evaluator.TimeoutSeconds) * time.Second,
		},
		Reviewer: architect.New(provider, architect.Options{
			MaxInputChars:  cfg.Build.MaxInputChars,
			MaxReplyTokens: cfg.Build.MaxReplyTokens,
		}),
		Scaffold: workspace.Scaffold{Root: cfg.Build.WorkspaceRoot},
		Logger:   logger,
	}, orchestrator.Options{
		Oracles:             oracles,
		MaxIters:            cfg.Build.MaxIters,
		MaxInputChars:       cfg.Build.MaxInputChars,
		MaxReplyTokens:      cfg.Build.MaxReplyTokens,
		ChunkChars:          cfg.Build.ChunkChars,
		SnapshotInlineBytes: cfg.Build.SnapshotInlineBytes,
	})

	logger.Info("forged configured",
		"data_dir", cfg.DataDir,
		"workspaces", cfg.Build.WorkspaceRoot,
		"max_iters", cfg.Build.MaxIters,
		"review", cfg.ReviewEnabled(),
	)
	return &daemon{
		cfg:      cfg,
		logger:   logger,
		handler:  server.New(st, cfg.Build.WorkspaceRoot, logger).Handler(),
		worker:   worker.New(st, orch, cfg.PollInterval(), logger),
		shutdown: shutdown,
	}, nil
}
