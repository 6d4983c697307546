// Package metrics holds the Prometheus collectors shared by the worker,
// the orchestrator and the model providers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsStarted counts jobs the worker moved to running.
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_jobs_started_total",
		Help: "Jobs picked up by the worker",
	})

	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_jobs_finished_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"status"})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_build_duration_seconds",
		Help:    "Wall time of one build attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// FixIterations tracks how many oracle rounds a build consumed.
	FixIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_fix_iterations",
		Help:    "Oracle iterations per build",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})

	// OracleResults counts oracle verdicts by oracle and outcome.
	OracleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_oracle_results_total",
		Help: "Oracle verdicts by oracle and outcome",
	}, []string{"oracle", "outcome"})

	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_llm_requests_total",
		Help: "Model completion requests by provider and outcome",
	}, []string{"provider", "outcome"})

	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_llm_request_duration_seconds",
		Help:    "Model completion latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
	}, []string{"provider"})

	// FilesWritten counts files materialized from model output.
	FilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_files_written_total",
		Help: "Files written into workspaces from fenced blocks",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
