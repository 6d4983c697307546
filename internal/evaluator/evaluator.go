// Package evaluator runs a workspace's test suite and reports the outcome.
package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Evaluator decides whether a workspace passes.
type Evaluator interface {
	Run(ctx context.Context, dir string) (bool, Report)
}

// Report is the diagnostic payload of one evaluation. It is stored as the
// job report and sent verbatim to the fixer when tests fail.
type Report struct {
	Command    []string `json:"command"`
	ExitCode   int      `json:"exit_code"`
	Passed     bool     `json:"passed"`
	Output     string   `json:"output"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// MaxOutputBytes bounds the captured output; the tail is kept because test
// runners print their summary last.
const MaxOutputBytes = 64 * 1024

// CommandEvaluator passes when Argv exits zero inside the workspace.
type CommandEvaluator struct {
	Runner  CommandRunner
	Argv    []string
	Env     []string
	Timeout time.Duration
}

func (e *CommandEvaluator) Run(ctx context.Context, dir string) (bool, Report) {
	rep := Report{Command: e.Argv, ExitCode: -1}
	if len(e.Argv) == 0 {
		rep.Error = "no test command configured"
		return false, rep
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var out syncBuffer
	start := time.Now()
	code, err := e.Runner.Run(ctx, dir, e.Argv, e.Env, &out, &out)
	rep.DurationMS = time.Since(start).Milliseconds()
	rep.ExitCode = code
	rep.Output = tail(out.String(), MaxOutputBytes)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rep.Error = fmt.Sprintf("test command timed out after %s", e.Timeout)
	case err != nil && code < 0:
		rep.Error = err.Error()
	}
	rep.Passed = err == nil && code == 0
	return rep.Passed, rep
}

// Factory hands out the evaluator for a project stack.
type Factory struct {
	Runner   CommandRunner
	Commands map[string][]string
	Timeout  time.Duration
}

// For returns the evaluator for stack. An unknown stack yields an
// evaluator that always fails with an explanatory report.
func (f *Factory) For(stack string) Evaluator {
	argv := f.Commands[strings.ToLower(strings.TrimSpace(stack))]
	return &CommandEvaluator{Runner: f.Runner, Argv: argv, Timeout: f.Timeout}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "... (truncated)\n" + s[len(s)-n:]
}

// syncBuffer lets stdout and stderr share one buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
