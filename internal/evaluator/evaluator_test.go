package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

type fakeRunner struct {
	out  string
	code int
	err  error
	// block waits for the context instead of returning immediately
	block bool

	gotDir  string
	gotArgv []string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	f.gotDir = dir
	f.gotArgv = argv
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	fmt.Fprint(stdout, f.out)
	return f.code, f.err
}

func TestCommandEvaluatorPass(t *testing.T) {
	r := &fakeRunner{out: "3 passed\n"}
	ev := &CommandEvaluator{Runner: r, Argv: []string{"python", "-m", "pytest", "-q"}}
	ok, rep := ev.Run(context.Background(), "/ws")
	if !ok || !rep.Passed {
		t.Fatalf("expected pass, got %+v", rep)
	}
	if rep.ExitCode != 0 || rep.Output != "3 passed\n" || rep.Error != "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if r.gotDir != "/ws" || strings.Join(r.gotArgv, " ") != "python -m pytest -q" {
		t.Fatalf("runner called with dir=%q argv=%v", r.gotDir, r.gotArgv)
	}
}

func TestCommandEvaluatorFail(t *testing.T) {
	r := &fakeRunner{out: "1 failed\n", code: 1, err: errors.New("exit status 1")}
	ev := &CommandEvaluator{Runner: r, Argv: []string{"pytest"}}
	ok, rep := ev.Run(context.Background(), "/ws")
	if ok || rep.Passed {
		t.Fatalf("expected failure")
	}
	if rep.ExitCode != 1 || !strings.Contains(rep.Output, "1 failed") {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.Error != "" {
		t.Fatalf("a normal non-zero exit is not an execution error: %q", rep.Error)
	}
}

func TestCommandEvaluatorStartFailure(t *testing.T) {
	r := &fakeRunner{code: -1, err: errors.New(`exec: "pytest": executable file not found in $PATH`)}
	ev := &CommandEvaluator{Runner: r, Argv: []string{"pytest"}}
	ok, rep := ev.Run(context.Background(), "/ws")
	if ok {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(rep.Error, "executable file not found") {
		t.Fatalf("expected start error in report, got %+v", rep)
	}
}

func TestCommandEvaluatorTimeout(t *testing.T) {
	ev := &CommandEvaluator{Runner: &fakeRunner{block: true}, Argv: []string{"sleep"}, Timeout: 20 * time.Millisecond}
	ok, rep := ev.Run(context.Background(), "/ws")
	if ok {
		t.Fatalf("expected failure on timeout")
	}
	if !strings.Contains(rep.Error, "timed out") {
		t.Fatalf("expected timeout error, got %+v", rep)
	}
}

func TestFactoryUnknownStack(t *testing.T) {
	f := &Factory{Runner: &fakeRunner{}, Commands: map[string][]string{"python": {"pytest"}}}
	ok, rep := f.For("cobol").Run(context.Background(), "/ws")
	if ok {
		t.Fatalf("unknown stack must not pass")
	}
	if rep.Error == "" {
		t.Fatalf("expected explanatory error")
	}

	ev, isCmd := f.For(" Python ").(*CommandEvaluator)
	if !isCmd || len(ev.Argv) != 1 || ev.Argv[0] != "pytest" {
		t.Fatalf("stack lookup should be case-insensitive: %+v", ev)
	}
}

func TestOutputKeepsTail(t *testing.T) {
	long := strings.Repeat("x", MaxOutputBytes) + "SUMMARY"
	ev := &CommandEvaluator{Runner: &fakeRunner{out: long}, Argv: []string{"t"}}
	_, rep := ev.Run(context.Background(), "/ws")
	if !strings.HasSuffix(rep.Output, "SUMMARY") || !strings.HasPrefix(rep.Output, "... (truncated)") {
		t.Fatalf("expected truncated tail")
	}
}

func TestRealCommandRunner(t *testing.T) {
	dir := t.TempDir()
	var out strings.Builder
	code, err := (&RealCommandRunner{}).Run(context.Background(), dir, []string{"sh", "-c", "echo hello; exit 3"}, nil, &out, &out)
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("unexpected output %q", out.String())
	}

	code, err = (&RealCommandRunner{}).Run(context.Background(), dir, nil, nil, &out, &out)
	if err == nil || code != -1 {
		t.Fatalf("expected error for empty argv")
	}
}
