package evaluator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// CommandRunner abstracts running external commands so tests can inject fakes.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// RealCommandRunner runs commands using os/exec.
type RealCommandRunner struct{}

func (r *RealCommandRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), err
		}
	}
	// not started, or killed by the context
	return -1, err
}
