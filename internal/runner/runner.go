// Package runner executes external evaluator and fixer commands.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command to execute. Stdin is written to the process when non-nil.
type Command struct {
	Argv    []string
	Env     []string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// CommandRunner interface
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (stdout, stderr []byte, err error)
}

// ErrTimeout marks a command killed by its timeout
var ErrTimeout = errors.New("command timed out")

// ExitError carries a non-zero exit code and captured stderr
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s exited %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited %d: %s", e.Command, e.ExitCode, msg)
}

// DefaultRunner captures output
type DefaultRunner struct{}

func (r *DefaultRunner) Run(ctx context.Context, c Command) ([]byte, []byte, error) {
	if len(c.Argv) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s: %w", c, ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), &ExitError{Command: c.Argv[0], ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("run %s: %w", c.Argv[0], err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// FuncRunner adapts a function, used by tests
type FuncRunner func(ctx context.Context, cmd Command) ([]byte, []byte, error)

func (f FuncRunner) Run(ctx context.Context, cmd Command) ([]byte, []byte, error) {
	return f(ctx, cmd)
}
