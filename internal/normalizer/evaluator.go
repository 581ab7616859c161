package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/policygate/policygate/internal/observability/logging"
	"github.com/policygate/policygate/internal/runner"
)

// Evaluator produces one raw batch from an external policy evaluator
type Evaluator interface {
	Evaluate(ctx context.Context) ([]byte, error)
}

// CommandEvaluator runs an evaluator process and returns its stdout. A
// timeout is retried once and then reported as an error, never as an
// empty scan.
type CommandEvaluator struct {
	Runner  runner.CommandRunner
	Argv    []string
	Timeout time.Duration
	Backoff time.Duration
}

func (e *CommandEvaluator) Evaluate(ctx context.Context) ([]byte, error) {
	r := e.Runner
	if r == nil {
		r = &runner.DefaultRunner{}
	}
	cmd := runner.Command{Argv: e.Argv, Timeout: e.Timeout}

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		stdout, _, err := r.Run(ctx, cmd)
		if err == nil {
			return stdout, nil
		}
		if errors.Is(err, runner.ErrTimeout) {
			logging.From(ctx).Warn(component, "evaluator timed out", "command", cmd.String(), "attempt", attempt)
			return nil, err
		}
		// Evaluators commonly exit non-zero when they report failures
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) && len(stdout) > 0 {
			return stdout, nil
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	if e.Backoff > 0 {
		b.InitialInterval = e.Backoff
	}
	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(2))
	if err != nil {
		return nil, fmt.Errorf("evaluator %s: %w", cmd, err)
	}
	return out, nil
}
