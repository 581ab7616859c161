// Package fixer is the boundary to the external fix-application tool.
package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/runner"
)

// Mode of a fixer invocation
type Mode string

const (
	// ModeApply changes the target files or objects
	ModeApply Mode = "apply"
	// ModePropose only computes the change for review
	ModePropose Mode = "propose"
)

// Request sent to the fixer
type Request struct {
	RequestID    string              `json:"request_id"`
	Mode         Mode                `json:"mode"`
	ProposalID   string              `json:"proposal_id,omitempty"`
	ViolationIDs []string            `json:"violation_ids"`
	TargetPaths  []string            `json:"target_paths"`
	Violations   []*models.Violation `json:"violations,omitempty"`
	// Diff is the reviewed change to apply verbatim
	Diff string `json:"diff,omitempty"`
}

// Result returned by the fixer
type Result struct {
	Success bool   `json:"success"`
	Diff    string `json:"diff_or_patch,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Fixer interface
type Fixer interface {
	Fix(ctx context.Context, req Request) (*Result, error)
}

// CommandFixer runs a fixer process that reads the request as JSON on
// stdin and writes the result as JSON on stdout
type CommandFixer struct {
	Runner  runner.CommandRunner
	Argv    []string
	Timeout time.Duration
}

func (f *CommandFixer) Fix(ctx context.Context, req Request) (*Result, error) {
	r := f.Runner
	if r == nil {
		r = &runner.DefaultRunner{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode fix request: %w", err)
	}

	stdout, _, runErr := r.Run(ctx, runner.Command{
		Argv:    f.Argv,
		Stdin:   payload,
		Timeout: f.Timeout,
	})

	// A fixer may exit non-zero and still describe the failure on stdout
	var exitErr *runner.ExitError
	if runErr != nil && !(errors.As(runErr, &exitErr) && len(bytes.TrimSpace(stdout)) > 0) {
		return nil, runErr
	}

	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &res); err != nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("decode fixer output: %w", err)
	}
	if res.Success && runErr != nil {
		return nil, fmt.Errorf("fixer reported success but %w", runErr)
	}
	return &res, nil
}

// Func adapts a function, used by tests
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Fix(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
