package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates the state machine does not allow the move
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminal indicates the proposal is in an immutable terminal state
	ErrTerminal = errors.New("proposal is in a terminal state")

	// ErrApproverRequired indicates an approval without an approver identity
	ErrApproverRequired = errors.New("approver identity is required")

	// ErrExpiryViolation marks a pending proposal found past expires_at on a read path
	ErrExpiryViolation = errors.New("pending proposal observed past expiry")

	// ErrConcurrencyConflict indicates overlapping resources are already being remediated
	ErrConcurrencyConflict = errors.New("overlapping remediation in progress")
)

// NormalizationError rejects a whole evaluator batch
type NormalizationError struct {
	Source Source
	Target string
	Index  int // -1 when the batch itself is unparseable
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("normalize %s batch %q: entry %d: %s", e.Source, e.Target, e.Index, e.Reason)
	}
	return fmt.Sprintf("normalize %s batch %q: %s", e.Source, e.Target, e.Reason)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// FixerError wraps an external fixer failure or an invalid artifact
type FixerError struct {
	Attempt int
	Reason  string
	Err     error
}

func (e *FixerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fixer attempt %d: %s: %v", e.Attempt, e.Reason, e.Err)
	}
	return fmt.Sprintf("fixer attempt %d: %s", e.Attempt, e.Reason)
}

func (e *FixerError) Unwrap() error {
	return e.Err
}

// RollbackTriggered records a rollout reverting one stage. It is a safety
// event rather than a failure.
type RollbackTriggered struct {
	PolicyID    string      `json:"policy_id"`
	Environment Environment `json:"environment"`
	From        Stage       `json:"from"`
	To          Stage       `json:"to"`
	Baseline    int         `json:"baseline"`
	Observed    int         `json:"observed"`
	Automatic   bool        `json:"automatic"`
	Reason      string      `json:"reason,omitempty"`
}

// Delta is the violation increase that caused the rollback
func (r *RollbackTriggered) Delta() int {
	return r.Observed - r.Baseline
}

func (r *RollbackTriggered) Error() string {
	return fmt.Sprintf("rollback %s in %s: %s -> %s (baseline %d, observed %d, delta %+d)",
		r.PolicyID, r.Environment, r.From, r.To, r.Baseline, r.Observed, r.Delta())
}
