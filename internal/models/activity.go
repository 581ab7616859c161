package models

import "time"

// ActivityKind classifies ledger entries
type ActivityKind string

const (
	ActivityViolationObserved ActivityKind = "violation.observed"
	ActivityViolationResolved ActivityKind = "violation.resolved"
	ActivityViolationReopened ActivityKind = "violation.reopened"
	ActivityScanRejected      ActivityKind = "scan.rejected"
	ActivityDecision          ActivityKind = "decision"
	ActivityFixAttempt        ActivityKind = "fix.attempt"
	ActivityFixApplied        ActivityKind = "fix.applied"
	ActivityFixFailed         ActivityKind = "fix.failed"
	ActivityDowngrade         ActivityKind = "decision.downgraded"
	ActivityTransition        ActivityKind = "proposal.transition"
	ActivityConflict          ActivityKind = "proposal.conflict"
	ActivityNearMiss          ActivityKind = "proposal.near_miss"
	ActivityStrayChange       ActivityKind = "proposal.stray_change"
	ActivityNotification      ActivityKind = "notification"
	ActivityRolloutRegistered ActivityKind = "rollout.registered"
	ActivityRolloutPromoted   ActivityKind = "rollout.promoted"
	ActivityRolloutRollback   ActivityKind = "rollout.rollback"
	ActivityRolloutObserved   ActivityKind = "rollout.observed"
)

// ActivityEntry is one immutable ledger record. PrevHash/Hash chain entries
// together so that edits to history are detectable.
type ActivityEntry struct {
	Seq         uint64         `json:"seq"`
	Timestamp   time.Time      `json:"ts"`
	Kind        ActivityKind   `json:"kind"`
	Component   string         `json:"component"`
	Actor       string         `json:"actor,omitempty"`
	OpID        string         `json:"op_id,omitempty"`
	ViolationID string         `json:"violation_id,omitempty"`
	ProposalID  string         `json:"proposal_id,omitempty"`
	PolicyID    string         `json:"policy_id,omitempty"`
	Environment Environment    `json:"environment,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
	Decision    Decision       `json:"decision,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}
