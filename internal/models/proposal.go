package models

import "time"

// Decision is the routing outcome for a violation
type Decision string

const (
	DecisionAutoFix         Decision = "AUTO_FIX"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
	DecisionEscalate        Decision = "ESCALATE"
)

// Valid decision check
func (d Decision) Valid() bool {
	switch d {
	case DecisionAutoFix, DecisionRequireApproval, DecisionEscalate:
		return true
	}
	return false
}

// NeedsReview is true for decisions that go through a human
func (d Decision) NeedsReview() bool {
	return d == DecisionRequireApproval || d == DecisionEscalate
}

// ProposalState enum
type ProposalState string

const (
	StateProposed  ProposalState = "proposed"
	StatePending   ProposalState = "pending"
	StateApproved  ProposalState = "approved"
	StateExecuting ProposalState = "executing"
	StateCompleted ProposalState = "completed"
	StateRejected  ProposalState = "rejected"
	StateExpired   ProposalState = "expired"
)

// IsTerminal states are immutable
func (s ProposalState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// RemediationProposal is a unit of remediation work
type RemediationProposal struct {
	ID             string        `json:"id"`
	ViolationIDs   []string      `json:"violations"`
	Resources      []string      `json:"resources"`
	TargetPaths    []string      `json:"target_paths,omitempty"`
	RuleID         string        `json:"rule_id,omitempty"`
	Severity       Severity      `json:"severity"`
	Environment    Environment   `json:"environment"`
	RiskScore      float64       `json:"risk_score"`
	Decision       Decision      `json:"decision"`
	DowngradedFrom Decision      `json:"downgraded_from,omitempty"`
	MatchedRule    string        `json:"matched_rule,omitempty"`
	State          ProposalState `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	ReviewWindow   time.Duration `json:"review_window,omitempty"`
	Diff           []byte        `json:"diff,omitempty"`
	Approver       string        `json:"approver,omitempty"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	Retries        int           `json:"retries"`
	Queued         bool          `json:"queued,omitempty"`
	CancelledBy    string        `json:"cancelled_by,omitempty"`
	Annotation     string        `json:"annotation,omitempty"`
}

// Expired reports whether a pending proposal is past its deadline at now
func (p *RemediationProposal) Expired(now time.Time) bool {
	return p.State == StatePending && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Clone returns a deep copy
func (p *RemediationProposal) Clone() *RemediationProposal {
	c := *p
	c.ViolationIDs = append([]string(nil), p.ViolationIDs...)
	c.Resources = append([]string(nil), p.Resources...)
	c.TargetPaths = append([]string(nil), p.TargetPaths...)
	c.Diff = append([]byte(nil), p.Diff...)
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}

// Overlaps reports whether two proposals touch a common resource
func (p *RemediationProposal) Overlaps(other *RemediationProposal) bool {
	seen := make(map[string]struct{}, len(p.Resources))
	for _, r := range p.Resources {
		seen[r] = struct{}{}
	}
	for _, r := range other.Resources {
		if _, ok := seen[r]; ok {
			return true
		}
	}
	return false
}
