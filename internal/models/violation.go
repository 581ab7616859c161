package models

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies which evaluator produced a violation
type Source string

const (
	SourceCIPlan           Source = "ci_plan"
	SourceClusterAdmission Source = "cluster_admission"
)

// Valid source check
func (s Source) Valid() bool {
	return s == SourceCIPlan || s == SourceClusterAdmission
}

// Severity enum
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ParseSeverity is case-insensitive
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityLow:
		return SeverityLow, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Weight used for risk scoring, 0 for unknown
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Environment enum. Empty means it could not be determined.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentNonProd    Environment = "non-prod"
	EnvironmentUnknown    Environment = ""
)

// ParseEnvironment accepts the canonical names and a few common aliases
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod", "prd":
		return EnvironmentProduction, nil
	case "staging", "stage", "stg":
		return EnvironmentStaging, nil
	case "non-prod", "nonprod", "dev", "development", "test", "sandbox":
		return EnvironmentNonProd, nil
	default:
		return EnvironmentUnknown, fmt.Errorf("unknown environment %q", s)
	}
}

// Effective treats an undetermined environment as production (fail closed)
func (e Environment) Effective() Environment {
	if e == EnvironmentUnknown {
		return EnvironmentProduction
	}
	return e
}

// ResourceRef points at a file location (CI) or a cluster object (admission).
type ResourceRef struct {
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

// IsFile reports whether the ref is a file location
func (r ResourceRef) IsFile() bool {
	return r.File != ""
}

// Key identifies the resource without the line number. Two refs with the
// same key touch the same file or object and must not be fixed concurrently.
func (r ResourceRef) Key() string {
	if r.IsFile() {
		return "file:" + r.File
	}
	return fmt.Sprintf("object:%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// Path is the stable location used for fingerprinting
func (r ResourceRef) Path() string {
	if r.IsFile() {
		return fmt.Sprintf("%s:%d", r.File, r.Line)
	}
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

func (r ResourceRef) String() string {
	return r.Path()
}

// Violation is one detected policy failure
type Violation struct {
	ID                string      `json:"id"`
	Source            Source      `json:"source"`
	Target            string      `json:"target"`
	RuleID            string      `json:"rule_id"`
	Message           string      `json:"message"`
	Severity          Severity    `json:"severity"`
	Resource          ResourceRef `json:"resource_ref"`
	Environment       Environment `json:"environment"`
	ComplianceTags    []string    `json:"compliance_tags,omitempty"`
	EnforcementAction string      `json:"enforcement_action,omitempty"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastSeen          time.Time   `json:"last_seen"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty"`
}

// Open reports whether the violation is still observed
func (v *Violation) Open() bool {
	return v.ResolvedAt == nil
}

// PolicyID is the policy a violation counts against for rollout purposes
func (v *Violation) PolicyID() string {
	return v.RuleID
}
