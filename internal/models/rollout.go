package models

import (
	"fmt"
	"time"
)

// Stage of progressive enforcement
type Stage string

const (
	StageDryRun Stage = "DRYRUN"
	StageWarn   Stage = "WARN"
	StageDeny   Stage = "DENY"
)

// Next stage, ok=false at DENY
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageDryRun:
		return StageWarn, true
	case StageWarn:
		return StageDeny, true
	}
	return s, false
}

// Prev stage, single step only. ok=false at DRYRUN.
func (s Stage) Prev() (Stage, bool) {
	switch s {
	case StageDeny:
		return StageWarn, true
	case StageWarn:
		return StageDryRun, true
	}
	return s, false
}

// ParseStage is strict
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageDryRun, StageWarn, StageDeny:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// PromotionRule gates automatic stage changes
type PromotionRule struct {
	MinDwell      time.Duration `json:"min_dwell" yaml:"min_dwell" validate:"gte=0"`
	Threshold     float64       `json:"threshold" yaml:"threshold" validate:"gte=0"`
	SpikeCeiling  float64       `json:"spike_ceiling" yaml:"spike_ceiling" validate:"gte=1"`
	SpikeMinDelta int           `json:"spike_min_delta" yaml:"spike_min_delta" validate:"gte=0"`
}

// DefaultPromotionRule: 7 days dwell, violations must not increase
func DefaultPromotionRule() PromotionRule {
	return PromotionRule{
		MinDwell:      7 * 24 * time.Hour,
		Threshold:     1.0,
		SpikeCeiling:  2.0,
		SpikeMinDelta: 5,
	}
}

// PolicyRollout tracks staged enforcement of one policy in one environment
type PolicyRollout struct {
	PolicyID              string        `json:"policy_id"`
	Environment           Environment   `json:"environment"`
	Stage                 Stage         `json:"stage"`
	StageEnteredAt        time.Time     `json:"stage_entered_at"`
	ViolationCountInStage int           `json:"violation_count_in_stage"`
	ViolationBaseline     int           `json:"violation_baseline"`
	PromotionRule         PromotionRule `json:"promotion_rule"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// RolloutKey uniquely identifies a rollout
func RolloutKey(policyID string, env Environment) string {
	return policyID + "@" + string(env)
}

// Key of this rollout
func (r *PolicyRollout) Key() string {
	return RolloutKey(r.PolicyID, r.Environment)
}
