package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/policygate/policygate/internal/models"
)

// CIFinding is one rule failure reported for an IaC plan
type CIFinding struct {
	RuleID   string `json:"rule_id" validate:"required"`
	Severity string `json:"severity" validate:"required"`
	Message  string `json:"message"`
	File     string `json:"file" validate:"required"`
	Line     int    `json:"line" validate:"gte=0"`
}

// ClusterFinding is one constraint failure reported by an admission audit
type ClusterFinding struct {
	ConstraintKind    string `json:"constraint_kind" validate:"required"`
	Namespace         string `json:"namespace"`
	ResourceKind      string `json:"resource_kind" validate:"required"`
	ResourceName      string `json:"resource_name" validate:"required"`
	Message           string `json:"message"`
	EnforcementAction string `json:"enforcement_action" validate:"omitempty,oneof=deny warn dryrun"`
}

var validate = validator.New()

// ParseCI decodes and validates a CI evaluator batch
func ParseCI(target string, raw []byte) ([]CIFinding, error) {
	var out []CIFinding
	if err := decodeBatch(models.SourceCIPlan, target, raw, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := validate.Struct(&out[i]); err != nil {
			return nil, invalidEntry(models.SourceCIPlan, target, i, err)
		}
		if _, err := models.ParseSeverity(out[i].Severity); err != nil {
			return nil, &models.NormalizationError{Source: models.SourceCIPlan, Target: target, Index: i, Reason: err.Error(), Err: err}
		}
	}
	return out, nil
}

// ParseCluster decodes and validates a cluster audit batch
func ParseCluster(target string, raw []byte) ([]ClusterFinding, error) {
	var out []ClusterFinding
	if err := decodeBatch(models.SourceClusterAdmission, target, raw, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if err := validate.Struct(&out[i]); err != nil {
			return nil, invalidEntry(models.SourceClusterAdmission, target, i, err)
		}
	}
	return out, nil
}

// decodeBatch requires a JSON array. "null", an empty body or trailing
// garbage are malformed; "[]" is a clean scan.
func decodeBatch(source models.Source, target string, raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return &models.NormalizationError{Source: source, Target: target, Index: -1, Reason: "evaluator output is not a JSON array"}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(out); err != nil {
		return &models.NormalizationError{Source: source, Target: target, Index: -1, Reason: "unparseable evaluator output", Err: err}
	}
	if dec.More() {
		return &models.NormalizationError{Source: source, Target: target, Index: -1, Reason: "trailing data after evaluator output"}
	}
	return nil
}

func invalidEntry(source models.Source, target string, i int, err error) error {
	reason := err.Error()
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		reason = fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
	}
	return &models.NormalizationError{Source: source, Target: target, Index: i, Reason: reason, Err: err}
}
