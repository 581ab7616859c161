package normalizer

import (
	"strings"
	"unicode"

	"github.com/policygate/policygate/internal/models"
)

// EnvironmentRule maps a token sequence found in a resource location to an
// environment. Matching is by whole tokens: "non prod" matches "non-prod"
// and "non_prod" but not "nonprod".
type EnvironmentRule struct {
	Match       string             `json:"match" yaml:"match" validate:"required"`
	Environment models.Environment `json:"environment" yaml:"environment" validate:"required,oneof=production staging non-prod"`
}

// DefaultEnvironmentRules lists production names first so that a location
// naming two environments equally specifically resolves to production.
func DefaultEnvironmentRules() []EnvironmentRule {
	return []EnvironmentRule{
		{Match: "production", Environment: models.EnvironmentProduction},
		{Match: "prod", Environment: models.EnvironmentProduction},
		{Match: "prd", Environment: models.EnvironmentProduction},
		{Match: "live", Environment: models.EnvironmentProduction},
		{Match: "staging", Environment: models.EnvironmentStaging},
		{Match: "stage", Environment: models.EnvironmentStaging},
		{Match: "stg", Environment: models.EnvironmentStaging},
		{Match: "preprod", Environment: models.EnvironmentStaging},
		{Match: "uat", Environment: models.EnvironmentStaging},
		{Match: "non prod", Environment: models.EnvironmentNonProd},
		{Match: "nonprod", Environment: models.EnvironmentNonProd},
		{Match: "dev", Environment: models.EnvironmentNonProd},
		{Match: "development", Environment: models.EnvironmentNonProd},
		{Match: "test", Environment: models.EnvironmentNonProd},
		{Match: "qa", Environment: models.EnvironmentNonProd},
		{Match: "sandbox", Environment: models.EnvironmentNonProd},
	}
}

// InferEnvironment returns the environment of the most specific rule
// matching any candidate, or EnvironmentUnknown. A rule matching more
// tokens wins, so "non prod" beats "prod" in "apps/non-prod"; among
// equally long matches the earlier rule wins.
func InferEnvironment(rules []EnvironmentRule, candidates ...string) models.Environment {
	tokenized := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			tokenized = append(tokenized, tokens(c))
		}
	}
	best, bestLen := models.EnvironmentUnknown, 0
	for _, r := range rules {
		want := tokens(r.Match)
		if len(want) <= bestLen {
			continue
		}
		for _, have := range tokenized {
			if containsRun(have, want) {
				best, bestLen = r.Environment, len(want)
				break
			}
		}
	}
	return best
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsRun(have, want []string) bool {
	for i := 0; i+len(want) <= len(have); i++ {
		match := true
		for j := range want {
			if have[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
