package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
	"github.com/policygate/policygate/internal/models"
	"gopkg.in/yaml.v3"
)

// Rule is one row of the decision table. Empty match lists match anything.
type Rule struct {
	Name           string               `yaml:"name" json:"name" validate:"required"`
	Severity       []models.Severity    `yaml:"severity,omitempty" json:"severity,omitempty" validate:"dive,oneof=CRITICAL HIGH MEDIUM LOW"`
	Environment    []models.Environment `yaml:"environment,omitempty" json:"environment,omitempty" validate:"dive,oneof=production staging non-prod"`
	EnvironmentNot []models.Environment `yaml:"environment_not,omitempty" json:"environment_not,omitempty" validate:"dive,oneof=production staging non-prod"`
	Source         []models.Source      `yaml:"source,omitempty" json:"source,omitempty" validate:"dive,oneof=ci_plan cluster_admission"`
	Expr           string               `yaml:"expr,omitempty" json:"expr,omitempty"`
	Decision       models.Decision      `yaml:"decision" json:"decision" validate:"required,oneof=AUTO_FIX REQUIRE_APPROVAL ESCALATE"`
	Expiry         time.Duration        `yaml:"expiry,omitempty" json:"expiry,omitempty" validate:"gte=0"`
	OpenPR         bool                 `yaml:"open_pr,omitempty" json:"open_pr,omitempty"`
}

// Table is the externally configured decision table
type Table struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Rules       []Rule `yaml:"rules" json:"rules" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Parse decodes a table; unknown keys are an error
func Parse(data []byte) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse decision table: %w", err)
	}
	return &t, nil
}

// LoadFile reads and parses a table file
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decision table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

type compiledRule struct {
	Rule
	severities map[models.Severity]bool
	envs       map[models.Environment]bool
	notEnvs    map[models.Environment]bool
	sources    map[models.Source]bool
	prg        cel.Program
}

// Compiled is a validated table ready for evaluation. It is immutable.
type Compiled struct {
	table *Table
	rules []compiledRule
}

// Table returns the source definition
func (c *Compiled) Table() *Table {
	return c.table
}

// Name of the table
func (c *Compiled) Name() string {
	return c.table.Name
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("violation", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Compile validates t and compiles every expr. All problems are reported
// together.
func Compile(t *Table) (*Compiled, error) {
	if t == nil {
		return nil, errors.New("decision table is nil")
	}
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("decision table %q: %w", t.Name, err)
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	var problems []string
	seen := map[string]bool{}
	c := &Compiled{table: t, rules: make([]compiledRule, 0, len(t.Rules))}

	for _, r := range t.Rules {
		if seen[r.Name] {
			problems = append(problems, fmt.Sprintf("rule %q: duplicate name", r.Name))
		}
		seen[r.Name] = true

		switch {
		case r.Decision.NeedsReview() && r.Expiry <= 0:
			problems = append(problems, fmt.Sprintf("rule %q: %s requires an expiry", r.Name, r.Decision))
		case r.Decision == models.DecisionAutoFix && r.Expiry != 0:
			problems = append(problems, fmt.Sprintf("rule %q: AUTO_FIX takes no expiry", r.Name))
		}

		cr := compiledRule{
			Rule:       r,
			severities: setOf(r.Severity),
			envs:       setOf(r.Environment),
			notEnvs:    setOf(r.EnvironmentNot),
			sources:    setOf(r.Source),
		}

		if r.Expr != "" {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				problems = append(problems, fmt.Sprintf("rule %q: %v", r.Name, issues.Err()))
				continue
			}
			if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
				problems = append(problems, fmt.Sprintf("rule %q: expr must return bool, got %s", r.Name, ast.OutputType()))
				continue
			}
			prg, err := env.Program(ast)
			if err != nil {
				problems = append(problems, fmt.Sprintf("rule %q: %v", r.Name, err))
				continue
			}
			cr.prg = prg
		}
		c.rules = append(c.rules, cr)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("decision table %q is invalid:\n  %s", t.Name, strings.Join(problems, "\n  "))
	}
	return c, nil
}

func setOf[T comparable](vals []T) map[T]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[T]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// match evaluates one rule. env is the effective environment.
func (r *compiledRule) match(v *models.Violation, env models.Environment, input map[string]any) (bool, error) {
	if r.severities != nil && !r.severities[v.Severity] {
		return false, nil
	}
	if r.envs != nil && !r.envs[env] {
		return false, nil
	}
	if r.notEnvs != nil && r.notEnvs[env] {
		return false, nil
	}
	if r.sources != nil && !r.sources[v.Source] {
		return false, nil
	}
	if r.prg == nil {
		return true, nil
	}

	out, _, err := r.prg.Eval(map[string]any{"violation": input})
	if err != nil {
		return false, fmt.Errorf("rule %q: CEL evaluation error: %w", r.Name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q: expr returned %T", r.Name, out.Value())
	}
	return matched, nil
}

// violationToMap converts for CEL
func violationToMap(v *models.Violation, env models.Environment) map[string]any {
	tags := make([]any, len(v.ComplianceTags))
	for i, t := range v.ComplianceTags {
		tags[i] = t
	}
	return map[string]any{
		"id":                 v.ID,
		"source":             string(v.Source),
		"target":             v.Target,
		"rule_id":            v.RuleID,
		"message":            v.Message,
		"severity":           string(v.Severity),
		"environment":        string(env),
		"resource":           v.Resource.String(),
		"file":               v.Resource.File,
		"line":               int64(v.Resource.Line),
		"kind":               v.Resource.Kind,
		"namespace":          v.Resource.Namespace,
		"name":               v.Resource.Name,
		"compliance_tags":    tags,
		"enforcement_action": v.EnforcementAction,
	}
}
