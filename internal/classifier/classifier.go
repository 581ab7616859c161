// Package classifier assigns a routing decision to each violation using an
// externally configured, first-match-wins decision table.
package classifier

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/logging"
)

const component = "classifier"

// Fallback applies when no rule matches or a rule cannot be evaluated
const (
	FallbackRule   = "fallback"
	FallbackExpiry = 168 * time.Hour
)

// Assessment is the full classification result. RiskScore is 0-100.
type Assessment struct {
	Decision    models.Decision    `json:"decision"`
	Expiry      time.Duration      `json:"expiry,omitempty"`
	Rule        string             `json:"rule"`
	Table       string             `json:"table"`
	RiskScore   float64            `json:"risk_score"`
	OpenPR      bool               `json:"open_pr,omitempty"`
	Severity    models.Severity    `json:"severity"`
	Environment models.Environment `json:"environment"`
	Error       string             `json:"error,omitempty"`
}

// Classifier evaluates the current table. The table can be swapped while
// classification is running; each call sees exactly one table.
type Classifier struct {
	table atomic.Pointer[Compiled]
}

func New(t *Compiled) *Classifier {
	c := &Classifier{}
	c.table.Store(t)
	return c
}

// Swap installs a new table
func (c *Classifier) Swap(t *Compiled) {
	c.table.Store(t)
}

// Table currently in effect
func (c *Classifier) Table() *Compiled {
	return c.table.Load()
}

// Classify returns only the decision
func (c *Classifier) Classify(v *models.Violation) models.Decision {
	return c.Assess(v).Decision
}

// Assess classifies v. An undetermined environment is treated as
// production. Anything that prevents a rule from being evaluated resolves
// to REQUIRE_APPROVAL.
func (c *Classifier) Assess(v *models.Violation) Assessment {
	t := c.table.Load()
	env := v.Environment.Effective()
	a := Assessment{
		Severity:    v.Severity,
		Environment: env,
		RiskScore:   RiskScore(v.Severity, env),
	}
	if t != nil {
		a.Table = t.Name()
	}

	fallback := func(reason string) Assessment {
		a.Decision = models.DecisionRequireApproval
		a.Expiry = FallbackExpiry
		a.Rule = FallbackRule
		a.Error = reason
		return a
	}
	if t == nil {
		return fallback("no decision table loaded")
	}

	input := violationToMap(v, env)
	for i := range t.rules {
		r := &t.rules[i]
		ok, err := r.match(v, env, input)
		if err != nil {
			return fallback(err.Error())
		}
		if ok {
			a.Decision = r.Decision
			a.Expiry = r.Expiry
			a.Rule = r.Name
			a.OpenPR = r.OpenPR
			return a
		}
	}
	return fallback("no rule matched")
}

// RiskScore is severity weight times an environment multiplier, on 0-100
func RiskScore(sev models.Severity, env models.Environment) float64 {
	mult := 1.0
	switch env.Effective() {
	case models.EnvironmentStaging:
		mult = 0.7
	case models.EnvironmentNonProd:
		mult = 0.4
	}
	return math.Min(100, math.Round(sev.Weight()*10*mult*10)/10)
}

// Load compiles a table file, or a preset when path is empty
func Load(path, preset string) (*Compiled, error) {
	var (
		t   *Table
		err error
	)
	if path != "" {
		t, err = LoadFile(path)
	} else {
		if preset == "" {
			preset = "default"
		}
		t, err = Preset(preset)
	}
	if err != nil {
		return nil, err
	}
	return Compile(t)
}

// Watch reloads path on change until ctx is done. A table that fails to
// compile is logged and the previous one stays in effect.
func (c *Classifier) Watch(ctx context.Context, path string, debounce time.Duration) error {
	log := logging.From(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch decision table: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch decision table: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			t, err := Load(abs, "")
			if err != nil {
				log.Error(component, "decision table reload failed", "path", abs, "error", err)
				continue
			}
			c.Swap(t)
			log.Info(component, "decision table reloaded", "path", abs, "table", t.Name(), "rules", len(t.rules))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn(component, "watcher error", "error", err)
		}
	}
}
