// Package router turns classified violations into remediation: an
// immediate auto-fix or a proposal handed to the approval state machine.
package router

import (
	"context"
	"fmt"

	"github.com/policygate/policygate/internal/approval"
	"github.com/policygate/policygate/internal/classifier"
	"github.com/policygate/policygate/internal/fixer"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const component = "router"

var activeStates = []models.ProposalState{
	models.StateProposed,
	models.StatePending,
	models.StateApproved,
	models.StateExecuting,
}

// Outcome of routing one violation
type Outcome struct {
	ViolationID string                      `json:"violation_id"`
	Assessment  classifier.Assessment       `json:"assessment"`
	Proposal    *models.RemediationProposal `json:"proposal,omitempty"`
	// Existing is set when an active proposal already covers the violation
	Existing bool `json:"existing,omitempty"`
}

// Router is safe for concurrent use
type Router struct {
	classifier *classifier.Classifier
	machine    *approval.Machine
	applier    *Applier
	ledger     ledger.Recorder
	notifier   notify.Notifier
	workers    int
}

// Option configures a Router
type Option func(*Router)

// WithNotifier receives pull_request notifications for auto-fixes
func WithNotifier(n notify.Notifier) Option {
	return func(r *Router) { r.notifier = n }
}

// WithWorkers bounds how many violations are routed in parallel
func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func New(c *classifier.Classifier, m *approval.Machine, a *Applier, rec ledger.Recorder, opts ...Option) *Router {
	r := &Router{
		classifier: c,
		machine:    m,
		applier:    a,
		ledger:     rec,
		workers:    4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies and dispatches every violation. Auto-fixes touching
// the same resource serialize on the resource locks. The returned outcomes
// are in input order. Only storage failures are returned as errors.
func (r *Router) Route(ctx context.Context, vs []*models.Violation) (_ []Outcome, err error) {
	ctx, finish := otelobs.Start(ctx, "policygate.route", attribute.Int("policygate.violations", len(vs)))
	defer finish(&err)

	out := make([]Outcome, len(vs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, v := range vs {
		g.Go(func() error {
			o, err := r.routeOne(gctx, v)
			if err != nil {
				return fmt.Errorf("route %s: %w", v.ID, err)
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Router) routeOne(ctx context.Context, v *models.Violation) (Outcome, error) {
	o := Outcome{ViolationID: v.ID}

	// Read through the machine so a pending proposal past its expiry is
	// expired first and the violation gets routed again
	existing, err := r.machine.List(ctx, store.ProposalFilter{ViolationID: v.ID, States: activeStates})
	if err != nil {
		return o, err
	}
	if len(existing) > 0 {
		o.Existing = true
		o.Proposal = existing[0]
		return o, nil
	}

	a := r.classifier.Assess(v)
	o.Assessment = a
	if err := r.recordDecision(ctx, v, a); err != nil {
		return o, err
	}

	p := &models.RemediationProposal{
		ViolationIDs: []string{v.ID},
		Resources:    []string{v.Resource.Key()},
		TargetPaths:  []string{targetPath(v.Resource)},
		RuleID:       v.RuleID,
		Severity:     v.Severity,
		Environment:  a.Environment,
		RiskScore:    a.RiskScore,
		Decision:     a.Decision,
		MatchedRule:  a.Rule,
	}
	req := fixer.Request{
		ViolationIDs: p.ViolationIDs,
		TargetPaths:  p.TargetPaths,
		Violations:   []*models.Violation{v},
	}

	if a.Decision == models.DecisionAutoFix {
		o.Proposal, err = r.autoFix(ctx, p, req, a)
		return o, err
	}

	// The diff is advisory for review; a reviewer can still approve without it
	if diff, perr := r.applier.Propose(ctx, req); perr == nil {
		p.Diff = diff
	} else {
		p.Annotation = "no proposed diff: " + perr.Error()
	}
	p.ReviewWindow = a.Expiry
	o.Proposal, err = r.machine.Submit(ctx, p)
	return o, err
}

func (r *Router) autoFix(ctx context.Context, p *models.RemediationProposal, req fixer.Request, a classifier.Assessment) (*models.RemediationProposal, error) {
	out, err := r.machine.AutoFix(ctx, p, func(ctx context.Context) ([]byte, error) {
		req.ProposalID = p.ID
		return r.applier.Apply(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if out.State == models.StateCompleted && a.OpenPR && r.notifier != nil {
		n := notify.ForProposal(notify.KindPullRequest, out, "auto-fix applied; open a pull request for review")
		nerr := r.notifier.Notify(ctx, n)
		if nerr != nil {
			logging.From(ctx).Warn(component, "pull request notification failed", "proposal_id", out.ID, "error", nerr)
		}
		r.recordNotification(ctx, n, nerr)
	}
	return out, nil
}

func (r *Router) recordDecision(ctx context.Context, v *models.Violation, a classifier.Assessment) error {
	metrics.Decision(string(a.Decision), string(a.Environment))
	logging.From(ctx).Info(component, "violation classified",
		"violation_id", v.ID, "rule_id", v.RuleID, "severity", v.Severity,
		"environment", a.Environment, "decision", a.Decision, "rule", a.Rule)

	details := map[string]any{
		"rule":       a.Rule,
		"table":      a.Table,
		"risk_score": a.RiskScore,
	}
	if a.Expiry > 0 {
		details["expiry"] = a.Expiry.String()
	}
	if a.OpenPR {
		details["open_pr"] = true
	}
	if a.Error != "" {
		details["error"] = a.Error
	}
	return r.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityDecision,
		Component:   component,
		ViolationID: v.ID,
		PolicyID:    v.PolicyID(),
		Environment: a.Environment,
		Severity:    v.Severity,
		Decision:    a.Decision,
		Resource:    v.Resource.Key(),
		Details:     details,
	})
}

func (r *Router) recordNotification(ctx context.Context, n notify.Notification, err error) {
	entry := models.ActivityEntry{
		Kind:       models.ActivityNotification,
		Component:  component,
		ProposalID: n.ProposalID,
		PolicyID:   n.PolicyID,
		Reason:     n.Message,
		Details:    map[string]any{"kind": string(n.Kind), "delivered": err == nil},
	}
	if err != nil {
		entry.Details["error"] = err.Error()
	}
	if rerr := r.ledger.Record(ctx, entry); rerr != nil {
		logging.From(ctx).Error(component, "ledger write failed", "error", rerr)
	}
}

// targetPath is what the fixer edits: the file, or the object path
func targetPath(ref models.ResourceRef) string {
	if ref.IsFile() {
		return ref.File
	}
	return ref.Path()
}
