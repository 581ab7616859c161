// Package normalizer turns raw evaluator batches into canonical Violation
// records and keeps the open/resolved bookkeeping for each scan target.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/policygate/policygate/internal/fingerprint"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/lock"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

const component = "normalizer"

// Store is the violation table
type Store interface {
	PutViolations(ctx context.Context, vs []*models.Violation) error
	GetViolation(ctx context.Context, id string) (*models.Violation, error)
	ListViolations(ctx context.Context, f store.ViolationFilter) ([]*models.Violation, error)
}

// Options tune how tuples become violations
type Options struct {
	EnvironmentRules []EnvironmentRule
	// ComplianceTags maps a rule id prefix to control identifiers
	ComplianceTags map[string][]string
	// ClusterSeverity maps a constraint kind to a severity; cluster audits do
	// not report one.
	ClusterSeverity        map[string]models.Severity
	DefaultClusterSeverity models.Severity
}

// DefaultOptions infers environments with DefaultEnvironmentRules and rates
// unmapped cluster constraints MEDIUM
func DefaultOptions() Options {
	return Options{
		EnvironmentRules:       DefaultEnvironmentRules(),
		DefaultClusterSeverity: models.SeverityMedium,
	}
}

// Result of one ingested batch
type Result struct {
	Source   models.Source
	Target   string
	New      []*models.Violation
	Seen     []*models.Violation
	Reopened []*models.Violation
	Resolved []*models.Violation
}

// Observed is every violation present in the batch
func (r *Result) Observed() []*models.Violation {
	out := make([]*models.Violation, 0, len(r.New)+len(r.Seen)+len(r.Reopened))
	out = append(out, r.New...)
	out = append(out, r.Reopened...)
	return append(out, r.Seen...)
}

// Routable is the part of the batch that needs a routing decision
func (r *Result) Routable() []*models.Violation {
	out := make([]*models.Violation, 0, len(r.New)+len(r.Reopened))
	out = append(out, r.New...)
	return append(out, r.Reopened...)
}

// Normalizer ingests batches. Batches for the same source and target are
// serialized; different targets proceed in parallel.
type Normalizer struct {
	store  Store
	ledger ledger.Recorder
	locks  *lock.Manager
	opts   Options
	now    func() time.Time
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLocks shares a lock manager with other components
func WithLocks(m *lock.Manager) Option {
	return func(n *Normalizer) { n.locks = m }
}

func New(st Store, rec ledger.Recorder, opts Options, options ...Option) *Normalizer {
	if opts.DefaultClusterSeverity == "" {
		opts.DefaultClusterSeverity = models.SeverityMedium
	}
	n := &Normalizer{
		store:  st,
		ledger: rec,
		locks:  lock.NewManager(),
		opts:   opts,
		now:    time.Now,
	}
	for _, o := range options {
		o(n)
	}
	return n
}

// IngestCI normalizes one CI plan scan
func (n *Normalizer) IngestCI(ctx context.Context, target string, raw []byte) (*Result, error) {
	findings, err := ParseCI(target, raw)
	if err != nil {
		return nil, n.reject(ctx, err)
	}
	now := n.now().UTC()
	vs := make([]*models.Violation, 0, len(findings))
	for _, f := range findings {
		sev, _ := models.ParseSeverity(f.Severity)
		ref := models.ResourceRef{File: f.File, Line: f.Line}
		vs = append(vs, &models.Violation{
			ID:             fingerprint.ViolationID(models.SourceCIPlan, f.RuleID, ref),
			Source:         models.SourceCIPlan,
			Target:         target,
			RuleID:         f.RuleID,
			Message:        f.Message,
			Severity:       sev,
			Resource:       ref,
			Environment:    InferEnvironment(n.opts.EnvironmentRules, f.File, target),
			ComplianceTags: n.complianceTags(f.RuleID),
			FirstSeen:      now,
			LastSeen:       now,
		})
	}
	return n.ingest(ctx, models.SourceCIPlan, target, vs, now)
}

// IngestCluster normalizes one admission audit sweep
func (n *Normalizer) IngestCluster(ctx context.Context, target string, raw []byte) (*Result, error) {
	findings, err := ParseCluster(target, raw)
	if err != nil {
		return nil, n.reject(ctx, err)
	}
	now := n.now().UTC()
	vs := make([]*models.Violation, 0, len(findings))
	for _, f := range findings {
		ref := models.ResourceRef{Kind: f.ResourceKind, Namespace: f.Namespace, Name: f.ResourceName}
		vs = append(vs, &models.Violation{
			ID:                fingerprint.ViolationID(models.SourceClusterAdmission, f.ConstraintKind, ref),
			Source:            models.SourceClusterAdmission,
			Target:            target,
			RuleID:            f.ConstraintKind,
			Message:           f.Message,
			Severity:          n.clusterSeverity(f.ConstraintKind),
			Resource:          ref,
			Environment:       InferEnvironment(n.opts.EnvironmentRules, f.Namespace, f.ResourceName, target),
			ComplianceTags:    n.complianceTags(f.ConstraintKind),
			EnforcementAction: f.EnforcementAction,
			FirstSeen:         now,
			LastSeen:          now,
		})
	}
	return n.ingest(ctx, models.SourceClusterAdmission, target, vs, now)
}

func (n *Normalizer) ingest(ctx context.Context, source models.Source, target string, batch []*models.Violation, now time.Time) (_ *Result, err error) {
	ctx, finish := otelobs.Start(ctx, "policygate.normalize",
		attribute.String("policygate.source", string(source)),
		attribute.String("policygate.target", target),
		attribute.Int("policygate.batch_size", len(batch)),
	)
	defer finish(&err)
	log := logging.From(ctx)

	owner := lock.OwnerFrom(ctx)
	if owner == "" {
		owner = uuid.NewString()
	}
	release, err := n.locks.Acquire(ctx, owner, ScanKey(source, target))
	if err != nil {
		return nil, fmt.Errorf("normalize %s %q: %w", source, target, err)
	}
	defer release()

	existing, err := n.store.ListViolations(ctx, store.ViolationFilter{Source: source, Target: target})
	if err != nil {
		return nil, fmt.Errorf("normalize %s %q: load existing: %w", source, target, err)
	}
	known := make(map[string]*models.Violation, len(existing))
	for _, v := range existing {
		known[v.ID] = v
	}

	res := &Result{Source: source, Target: target}
	observed := make(map[string]struct{}, len(batch))
	var writes []*models.Violation

	for _, v := range batch {
		if _, dup := observed[v.ID]; dup {
			continue
		}
		observed[v.ID] = struct{}{}

		prev, ok := known[v.ID]
		if !ok {
			// Same id ingested under another target
			prev, err = n.store.GetViolation(ctx, v.ID)
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("normalize %s %q: %w", source, target, err)
			}
			ok = err == nil
		}

		if !ok {
			res.New = append(res.New, v)
			writes = append(writes, v)
			continue
		}

		// Only last_seen changes on a known violation
		refreshed := *prev
		refreshed.Target = target
		refreshed.LastSeen = now
		refreshed.ResolvedAt = nil
		if prev.Open() {
			res.Seen = append(res.Seen, &refreshed)
		} else {
			res.Reopened = append(res.Reopened, &refreshed)
		}
		writes = append(writes, &refreshed)
	}

	for _, v := range existing {
		if _, still := observed[v.ID]; still || !v.Open() {
			continue
		}
		resolved := *v
		ts := now
		resolved.ResolvedAt = &ts
		res.Resolved = append(res.Resolved, &resolved)
		writes = append(writes, &resolved)
	}

	if len(writes) > 0 {
		if err := n.store.PutViolations(ctx, writes); err != nil {
			return nil, fmt.Errorf("normalize %s %q: persist: %w", source, target, err)
		}
	}

	if err := n.recordResult(ctx, res); err != nil {
		return nil, err
	}

	metrics.ViolationIngested(string(source), "new", len(res.New))
	metrics.ViolationIngested(string(source), "seen", len(res.Seen))
	metrics.ViolationIngested(string(source), "reopened", len(res.Reopened))
	metrics.ViolationIngested(string(source), "resolved", len(res.Resolved))

	log.Info(component, "batch ingested",
		"source", source,
		"target", target,
		"new", len(res.New),
		"seen", len(res.Seen),
		"reopened", len(res.Reopened),
		"resolved", len(res.Resolved),
	)
	return res, nil
}

func (n *Normalizer) recordResult(ctx context.Context, res *Result) error {
	groups := []struct {
		kind models.ActivityKind
		vs   []*models.Violation
	}{
		{models.ActivityViolationObserved, res.New},
		{models.ActivityViolationReopened, res.Reopened},
		{models.ActivityViolationResolved, res.Resolved},
	}
	for _, g := range groups {
		for _, v := range g.vs {
			err := n.ledger.Record(ctx, models.ActivityEntry{
				Kind:        g.kind,
				Component:   component,
				ViolationID: v.ID,
				PolicyID:    v.PolicyID(),
				Environment: v.Environment,
				Severity:    v.Severity,
				Resource:    v.Resource.String(),
				Reason:      v.Message,
				Details:     map[string]any{"source": string(v.Source), "target": v.Target},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// reject records a malformed batch and returns the NormalizationError
func (n *Normalizer) reject(ctx context.Context, nerr error) error {
	var ne *models.NormalizationError
	if !errors.As(nerr, &ne) {
		return nerr
	}
	metrics.ScanRejected(string(ne.Source))
	logging.From(ctx).Warn(component, "batch rejected", "source", ne.Source, "target", ne.Target, "reason", ne.Reason)

	err := n.ledger.Record(ctx, models.ActivityEntry{
		Kind:      models.ActivityScanRejected,
		Component: component,
		Reason:    ne.Error(),
		Details:   map[string]any{"source": string(ne.Source), "target": ne.Target, "index": ne.Index},
	})
	if err != nil {
		return fmt.Errorf("%w (ledger: %v)", nerr, err)
	}
	return nerr
}

func (n *Normalizer) complianceTags(ruleID string) []string {
	if len(n.opts.ComplianceTags) == 0 {
		return nil
	}
	set := map[string]struct{}{}
	lower := strings.ToLower(ruleID)
	for prefix, tags := range n.opts.ComplianceTags {
		if !strings.HasPrefix(lower, strings.ToLower(prefix)) {
			continue
		}
		for _, t := range tags {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (n *Normalizer) clusterSeverity(kind string) models.Severity {
	if sev, ok := n.opts.ClusterSeverity[kind]; ok {
		return sev
	}
	return n.opts.DefaultClusterSeverity
}

// ScanKey is the lock key that serializes ingestion of one source+target
func ScanKey(source models.Source, target string) string {
	return "scan:" + string(source) + "|" + target
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
