// Package rollout stages policy enforcement per policy and environment
// through DRYRUN, WARN and DENY, and reverts a stage when violations spike.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const component = "rollout"

// ErrRegistered is returned when registering an existing rollout
var ErrRegistered = errors.New("rollout already registered")

// Store is the policy_rollouts table plus the violation counts that feed it
type Store interface {
	PutRollout(ctx context.Context, r *models.PolicyRollout) error
	ListRollouts(ctx context.Context) ([]*models.PolicyRollout, error)
	ListViolations(ctx context.Context, f store.ViolationFilter) ([]*models.Violation, error)
}

// Change is one stage move made by the controller
type Change struct {
	PolicyID    string                    `json:"policy_id"`
	Environment models.Environment        `json:"environment"`
	Kind        string                    `json:"kind"`
	From        models.Stage              `json:"from"`
	To          models.Stage              `json:"to"`
	Automatic   bool                      `json:"automatic"`
	Rollback    *models.RollbackTriggered `json:"rollback,omitempty"`
}

const (
	ChangePromote  = "promote"
	ChangeRollback = "rollback"
)

// Controller is the single writer of rollout records. Writers serialize
// on mu; readers load an immutable snapshot without locking.
type Controller struct {
	store       Store
	ledger      ledger.Recorder
	notifier    notify.Notifier
	defaultRule models.PromotionRule
	now         func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[map[string]models.PolicyRollout]
}

// Option configures a Controller
type Option func(*Controller)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithNotifier receives rollback alerts
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithDefaultRule applies to rollouts registered without their own rule
func WithDefaultRule(r models.PromotionRule) Option {
	return func(c *Controller) { c.defaultRule = r }
}

func New(st Store, rec ledger.Recorder, opts ...Option) *Controller {
	c := &Controller{
		store:       st,
		ledger:      rec,
		defaultRule: models.DefaultPromotionRule(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	empty := map[string]models.PolicyRollout{}
	c.snap.Store(&empty)
	return c
}

// Load reads every persisted rollout into the snapshot
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, err := c.store.ListRollouts(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]models.PolicyRollout, len(rs))
	for _, r := range rs {
		m[r.Key()] = *r
	}
	c.snap.Store(&m)
	return nil
}

// Get is a lock-free snapshot read
func (c *Controller) Get(policyID string, env models.Environment) (models.PolicyRollout, bool) {
	r, ok := (*c.snap.Load())[models.RolloutKey(policyID, env)]
	return r, ok
}

// List returns every rollout ordered by policy and environment
func (c *Controller) List() []models.PolicyRollout {
	m := *c.snap.Load()
	keys := slices.Sorted(maps.Keys(m))
	out := make([]models.PolicyRollout, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// Stage currently enforced, DRYRUN for policies without a rollout
func (c *Controller) Stage(policyID string, env models.Environment) models.Stage {
	if r, ok := c.Get(policyID, env); ok {
		return r.Stage
	}
	return models.StageDryRun
}

// put persists r and publishes a new snapshot. Caller holds mu.
func (c *Controller) put(ctx context.Context, r models.PolicyRollout) error {
	r.UpdatedAt = c.now().UTC()
	if err := c.store.PutRollout(ctx, &r); err != nil {
		return err
	}
	old := *c.snap.Load()
	next := make(map[string]models.PolicyRollout, len(old)+1)
	maps.Copy(next, old)
	next[r.Key()] = r
	c.snap.Store(&next)
	return nil
}

// Register starts a rollout in DRYRUN with the current open violation
// count as its baseline
func (c *Controller) Register(ctx context.Context, policyID string, env models.Environment, rule *models.PromotionRule, actor string) (*models.PolicyRollout, error) {
	env = env.Effective()
	if strings.TrimSpace(policyID) == "" {
		return nil, errors.New("register rollout: policy id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.Get(policyID, env); ok {
		return nil, fmt.Errorf("%w: %s", ErrRegistered, models.RolloutKey(policyID, env))
	}
	counts, err := c.countOpen(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	r := models.PolicyRollout{
		PolicyID:              policyID,
		Environment:           env,
		Stage:                 models.StageDryRun,
		StageEnteredAt:        now,
		ViolationCountInStage: counts[models.RolloutKey(policyID, env)],
		PromotionRule:         c.defaultRule,
	}
	r.ViolationBaseline = r.ViolationCountInStage
	if rule != nil {
		r.PromotionRule = *rule
	}
	if err := c.put(ctx, r); err != nil {
		return nil, err
	}

	metrics.RolloutChange("register", false)
	logging.From(ctx).Info(component, "rollout registered", "policy_id", policyID, "environment", env, "baseline", r.ViolationBaseline)
	if err := c.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityRolloutRegistered,
		Component:   component,
		Actor:       actor,
		PolicyID:    policyID,
		Environment: env,
		To:          string(r.Stage),
		Details:     map[string]any{"baseline": r.ViolationBaseline},
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

// Observe records the open violation count of one rollout and rolls it
// back one stage when the count spikes past the ceiling in WARN or DENY.
// The returned change is nil when nothing moved.
func (c *Controller) Observe(ctx context.Context, policyID string, env models.Environment, count int) (*Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.Get(policyID, env.Effective())
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", models.RolloutKey(policyID, env.Effective()), models.ErrNotFound)
	}
	return c.observe(ctx, r, count)
}

// observe is Observe with mu held
func (c *Controller) observe(ctx context.Context, r models.PolicyRollout, count int) (*Change, error) {
	if count != r.ViolationCountInStage {
		if err := c.ledger.Record(ctx, models.ActivityEntry{
			Kind:        models.ActivityRolloutObserved,
			Component:   component,
			PolicyID:    r.PolicyID,
			Environment: r.Environment,
			Details: map[string]any{
				"stage":    string(r.Stage),
				"baseline": r.ViolationBaseline,
				"previous": r.ViolationCountInStage,
				"observed": count,
			},
		}); err != nil {
			return nil, err
		}
		r.ViolationCountInStage = count
		if err := c.put(ctx, r); err != nil {
			return nil, err
		}
	}

	if !spiked(r) {
		return nil, nil
	}
	reason := fmt.Sprintf("violations spiked from %d to %d (ceiling x%.1f)", r.ViolationBaseline, count, r.PromotionRule.SpikeCeiling)
	return c.rollback(ctx, r, true, "engine", reason)
}

// spiked reports a regression severe enough to leave WARN or DENY
func spiked(r models.PolicyRollout) bool {
	if r.Stage == models.StageDryRun {
		return false
	}
	rule := r.PromotionRule
	delta := r.ViolationCountInStage - r.ViolationBaseline
	return float64(r.ViolationCountInStage) > float64(r.ViolationBaseline)*rule.SpikeCeiling &&
		delta >= rule.SpikeMinDelta && delta > 0
}

// promotable reports whether the dwell and volume gates both pass
func promotable(r models.PolicyRollout, now time.Time) bool {
	if r.Stage == models.StageDeny {
		return false
	}
	if now.Sub(r.StageEnteredAt) < r.PromotionRule.MinDwell {
		return false
	}
	return float64(r.ViolationCountInStage) <= float64(r.ViolationBaseline)*r.PromotionRule.Threshold
}

// enter moves r to stage and resets the baseline to the current count
func (c *Controller) enter(r models.PolicyRollout, stage models.Stage) models.PolicyRollout {
	r.Stage = stage
	r.StageEnteredAt = c.now().UTC()
	r.ViolationBaseline = r.ViolationCountInStage
	return r
}

func (c *Controller) rollback(ctx context.Context, r models.PolicyRollout, automatic bool, actor, reason string) (*Change, error) {
	prev, ok := r.Stage.Prev()
	if !ok {
		return nil, fmt.Errorf("rollback %s: already at %s: %w", r.Key(), r.Stage, models.ErrInvalidTransition)
	}
	event := &models.RollbackTriggered{
		PolicyID:    r.PolicyID,
		Environment: r.Environment,
		From:        r.Stage,
		To:          prev,
		Baseline:    r.ViolationBaseline,
		Observed:    r.ViolationCountInStage,
		Automatic:   automatic,
		Reason:      reason,
	}
	if err := c.put(ctx, c.enter(r, prev)); err != nil {
		return nil, err
	}

	metrics.RolloutChange(ChangeRollback, automatic)
	logging.From(ctx).Warn(component, "rollout rolled back",
		"policy_id", r.PolicyID, "environment", r.Environment, "from", event.From, "to", event.To,
		"baseline", event.Baseline, "observed", event.Observed, "delta", event.Delta(), "automatic", automatic)
	if err := c.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityRolloutRollback,
		Component:   component,
		Actor:       actor,
		PolicyID:    r.PolicyID,
		Environment: r.Environment,
		From:        string(event.From),
		To:          string(event.To),
		Reason:      reason,
		Details: map[string]any{
			"baseline":  event.Baseline,
			"observed":  event.Observed,
			"delta":     event.Delta(),
			"automatic": automatic,
		},
	}); err != nil {
		return nil, err
	}
	c.alert(ctx, event)

	return &Change{
		PolicyID:    r.PolicyID,
		Environment: r.Environment,
		Kind:        ChangeRollback,
		From:        event.From,
		To:          event.To,
		Automatic:   automatic,
		Rollback:    event,
	}, nil
}

func (c *Controller) alert(ctx context.Context, event *models.RollbackTriggered) {
	if c.notifier == nil {
		return
	}
	n := notify.Notification{
		Kind:        notify.KindRollback,
		PolicyID:    event.PolicyID,
		Environment: event.Environment,
		Message:     event.Error(),
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		logging.From(ctx).Warn(component, "rollback alert failed", "policy_id", event.PolicyID, "error", err)
	}
}

func (c *Controller) promote(ctx context.Context, r models.PolicyRollout, automatic bool, actor string) (*Change, error) {
	next, ok := r.Stage.Next()
	if !ok {
		return nil, fmt.Errorf("promote %s: already at %s: %w", r.Key(), r.Stage, models.ErrInvalidTransition)
	}
	from := r.Stage
	if err := c.put(ctx, c.enter(r, next)); err != nil {
		return nil, err
	}

	metrics.RolloutChange(ChangePromote, automatic)
	logging.From(ctx).Info(component, "rollout promoted",
		"policy_id", r.PolicyID, "environment", r.Environment, "from", from, "to", next, "automatic", automatic)
	if err := c.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityRolloutPromoted,
		Component:   component,
		Actor:       actor,
		PolicyID:    r.PolicyID,
		Environment: r.Environment,
		From:        string(from),
		To:          string(next),
		Details: map[string]any{
			"dwell":     c.now().Sub(r.StageEnteredAt).String(),
			"count":     r.ViolationCountInStage,
			"baseline":  r.ViolationBaseline,
			"automatic": automatic,
		},
	}); err != nil {
		return nil, err
	}
	return &Change{
		PolicyID:    r.PolicyID,
		Environment: r.Environment,
		Kind:        ChangePromote,
		From:        from,
		To:          next,
		Automatic:   automatic,
	}, nil
}

// Promote is the operator's manual promotion; the dwell gate does not apply
func (c *Controller) Promote(ctx context.Context, policyID string, env models.Environment, actor string) (*Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.Get(policyID, env.Effective())
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", models.RolloutKey(policyID, env.Effective()), models.ErrNotFound)
	}
	return c.promote(ctx, r, false, actor)
}

// Rollback is the operator's single-step revert. It is the only way out
// of DENY.
func (c *Controller) Rollback(ctx context.Context, policyID string, env models.Environment, actor, reason string) (*Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.Get(policyID, env.Effective())
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", models.RolloutKey(policyID, env.Effective()), models.ErrNotFound)
	}
	if reason == "" {
		reason = "operator rollback"
	}
	return c.rollback(ctx, r, false, actor, reason)
}

// Evaluate refreshes every rollout's count from the violation table, rolls
// back spikes and promotes rollouts that passed both gates
func (c *Controller) Evaluate(ctx context.Context) (_ []Change, err error) {
	ctx, finish := otelobs.Start(ctx, "policygate.rollout.evaluate")
	defer finish(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	counts, err := c.countOpen(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var changes []Change
	for _, r := range c.List() {
		ch, err := c.observe(ctx, r, counts[r.Key()])
		if err != nil {
			return changes, err
		}
		if ch != nil {
			changes = append(changes, *ch)
			continue
		}
		r, _ = c.Get(r.PolicyID, r.Environment)
		if !promotable(r, now) {
			continue
		}
		ch, err = c.promote(ctx, r, true, "engine")
		if err != nil {
			return changes, err
		}
		changes = append(changes, *ch)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("policygate.rollout.changes", len(changes)))
	return changes, nil
}

// Refresh applies fresh counts without promoting; used after each ingest
func (c *Controller) Refresh(ctx context.Context) ([]Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts, err := c.countOpen(ctx)
	if err != nil {
		return nil, err
	}
	var changes []Change
	for _, r := range c.List() {
		ch, err := c.observe(ctx, r, counts[r.Key()])
		if err != nil {
			return changes, err
		}
		if ch != nil {
			changes = append(changes, *ch)
		}
	}
	return changes, nil
}

// countOpen groups open violations by rollout key
func (c *Controller) countOpen(ctx context.Context) (map[string]int, error) {
	vs, err := c.store.ListViolations(ctx, store.ViolationFilter{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, v := range vs {
		counts[models.RolloutKey(v.PolicyID(), v.Environment.Effective())]++
	}
	return counts, nil
}

// Run evaluates rollouts every interval until ctx is done
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Evaluate(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rollout evaluation: %w", err)
			}
		}
	}
}
