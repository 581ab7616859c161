// Package approval owns the lifecycle of every RemediationProposal:
// review, expiry, execution under per-resource locks, cancellation and
// recovery after restart.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/lock"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/observability/logging"
	"github.com/policygate/policygate/internal/store"
)

const component = "approval"

// Store is the proposal table plus violation lookups for re-validation
type Store interface {
	CreateProposal(ctx context.Context, p *models.RemediationProposal) error
	GetProposal(ctx context.Context, id string) (*models.RemediationProposal, error)
	UpdateProposal(ctx context.Context, id string, fn func(p *models.RemediationProposal) error) (*models.RemediationProposal, error)
	ListProposals(ctx context.Context, f store.ProposalFilter) ([]*models.RemediationProposal, error)
	GetViolation(ctx context.Context, id string) (*models.Violation, error)
}

// Executor applies the reviewed change of an approved proposal
type Executor interface {
	Execute(ctx context.Context, p *models.RemediationProposal) error
}

// ApplyFunc performs an auto-fix and returns the applied diff
type ApplyFunc func(ctx context.Context) ([]byte, error)

// Config for the state machine
type Config struct {
	// SweepInterval is capped at one minute
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0,lte=1m"`
	// RequeueGrace is the minimum review time left after a failed execution
	RequeueGrace time.Duration `yaml:"requeue_grace" validate:"gt=0"`
	// ExecTimeout bounds one approved execution
	ExecTimeout time.Duration `yaml:"exec_timeout" validate:"gt=0"`
	// LockWait bounds how long an auto-fix waits behind overlapping work
	LockWait time.Duration `yaml:"lock_wait" validate:"gt=0"`
	// DowngradeWindow is the review window of a failed auto-fix
	DowngradeWindow time.Duration `yaml:"downgrade_window" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:   30 * time.Second,
		RequeueGrace:    time.Hour,
		ExecTimeout:     10 * time.Minute,
		LockWait:        5 * time.Minute,
		DowngradeWindow: 168 * time.Hour,
	}
}

// Machine is safe for concurrent use
type Machine struct {
	store    Store
	ledger   ledger.Recorder
	exec     Executor
	locks    *lock.Manager
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time

	// dispatchMu orders lock acquisition with the approved -> executing write
	dispatchMu sync.Mutex
	wg         sync.WaitGroup
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLocks shares a lock manager
func WithLocks(l *lock.Manager) Option {
	return func(m *Machine) { m.locks = l }
}

// WithNotifier sets the PR/notification collaborator
func WithNotifier(n notify.Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg }
}

func New(st Store, rec ledger.Recorder, exec Executor, opts ...Option) *Machine {
	m := &Machine{
		store:  st,
		ledger: rec,
		exec:   exec,
		locks:  lock.NewManager(),
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait blocks until background executions finish
func (m *Machine) Wait() {
	m.wg.Wait()
}

// change describes one guarded write. path is the chain of hops; the last
// element is the resulting state.
type change struct {
	actor  string
	reason string
	path   []models.ProposalState
	check  func(p *models.RemediationProposal) error
	mutate func(p *models.RemediationProposal, now time.Time)
}

func (m *Machine) apply(ctx context.Context, id string, c change) (*models.RemediationProposal, error) {
	var (
		from        models.ProposalState
		expiredSeen bool
	)
	now := m.now().UTC()
	final := c.path[len(c.path)-1]

	p, err := m.store.UpdateProposal(ctx, id, func(p *models.RemediationProposal) error {
		from = p.State
		expiredSeen = false
		if final != models.StateExpired && p.Expired(now) {
			expiredSeen = true
			return models.ErrExpiryViolation
		}
		if err := checkPath(p.State, c.path...); err != nil {
			return err
		}
		if c.check != nil {
			if err := c.check(p); err != nil {
				return err
			}
		}
		p.State = final
		p.UpdatedAt = now
		if c.mutate != nil {
			c.mutate(p, now)
		}
		return nil
	})
	if err != nil {
		if expiredSeen {
			if _, xerr := m.expire(ctx, id, true); xerr != nil {
				return nil, xerr
			}
			return nil, fmt.Errorf("proposal %s: %w: %w", id, models.ErrTerminal, models.ErrExpiryViolation)
		}
		return nil, fmt.Errorf("proposal %s: %w", id, err)
	}

	hop := from
	for _, to := range c.path {
		if err := m.recordTransition(ctx, p, hop, to, c.actor, c.reason); err != nil {
			return nil, err
		}
		hop = to
	}
	return p, nil
}

func (m *Machine) recordTransition(ctx context.Context, p *models.RemediationProposal, from, to models.ProposalState, actor, reason string) error {
	metrics.Transition(string(from), string(to))
	logging.From(ctx).Info(component, "proposal transition",
		"proposal_id", p.ID, "from", from, "to", to, "actor", actor, "reason", reason)

	return m.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityTransition,
		Component:   component,
		Actor:       actor,
		ProposalID:  p.ID,
		PolicyID:    p.RuleID,
		Environment: p.Environment,
		Severity:    p.Severity,
		Decision:    p.Decision,
		Resource:    strings.Join(p.Resources, ","),
		From:        string(from),
		To:          string(to),
		Reason:      reason,
	})
}

func (m *Machine) create(ctx context.Context, p *models.RemediationProposal) error {
	if p.ID == "" {
		p.ID = "rp-" + uuid.NewString()
	}
	now := m.now().UTC()
	p.State = models.StateProposed
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := m.store.CreateProposal(ctx, p); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return m.recordTransition(ctx, p, "", models.StateProposed, "router", "created by "+string(p.Decision)+" decision")
}

// Submit stores a review proposal and moves it to pending with its expiry
func (m *Machine) Submit(ctx context.Context, p *models.RemediationProposal) (*models.RemediationProposal, error) {
	if !p.Decision.NeedsReview() {
		return nil, fmt.Errorf("submit: decision %s does not go through review: %w", p.Decision, models.ErrInvalidTransition)
	}
	if p.ReviewWindow <= 0 {
		return nil, fmt.Errorf("submit: review window is required for %s", p.Decision)
	}
	if err := m.create(ctx, p); err != nil {
		return nil, err
	}

	out, err := m.apply(ctx, p.ID, change{
		actor:  "router",
		reason: "awaiting review",
		path:   []models.ProposalState{models.StatePending},
		mutate: func(p *models.RemediationProposal, now time.Time) {
			exp := now.Add(p.ReviewWindow)
			p.ExpiresAt = &exp
		},
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, notify.ForProposal(notify.KindReviewRequested, out, "remediation requires approval"))
	return out, nil
}

// AutoFix records an AUTO_FIX proposal, runs fn under the resource locks
// and completes it. When fn fails the proposal is downgraded to a pending
// REQUIRE_APPROVAL item instead of being dropped.
func (m *Machine) AutoFix(ctx context.Context, p *models.RemediationProposal, fn ApplyFunc) (*models.RemediationProposal, error) {
	p.Decision = models.DecisionAutoFix
	if err := m.create(ctx, p); err != nil {
		return nil, err
	}

	release, err := m.acquire(ctx, p)
	if err != nil {
		return m.downgrade(context.WithoutCancel(ctx), p.ID, fmt.Sprintf("auto-fix could not acquire resources: %v", err), false)
	}

	p, err = m.apply(ctx, p.ID, change{
		actor:  "router",
		reason: "auto-fix",
		path:   []models.ProposalState{models.StateExecuting},
	})
	if err != nil {
		release()
		return nil, err
	}
	metrics.ExecutingInc()

	diff, fixErr := fn(ctx)

	out, err := m.finish(context.WithoutCancel(ctx), p, fixErr, diff, "")
	release()
	metrics.ExecutingDec()
	m.dispatchQueued(context.WithoutCancel(ctx))
	return out, err
}

// acquire waits up to LockWait for p's resources, recording the conflict
func (m *Machine) acquire(ctx context.Context, p *models.RemediationProposal) (lock.Release, error) {
	release, err := m.locks.TryAcquire(p.ID, p.Resources...)
	if err == nil {
		return release, nil
	}
	m.recordConflict(ctx, p, err, "auto-fix waiting for overlapping remediation")

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	return m.locks.Acquire(waitCtx, p.ID, p.Resources...)
}

func (m *Machine) recordConflict(ctx context.Context, p *models.RemediationProposal, err error, reason string) {
	metrics.Conflict()
	details := map[string]any{"error": err.Error()}
	var conflict *lock.ConflictError
	if errors.As(err, &conflict) {
		details["resource"] = conflict.Key
		details["holder"] = conflict.Holder
	}
	logging.From(ctx).Info(component, "resource conflict", "proposal_id", p.ID, "reason", reason, "error", err)
	if rerr := m.ledger.Record(ctx, models.ActivityEntry{
		Kind:       models.ActivityConflict,
		Component:  component,
		ProposalID: p.ID,
		PolicyID:   p.RuleID,
		Decision:   p.Decision,
		Resource:   strings.Join(p.Resources, ","),
		Reason:     reason,
		Details:    details,
	}); rerr != nil {
		logging.From(ctx).Error(component, "ledger write failed", "error", rerr)
	}
}

// downgrade turns a failed auto-fix into a pending approval item. From
// executing it spends the single re-queue.
func (m *Machine) downgrade(ctx context.Context, id, reason string, fromExecuting bool) (*models.RemediationProposal, error) {
	window := m.cfg.DowngradeWindow
	out, err := m.apply(ctx, id, change{
		actor:  "router",
		reason: reason,
		path:   []models.ProposalState{models.StatePending},
		mutate: func(p *models.RemediationProposal, now time.Time) {
			p.DowngradedFrom = models.DecisionAutoFix
			p.Decision = models.DecisionRequireApproval
			p.ReviewWindow = window
			exp := now.Add(window)
			p.ExpiresAt = &exp
			p.Annotation = reason
			if fromExecuting {
				p.Retries = 1
			}
		},
	})
	if err != nil {
		return nil, err
	}

	metrics.Downgrade()
	if err := m.ledger.Record(ctx, models.ActivityEntry{
		Kind:        models.ActivityDowngrade,
		Component:   component,
		ProposalID:  out.ID,
		PolicyID:    out.RuleID,
		Environment: out.Environment,
		Severity:    out.Severity,
		Decision:    out.Decision,
		Resource:    strings.Join(out.Resources, ","),
		From:        string(models.DecisionAutoFix),
		To:          string(models.DecisionRequireApproval),
		Reason:      reason,
	}); err != nil {
		return nil, err
	}
	m.notify(ctx, notify.ForProposal(notify.KindReviewRequested, out, "auto-fix failed; "+reason))
	return out, nil
}

// finish records the outcome of an execution that held p's locks
func (m *Machine) finish(ctx context.Context, p *models.RemediationProposal, execErr error, diff []byte, annotation string) (*models.RemediationProposal, error) {
	var (
		out *models.RemediationProposal
		err error
	)
	switch {
	case execErr == nil:
		out, err = m.apply(ctx, p.ID, change{
			actor:  "engine",
			reason: firstNonEmpty(annotation, "fix applied"),
			path:   []models.ProposalState{models.StateCompleted},
			mutate: func(p *models.RemediationProposal, _ time.Time) {
				if len(diff) > 0 {
					p.Diff = diff
				}
				if annotation != "" {
					p.Annotation = annotation
				}
			},
		})

	case p.Decision == models.DecisionAutoFix:
		out, err = m.downgrade(ctx, p.ID, execErr.Error(), true)

	case p.Retries < 1:
		grace := m.cfg.RequeueGrace
		reason := "execution failed, re-queued for review: " + execErr.Error()
		out, err = m.apply(ctx, p.ID, change{
			actor:  "engine",
			reason: reason,
			path:   []models.ProposalState{models.StatePending},
			mutate: func(p *models.RemediationProposal, now time.Time) {
				p.Retries++
				floor := now.Add(grace)
				if p.ExpiresAt == nil || p.ExpiresAt.Before(floor) {
					p.ExpiresAt = &floor
				}
				p.Annotation = reason
				if p.Approver != "" {
					p.Annotation += " (previously approved by " + p.Approver + ")"
				}
				p.Approver = ""
				p.ApprovedAt = nil
			},
		})
		if err == nil {
			m.notify(ctx, notify.ForProposal(notify.KindRetryRequired, out, reason))
		}

	default:
		reason := "execution failed after retry: " + execErr.Error()
		out, err = m.apply(ctx, p.ID, change{
			actor:  "engine",
			reason: reason,
			path:   []models.ProposalState{models.StateRejected},
			mutate: func(p *models.RemediationProposal, _ time.Time) {
				p.Annotation = reason
			},
		})
		if err == nil {
			m.notify(ctx, notify.ForProposal(notify.KindExecutionFailed, out, reason))
		}
	}

	if err != nil && errors.Is(err, models.ErrTerminal) {
		if cur, gerr := m.store.GetProposal(ctx, p.ID); gerr == nil && cur.State == models.StateRejected {
			return m.discard(ctx, cur, execErr)
		}
	}
	return out, err
}

// discard handles a fixer run that finished after its proposal was cancelled
func (m *Machine) discard(ctx context.Context, p *models.RemediationProposal, execErr error) (*models.RemediationProposal, error) {
	msg := "fixer finished after cancellation; a stray change may exist and needs manual verification"
	if execErr != nil {
		msg = "fixer failed after cancellation (" + execErr.Error() + "); a partial change may exist and needs manual verification"
	}
	logging.From(ctx).Warn(component, "stray change", "proposal_id", p.ID, "cancelled_by", p.CancelledBy)
	if err := m.ledger.Record(ctx, models.ActivityEntry{
		Kind:       models.ActivityStrayChange,
		Component:  component,
		Actor:      p.CancelledBy,
		ProposalID: p.ID,
		PolicyID:   p.RuleID,
		Decision:   p.Decision,
		Resource:   strings.Join(p.Resources, ","),
		Reason:     msg,
	}); err != nil {
		return nil, err
	}
	m.notify(ctx, notify.ForProposal(notify.KindStrayChange, p, msg))
	return p, nil
}

func (m *Machine) notify(ctx context.Context, n notify.Notification) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(ctx, n)
	entry := models.ActivityEntry{
		Kind:       models.ActivityNotification,
		Component:  component,
		ProposalID: n.ProposalID,
		PolicyID:   n.PolicyID,
		Reason:     n.Message,
		Details:    map[string]any{"kind": string(n.Kind), "delivered": err == nil},
	}
	if err != nil {
		logging.From(ctx).Warn(component, "notification failed", "kind", n.Kind, "proposal_id", n.ProposalID, "error", err)
		entry.Details["error"] = err.Error()
	}
	if rerr := m.ledger.Record(ctx, entry); rerr != nil {
		logging.From(ctx).Error(component, "ledger write failed", "error", rerr)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
