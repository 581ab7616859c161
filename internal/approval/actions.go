package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/policygate/policygate/internal/lock"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/notify"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// Approve moves a pending proposal to executing in one step when its
// resources are free. When another proposal holds an overlapping resource
// it stays approved and queued, and runs as soon as the resources free up.
func (m *Machine) Approve(ctx context.Context, id, approver string) (_ *models.RemediationProposal, err error) {
	if strings.TrimSpace(approver) == "" {
		return nil, models.ErrApproverRequired
	}
	ctx, finish := otelobs.Start(ctx, "policygate.approve", attribute.String("policygate.proposal_id", id))
	defer finish(&err)

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkPath(p.State, models.StateApproved); err != nil {
		return nil, fmt.Errorf("approve %s: %w", id, err)
	}

	approve := func(queued bool) func(p *models.RemediationProposal, now time.Time) {
		return func(p *models.RemediationProposal, now time.Time) {
			p.Approver = approver
			at := now
			p.ApprovedAt = &at
			p.Queued = queued
		}
	}

	release, lockErr := m.locks.TryAcquire(p.ID, p.Resources...)
	if lockErr == nil {
		out, err := m.apply(ctx, id, change{
			actor:  approver,
			reason: "approved",
			path:   []models.ProposalState{models.StateApproved, models.StateExecuting},
			mutate: approve(false),
		})
		if err != nil {
			release()
			return nil, err
		}
		m.launch(ctx, out, release)
		return out, nil
	}
	if !errors.Is(lockErr, models.ErrConcurrencyConflict) {
		return nil, lockErr
	}

	out, err := m.apply(ctx, id, change{
		actor:  approver,
		reason: "approved; queued behind overlapping remediation",
		path:   []models.ProposalState{models.StateApproved},
		mutate: approve(true),
	})
	if err != nil {
		return nil, err
	}
	m.recordConflict(ctx, out, lockErr, "approved proposal queued")
	return out, nil
}

// Reject is the reviewer's refusal of a pending proposal
func (m *Machine) Reject(ctx context.Context, id, actor, reason string) (*models.RemediationProposal, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, models.ErrApproverRequired
	}
	return m.apply(ctx, id, change{
		actor:  actor,
		reason: firstNonEmpty(reason, "rejected by reviewer"),
		path:   []models.ProposalState{models.StateRejected},
		check: func(p *models.RemediationProposal) error {
			if p.State != models.StatePending {
				return fmt.Errorf("%w: only pending proposals can be rejected, state is %s", models.ErrInvalidTransition, p.State)
			}
			return nil
		},
		mutate: func(p *models.RemediationProposal, _ time.Time) {
			p.Annotation = firstNonEmpty(reason, "rejected by reviewer")
		},
	})
}

// Cancel moves any non-terminal proposal to rejected. A running fixer is
// left to finish; its result is then discarded and reported as a possible
// stray change.
func (m *Machine) Cancel(ctx context.Context, id, actor, reason string) (*models.RemediationProposal, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, models.ErrApproverRequired
	}
	var wasExecuting bool
	out, err := m.apply(ctx, id, change{
		actor:  actor,
		reason: firstNonEmpty(reason, "cancelled"),
		path:   []models.ProposalState{models.StateRejected},
		check: func(p *models.RemediationProposal) error {
			wasExecuting = p.State == models.StateExecuting
			return nil
		},
		mutate: func(p *models.RemediationProposal, _ time.Time) {
			p.CancelledBy = actor
			p.Queued = false
			p.Annotation = firstNonEmpty(reason, "cancelled")
			if wasExecuting {
				p.Annotation += "; in-flight fixer result will be discarded"
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if wasExecuting {
		logging.From(ctx).Warn(component, "cancelled during execution", "proposal_id", id, "actor", actor)
	}
	return out, nil
}

// Get reads a proposal. A pending proposal found past its expiry is
// expired on the spot and recorded as a near miss.
func (m *Machine) Get(ctx context.Context, id string) (*models.RemediationProposal, error) {
	p, err := m.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(m.now()) {
		return m.expire(ctx, id, true)
	}
	return p, nil
}

// List reads proposals with the same expiry correction as Get
func (m *Machine) List(ctx context.Context, f store.ProposalFilter) ([]*models.RemediationProposal, error) {
	ps, err := m.store.ListProposals(ctx, f)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := ps[:0]
	for _, p := range ps {
		if p.Expired(now) {
			if p, err = m.expire(ctx, p.ID, true); err != nil {
				return nil, err
			}
			if len(f.States) > 0 && !containsState(f.States, p.State) {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func containsState(states []models.ProposalState, s models.ProposalState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// expire moves a pending proposal to expired. nearMiss marks a read path
// that saw the proposal before the sweep did.
func (m *Machine) expire(ctx context.Context, id string, nearMiss bool) (*models.RemediationProposal, error) {
	reason := "review window elapsed"
	if nearMiss {
		reason = "review window elapsed; corrected on read"
	}
	out, err := m.apply(ctx, id, change{
		actor:  "engine",
		reason: reason,
		path:   []models.ProposalState{models.StateExpired},
		check: func(p *models.RemediationProposal) error {
			if !p.Expired(m.now()) {
				return fmt.Errorf("%w: proposal is not past expiry", models.ErrInvalidTransition)
			}
			return nil
		},
	})
	if err != nil {
		// Another reader or the sweep got there first
		if errors.Is(err, models.ErrTerminal) {
			return m.store.GetProposal(ctx, id)
		}
		return nil, err
	}

	if nearMiss {
		metrics.NearMiss()
		logging.From(ctx).Warn(component, "pending proposal read past expiry", "proposal_id", id, "error", models.ErrExpiryViolation)
		if err := m.ledger.Record(ctx, models.ActivityEntry{
			Kind:       models.ActivityNearMiss,
			Component:  component,
			ProposalID: id,
			PolicyID:   out.RuleID,
			Decision:   out.Decision,
			Reason:     models.ErrExpiryViolation.Error(),
		}); err != nil {
			return nil, err
		}
	}
	m.notify(ctx, notify.ForProposal(notify.KindExpired, out, "proposal expired without a reviewer decision"))
	return out, nil
}

// SweepExpired expires every pending proposal past its deadline
func (m *Machine) SweepExpired(ctx context.Context) (int, error) {
	pending, err := m.store.ListProposals(ctx, store.ProposalFilter{States: []models.ProposalState{models.StatePending}})
	if err != nil {
		return 0, err
	}
	now := m.now()
	n := 0
	for _, p := range pending {
		if !p.Expired(now) {
			continue
		}
		if _, err := m.expire(ctx, p.ID, false); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.From(ctx).Info(component, "expired proposals", "count", n)
	}
	return n, nil
}

// Run sweeps expiry and queued approvals until ctx is done. Only storage
// failures end it early.
func (m *Machine) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("expiry sweep: %w", err)
			}
			m.dispatchQueued(ctx)
		}
	}
}

// Recover resolves work interrupted by a restart: executions that never
// finished count as transient failures, queued approvals are dispatched.
func (m *Machine) Recover(ctx context.Context) error {
	stuck, err := m.store.ListProposals(ctx, store.ProposalFilter{States: []models.ProposalState{models.StateExecuting}})
	if err != nil {
		return err
	}
	for _, p := range stuck {
		logging.From(ctx).Warn(component, "recovering interrupted execution", "proposal_id", p.ID)
		if _, err := m.finish(ctx, p, errors.New("execution interrupted by restart"), nil, ""); err != nil {
			return err
		}
	}
	if _, err := m.SweepExpired(ctx); err != nil {
		return err
	}
	m.dispatchQueued(ctx)
	return nil
}

// dispatchQueued starts approved proposals whose resources are free,
// oldest first
func (m *Machine) dispatchQueued(ctx context.Context) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	queued, err := m.store.ListProposals(ctx, store.ProposalFilter{States: []models.ProposalState{models.StateApproved}})
	if err != nil {
		logging.From(ctx).Error(component, "list queued proposals failed", "error", err)
		return
	}
	for _, p := range queued {
		release, err := m.locks.TryAcquire(p.ID, p.Resources...)
		if err != nil {
			continue
		}
		out, err := m.apply(ctx, p.ID, change{
			actor:  "engine",
			reason: "dequeued; resources free",
			path:   []models.ProposalState{models.StateExecuting},
			mutate: func(p *models.RemediationProposal, _ time.Time) { p.Queued = false },
		})
		if err != nil {
			release()
			logging.From(ctx).Warn(component, "dequeue failed", "proposal_id", p.ID, "error", err)
			continue
		}
		m.launch(ctx, out, release)
	}
}

// launch runs an approved execution in the background. The caller holds
// release; it is dropped after the final state is written.
func (m *Machine) launch(ctx context.Context, p *models.RemediationProposal, release lock.Release) {
	metrics.ExecutingInc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.WithoutCancel(ctx)
		m.execute(ctx, p)
		release()
		metrics.ExecutingDec()
		m.dispatchQueued(ctx)
	}()
}

func (m *Machine) execute(ctx context.Context, p *models.RemediationProposal) {
	var err error
	ctx, finishSpan := otelobs.Start(ctx, "policygate.execute",
		attribute.String("policygate.proposal_id", p.ID),
		attribute.String("policygate.decision", string(p.Decision)),
	)
	defer finishSpan(&err)

	open, err := m.anyOpen(ctx, p)
	if err != nil {
		_, err = m.finish(ctx, p, fmt.Errorf("re-validate: %w", err), nil, "")
		return
	}
	if !open {
		_, err = m.finish(ctx, p, nil, nil, "no-op: already resolved")
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	execErr := m.exec.Execute(execCtx, p)
	cancel()

	if _, err = m.finish(ctx, p, execErr, nil, ""); err != nil {
		logging.From(ctx).Error(component, "record execution outcome failed", "proposal_id", p.ID, "error", err)
	}
}

// anyOpen re-validates that at least one violation is still observed
func (m *Machine) anyOpen(ctx context.Context, p *models.RemediationProposal) (bool, error) {
	if len(p.ViolationIDs) == 0 {
		return true, nil
	}
	for _, id := range p.ViolationIDs {
		v, err := m.store.GetViolation(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if v.Open() {
			return true, nil
		}
	}
	return false, nil
}
