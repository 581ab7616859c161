package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/policygate/policygate/internal/differ"
	"github.com/policygate/policygate/internal/fixer"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/metrics"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/logging"
	"golang.org/x/time/rate"
)

// Applier is the only caller of the external fixer. Every invocation is
// rate limited, validated and recorded in the ledger.
type Applier struct {
	fixer     fixer.Fixer
	validator differ.Validator
	limiter   *rate.Limiter
	ledger    ledger.Recorder
	backoff   time.Duration
}

// ApplierOption configures an Applier
type ApplierOption func(*Applier)

// WithValidator replaces differ.DefaultValidator
func WithValidator(v differ.Validator) ApplierOption {
	return func(a *Applier) { a.validator = v }
}

// WithRateLimit caps fixer invocations per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) ApplierOption {
	return func(a *Applier) {
		if perSecond <= 0 {
			a.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetryBackoff sets the wait before the single retry
func WithRetryBackoff(d time.Duration) ApplierOption {
	return func(a *Applier) { a.backoff = d }
}

func NewApplier(f fixer.Fixer, rec ledger.Recorder, opts ...ApplierOption) *Applier {
	a := &Applier{
		fixer:     f,
		validator: differ.DefaultValidator{},
		ledger:    rec,
		backoff:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute applies the reviewed diff of an approved proposal. It makes one
// attempt; the state machine owns the re-queue on failure.
func (a *Applier) Execute(ctx context.Context, p *models.RemediationProposal) error {
	_, err := a.call(ctx, 1, fixer.Request{
		Mode:         fixer.ModeApply,
		ProposalID:   p.ID,
		ViolationIDs: p.ViolationIDs,
		TargetPaths:  p.TargetPaths,
		Diff:         string(p.Diff),
	})
	return err
}

// Apply runs an auto-fix, retrying once with backoff
func (a *Applier) Apply(ctx context.Context, req fixer.Request) ([]byte, error) {
	req.Mode = fixer.ModeApply
	return a.retry(ctx, req)
}

// Propose asks the fixer for a diff to attach to a review proposal
func (a *Applier) Propose(ctx context.Context, req fixer.Request) ([]byte, error) {
	req.Mode = fixer.ModePropose
	return a.retry(ctx, req)
}

func (a *Applier) retry(ctx context.Context, req fixer.Request) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		out, err := a.call(ctx, attempt, req)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoff
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(2))
}

// call makes one validated fixer invocation
func (a *Applier) call(ctx context.Context, attempt int, req fixer.Request) ([]byte, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := logging.From(ctx)

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &models.FixerError{Attempt: attempt, Reason: "rate limit wait", Err: err}
		}
	}

	a.record(ctx, models.ActivityFixAttempt, req, attempt, "", nil)
	start := time.Now()
	res, err := a.fixer.Fix(ctx, req)
	elapsed := time.Since(start).Seconds()

	var ferr *models.FixerError
	var summary *differ.Summary
	switch {
	case err != nil:
		ferr = &models.FixerError{Attempt: attempt, Reason: "invocation failed", Err: err}
	case res == nil:
		ferr = &models.FixerError{Attempt: attempt, Reason: "empty result"}
	case !res.Success:
		ferr = &models.FixerError{Attempt: attempt, Reason: "fixer reported failure", Err: errors.New(firstLine(res.Error))}
	default:
		summary, err = a.validator.Validate([]byte(res.Diff))
		if err != nil {
			ferr = &models.FixerError{Attempt: attempt, Reason: "invalid artifact", Err: err}
		}
	}

	metrics.FixerCall(string(req.Mode), ferr == nil, elapsed)
	if ferr != nil {
		log.Warn(component, "fixer call failed", "request_id", req.RequestID, "mode", req.Mode,
			"proposal_id", req.ProposalID, "attempt", attempt, "error", ferr)
		a.record(ctx, models.ActivityFixFailed, req, attempt, ferr.Error(), nil)
		return nil, ferr
	}

	log.Info(component, "fixer call succeeded", "request_id", req.RequestID, "mode", req.Mode,
		"proposal_id", req.ProposalID, "files", summary.Files, "operations", summary.Operations)
	a.record(ctx, models.ActivityFixApplied, req, attempt, "", summary)
	return []byte(res.Diff), nil
}

func (a *Applier) record(ctx context.Context, kind models.ActivityKind, req fixer.Request, attempt int, reason string, summary *differ.Summary) {
	details := map[string]any{
		"request_id": req.RequestID,
		"mode":       string(req.Mode),
		"attempt":    attempt,
	}
	if summary != nil {
		details["artifact"] = string(summary.Kind)
		details["files"] = summary.Files
		details["added"] = summary.Added
		details["deleted"] = summary.Deleted
		details["operations"] = summary.Operations
	}
	entry := models.ActivityEntry{
		Kind:        kind,
		Component:   component,
		ProposalID:  req.ProposalID,
		ViolationID: strings.Join(req.ViolationIDs, ","),
		Resource:    strings.Join(req.TargetPaths, ","),
		Reason:      reason,
		Details:     details,
	}
	// A propose call is not a change; only record its outcome
	if req.Mode == fixer.ModePropose && kind == models.ActivityFixAttempt {
		return
	}
	if err := a.ledger.Record(ctx, entry); err != nil {
		logging.From(ctx).Error(component, "ledger write failed", "kind", kind, "error", err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no error message"
	}
	return fmt.Sprintf("%.200s", s)
}
