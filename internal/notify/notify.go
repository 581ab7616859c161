// Package notify delivers PR and notification requests to an external
// collaborator. The engine never renders PRs itself.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability"
	"github.com/policygate/policygate/internal/observability/logging"
)

// Kind of notification
type Kind string

const (
	KindReviewRequested Kind = "review_requested"
	KindPullRequest     Kind = "pull_request"
	KindRetryRequired   Kind = "retry_required"
	KindExpired         Kind = "expired"
	KindExecutionFailed Kind = "execution_failed"
	KindStrayChange     Kind = "stray_change"
	KindRollback        Kind = "rollback"
)

// RiskAssessment travels with review and PR requests
type RiskAssessment struct {
	Score          float64            `json:"score"`
	Severity       models.Severity    `json:"severity"`
	Environment    models.Environment `json:"environment"`
	Decision       models.Decision    `json:"decision"`
	DowngradedFrom models.Decision    `json:"downgraded_from,omitempty"`
	Rule           string             `json:"rule,omitempty"`
}

// Notification is the outbound request
type Notification struct {
	Kind        Kind               `json:"kind"`
	ProposalID  string             `json:"proposal_id,omitempty"`
	Violations  []string           `json:"violations,omitempty"`
	Diff        []byte             `json:"diff,omitempty"`
	Risk        *RiskAssessment    `json:"risk_assessment,omitempty"`
	ExpiresAt   *time.Time         `json:"expiry,omitempty"`
	PolicyID    string             `json:"policy_id,omitempty"`
	Environment models.Environment `json:"environment,omitempty"`
	Message     string             `json:"message"`
	OpID        string             `json:"op_id,omitempty"`
}

// Notifier interface
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ForProposal builds the notification for p
func ForProposal(kind Kind, p *models.RemediationProposal, msg string) Notification {
	return Notification{
		Kind:       kind,
		ProposalID: p.ID,
		Violations: append([]string(nil), p.ViolationIDs...),
		Diff:       p.Diff,
		Risk: &RiskAssessment{
			Score:          p.RiskScore,
			Severity:       p.Severity,
			Environment:    p.Environment,
			Decision:       p.Decision,
			DowngradedFrom: p.DowngradedFrom,
			Rule:           p.MatchedRule,
		},
		ExpiresAt: p.ExpiresAt,
		PolicyID:  p.RuleID,
		Message:   msg,
	}
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := map[string]any{
		"kind":        string(n.Kind),
		"proposal_id": n.ProposalID,
		"message":     n.Message,
	}
	if n.Risk != nil {
		fields["risk_score"] = n.Risk.Score
		fields["decision"] = string(n.Risk.Decision)
	}
	if n.ExpiresAt != nil {
		fields["expires_at"] = n.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if n.PolicyID != "" {
		fields["policy_id"] = n.PolicyID
		fields["environment"] = string(n.Environment)
	}
	logging.From(ctx).Event(ctx, "notification", fields)
	return nil
}

// WebhookNotifier POSTs each notification as JSON
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
	Timeout time.Duration
	Backoff time.Duration
}

// StatusError is a non-2xx webhook response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.Code, e.Body)
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if w.URL == "" {
		return errors.New("webhook url is required")
	}
	if n.OpID == "" {
		n.OpID = observability.OpID(ctx)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	client := w.Client
	if client == nil {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, &StatusError{Code: resp.StatusCode, Body: string(snippet)}
		default:
			return struct{}{}, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: string(snippet)})
		}
	}

	b := backoff.NewExponentialBackOff()
	if w.Backoff > 0 {
		b.InitialInterval = w.Backoff
	}
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(2)); err != nil {
		return fmt.Errorf("notify %s: %w", n.Kind, err)
	}
	return nil
}

// Multi fans out to every notifier and joins the errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
