package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/policygate/policygate/internal/models"
)

// Query selects entries. Zero values match everything; From is inclusive
// and To exclusive.
type Query struct {
	From        time.Time
	To          time.Time
	Kinds       []models.ActivityKind
	Severity    models.Severity
	Decision    models.Decision
	Resource    string // substring match
	ProposalID  string
	ViolationID string
	PolicyID    string
	Limit       int
}

func (q Query) match(e *models.ActivityEntry) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if q.Decision != "" && e.Decision != q.Decision {
		return false
	}
	if q.Resource != "" && !strings.Contains(e.Resource, q.Resource) {
		return false
	}
	if q.ProposalID != "" && e.ProposalID != q.ProposalID {
		return false
	}
	if q.ViolationID != "" && e.ViolationID != q.ViolationID {
		return false
	}
	if q.PolicyID != "" && e.PolicyID != q.PolicyID {
		return false
	}
	return true
}

// Query returns matching entries in sequence order
func (l *Ledger) Query(ctx context.Context, q Query) ([]models.ActivityEntry, error) {
	var out []models.ActivityEntry
	err := l.backend.ScanActivity(ctx, func(e *models.ActivityEntry) bool {
		if q.match(e) {
			out = append(out, *e)
		}
		return q.Limit <= 0 || len(out) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Day answers "what happened on day X" in the given location
func (l *Ledger) Day(ctx context.Context, day time.Time, loc *time.Location) ([]models.ActivityEntry, error) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return l.Query(ctx, Query{From: start, To: start.AddDate(0, 0, 1)})
}

// History is every entry that mentions the proposal, in order
func (l *Ledger) History(ctx context.Context, proposalID string) ([]models.ActivityEntry, error) {
	return l.Query(ctx, Query{ProposalID: proposalID})
}
