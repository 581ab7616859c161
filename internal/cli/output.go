package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/router"
)

// OutputFormat for list and report commands
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// ParseOutputFormat from string
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid format: %s (use text or json)", s)
	}
}

// GateError fails an ingest whose routed violations cross --fail-on
type GateError struct {
	Threshold models.Severity
	Count     int
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%d violation(s) at or above %s", e.Count, e.Threshold)
}

// exitCode is 2 for a gate failure and 1 for everything else
func exitCode(err error) int {
	var gerr *GateError
	if errors.As(err, &gerr) {
		return 2
	}
	return 1
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeProposals(w io.Writer, ps []*models.RemediationProposal) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTATE\tDECISION\tSEVERITY\tENV\tRESOURCES\tEXPIRES\tAPPROVER")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.State, p.Decision, p.Severity, orDash(string(p.Environment)),
			strings.Join(p.Resources, ","), formatTime(p.ExpiresAt), orDash(p.Approver))
	}
	return tw.Flush()
}

func writeProposal(w io.Writer, p *models.RemediationProposal) error {
	tw := newTable(w)
	rows := [][2]string{
		{"id", p.ID},
		{"state", string(p.State)},
		{"decision", string(p.Decision)},
		{"downgraded from", orDash(string(p.DowngradedFrom))},
		{"severity", string(p.Severity)},
		{"environment", orDash(string(p.Environment))},
		{"risk score", fmt.Sprintf("%.1f", p.RiskScore)},
		{"matched rule", orDash(p.MatchedRule)},
		{"violations", strings.Join(p.ViolationIDs, ", ")},
		{"resources", strings.Join(p.Resources, ", ")},
		{"expires", formatTime(p.ExpiresAt)},
		{"approver", orDash(p.Approver)},
		{"retries", fmt.Sprint(p.Retries)},
		{"annotation", orDash(p.Annotation)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(p.Diff) > 0 {
		fmt.Fprintf(w, "\n%s", p.Diff)
		if p.Diff[len(p.Diff)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	return nil
}

func writeOutcomes(w io.Writer, outs []router.Outcome) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "VIOLATION\tDECISION\tRULE\tRISK\tPROPOSAL\tSTATE")
	for _, o := range outs {
		id, state := "-", "-"
		if o.Proposal != nil {
			id, state = o.Proposal.ID, string(o.Proposal.State)
		}
		if o.Existing {
			state = "already open"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			o.ViolationID, o.Assessment.Decision, o.Assessment.Rule, o.Assessment.RiskScore, id, state)
	}
	return tw.Flush()
}

func writeRollouts(w io.Writer, rs []models.PolicyRollout) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "POLICY\tENV\tSTAGE\tCOUNT\tBASELINE\tENTERED")
	for _, r := range rs {
		entered := r.StageEnteredAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.PolicyID, r.Environment, r.Stage, r.ViolationCountInStage, r.ViolationBaseline, formatTime(&entered))
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, es []models.ActivityEntry) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tACTOR\tSUBJECT\tDETAIL")
	for _, e := range es {
		ts := e.Timestamp
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, formatTime(&ts), e.Kind, orDash(e.Actor), subject(e), orDash(detail(e)))
	}
	return tw.Flush()
}

func subject(e models.ActivityEntry) string {
	switch {
	case e.ProposalID != "":
		return e.ProposalID
	case e.ViolationID != "":
		return e.ViolationID
	case e.PolicyID != "":
		return models.RolloutKey(e.PolicyID, e.Environment)
	default:
		return "-"
	}
}

func detail(e models.ActivityEntry) string {
	var parts []string
	if e.From != "" || e.To != "" {
		parts = append(parts, e.From+" -> "+e.To)
	}
	if e.Decision != "" {
		parts = append(parts, string(e.Decision))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return strings.Join(parts, "; ")
}
