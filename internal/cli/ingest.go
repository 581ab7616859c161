package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/policygate/policygate/internal/engine"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/logging"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/spf13/cobra"
)

// GetIngestCmd submits one evaluator batch
func GetIngestCmd() *cobra.Command {
	var (
		source string
		target string
		scan   bool
		failOn string
		format string
	)
	cmd := &cobra.Command{
		Use:   "ingest --source <ci_plan|cluster_admission> [file]",
		Short: "Ingest one evaluator batch and route its violations",
		Long: `Reads evaluator output from a file or stdin, or runs the configured
evaluator with --scan, then normalizes, classifies and routes the batch.

Examples:
  # CI plan scan output from a file
  policygate ingest --source ci_plan --target plan-prod results.json

  # Run the configured cluster audit and fail the build on HIGH or worse
  policygate ingest --source cluster_admission --scan --fail-on high`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := models.Source(source)
			if !src.Valid() {
				return fmt.Errorf("invalid source: %q (use ci_plan or cluster_admission)", source)
			}
			outFmt, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			var threshold models.Severity
			if failOn != "" {
				if threshold, err = models.ParseSeverity(failOn); err != nil {
					return err
				}
			}
			if scan && len(args) > 0 {
				return errors.New("--scan and an input file are mutually exclusive")
			}

			var raw []byte
			if !scan {
				if raw, err = readInput(cmd, args); err != nil {
					return err
				}
				if target == "" {
					return errors.New("--target is required unless --scan is set")
				}
			}

			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			start := time.Now()
			var rep *engine.Report
			if scan {
				rep, err = e.Scan(ctx, src, target)
			} else {
				rep, err = e.Ingest(ctx, src, target, raw)
			}
			if err != nil {
				return err
			}
			e.Machine.Wait()
			sum := receipt.IngestSummary{
				Source:    string(rep.Source),
				Target:    rep.Target,
				New:       rep.New,
				Seen:      rep.Seen,
				Reopened:  rep.Reopened,
				Resolved:  rep.Resolved,
				Decisions: map[string]int{},
			}
			for _, o := range rep.Routed {
				sum.Decisions[string(o.Assessment.Decision)]++
			}
			receipt.SessionFrom(ctx).Add(receipt.WithIngest(sum))
			logging.From(ctx).Event(ctx, "ingest.complete", map[string]any{
				"source":      rep.Source,
				"target":      rep.Target,
				"new":         rep.New,
				"resolved":    rep.Resolved,
				"routed":      len(rep.Routed),
				"duration_ms": time.Since(start).Milliseconds(),
			})

			out := cmd.OutOrStdout()
			if outFmt == FormatJSON {
				err = writeJSON(out, rep)
			} else {
				fmt.Fprintf(out, "%s %s: %d new, %d seen, %d reopened, %d resolved\n",
					rep.Source, rep.Target, rep.New, rep.Seen, rep.Reopened, rep.Resolved)
				if len(rep.Routed) > 0 {
					err = writeOutcomes(out, rep.Routed)
				}
				for _, ch := range rep.Rollouts {
					fmt.Fprintf(out, "rollout %s: %s -> %s\n", models.RolloutKey(ch.PolicyID, ch.Environment), ch.From, ch.To)
				}
			}
			if err != nil {
				return err
			}
			return gate(rep, threshold)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&source, "source", "s", "", "Evaluator that produced the batch: ci_plan or cluster_admission")
	f.StringVarP(&target, "target", "t", "", "Scan target, e.g. the plan or cluster name")
	f.BoolVar(&scan, "scan", false, "Run the configured evaluator instead of reading input")
	f.StringVar(&failOn, "fail-on", "", "Exit 2 when a routed violation is at or above this severity")
	f.StringVar(&format, "format", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return os.ReadFile(args[0])
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return nil, errors.New("no input: pass a file, pipe evaluator output on stdin or use --scan")
	}
	return io.ReadAll(in)
}

// gate counts routed violations at or above threshold
func gate(rep *engine.Report, threshold models.Severity) error {
	if threshold == "" {
		return nil
	}
	n := 0
	for _, o := range rep.Routed {
		if o.Assessment.Severity.Weight() >= threshold.Weight() {
			n++
		}
	}
	if n > 0 {
		return &GateError{Threshold: threshold, Count: n}
	}
	return nil
}
