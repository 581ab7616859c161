package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/policygate/policygate/internal/crypto"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/spf13/cobra"
)

type ledgerFlags struct {
	since       time.Duration
	from, to    string
	kinds       []string
	severity    string
	decision    string
	resource    string
	proposalID  string
	violationID string
	policyID    string
	limit       int
}

func (f *ledgerFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.DurationVar(&f.since, "since", 0, "Only entries newer than this, e.g. 24h")
	fl.StringVar(&f.from, "from", "", "Start time, RFC 3339 (inclusive)")
	fl.StringVar(&f.to, "to", "", "End time, RFC 3339 (exclusive)")
	fl.StringSliceVar(&f.kinds, "kind", nil, "Entry kinds, e.g. proposal.transition (repeatable)")
	fl.StringVar(&f.severity, "severity", "", "Severity")
	fl.StringVar(&f.decision, "decision", "", "Decision: AUTO_FIX, REQUIRE_APPROVAL or ESCALATE")
	fl.StringVar(&f.resource, "resource", "", "Resource substring")
	fl.StringVar(&f.proposalID, "proposal", "", "Proposal id")
	fl.StringVar(&f.violationID, "violation", "", "Violation id")
	fl.StringVar(&f.policyID, "policy", "", "Policy id")
	fl.IntVar(&f.limit, "limit", 0, "Maximum number of entries, 0 for all")
}

func (f *ledgerFlags) query(now time.Time) (ledger.Query, error) {
	q := ledger.Query{
		Resource:    f.resource,
		ProposalID:  f.proposalID,
		ViolationID: f.violationID,
		PolicyID:    f.policyID,
		Limit:       f.limit,
	}
	if f.severity != "" {
		s, err := models.ParseSeverity(f.severity)
		if err != nil {
			return q, err
		}
		q.Severity = s
	}
	if f.decision != "" {
		d := models.Decision(f.decision)
		if !d.Valid() {
			return q, fmt.Errorf("invalid decision %q", f.decision)
		}
		q.Decision = d
	}
	for _, k := range f.kinds {
		q.Kinds = append(q.Kinds, models.ActivityKind(k))
	}
	if f.since > 0 {
		q.From = now.Add(-f.since)
	}
	var err error
	if f.from != "" {
		if q.From, err = time.Parse(time.RFC3339, f.from); err != nil {
			return q, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if q.To, err = time.Parse(time.RFC3339, f.to); err != nil {
			return q, fmt.Errorf("--to: %w", err)
		}
	}
	return q, nil
}

// GetLedgerCmd queries the activity ledger
func GetLedgerCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query, export and verify the activity ledger",
	}
	cmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	qf := &ledgerFlags{}
	query := &cobra.Command{
		Use:   "query",
		Short: "Filter ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qf.query(time.Now())
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			es, err := e.Ledger.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printEntries(cmd, format, es)
		},
	}
	qf.bind(query)

	var tz string
	day := &cobra.Command{
		Use:   "day <YYYY-MM-DD>",
		Short: "Everything that happened on one calendar day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			d, err := time.ParseInLocation(time.DateOnly, args[0], loc)
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			es, err := e.Ledger.Day(cmd.Context(), d, loc)
			if err != nil {
				return err
			}
			return printEntries(cmd, format, es)
		},
	}
	day.Flags().StringVar(&tz, "tz", "UTC", "IANA time zone the day is interpreted in")

	ef := &ledgerFlags{}
	var out, mode, signKey string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write matching entries as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := ef.query(time.Now())
			if err != nil {
				return err
			}
			toFile := out != "" && out != "-"
			if signKey != "" && (!toFile || mode == string(ledger.ModeAppend)) {
				return errors.New("--sign-key needs --out and overwrite mode")
			}
			var w ledger.Writer
			if out == "" || out == "-" {
				w = ledger.NewWriter(cmd.OutOrStdout())
			} else if w, err = ledger.NewFileWriter(out, mode); err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				w.Close()
				return err
			}
			defer e.Close()
			n, err := e.Ledger.Export(cmd.Context(), w, q)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			receipt.SessionFrom(cmd.Context()).Add(receipt.WithLedger(n, out))
			if !toFile {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", n, out)
			if signKey != "" {
				if err := signExport(out, n, signKey); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "signature written to %s\n", out+".sig")
			}
			return nil
		},
	}
	ef.bind(export)
	export.Flags().StringVarP(&out, "out", "o", "", "Output file, stdout when empty")
	export.Flags().StringVar(&mode, "mode", string(ledger.ModeOverwrite), "File mode: overwrite or append")
	export.Flags().StringVar(&signKey, "sign-key", "", "Ed25519 private key; writes a detached <out>.sig")

	var privPath, pubPath string
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Create an ed25519 key pair for signing exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := crypto.GenerateKeys(privPath, pubPath); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", privPath, pubPath)
			return err
		},
	}
	keygen.Flags().StringVar(&privPath, "private", "ledger.key", "Private key output path")
	keygen.Flags().StringVar(&pubPath, "public", "ledger.pub", "Public key output path")

	var sigPath, verifyKey string
	verifyExport := &cobra.Command{
		Use:   "verify-export <file> --public-key <key>",
		Short: "Check a signed export without access to the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sigPath == "" {
				sigPath = args[0] + ".sig"
			}
			pub, err := crypto.LoadPublicKey(verifyKey)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sig, err := os.ReadFile(sigPath)
			if err != nil {
				return err
			}
			env, err := crypto.VerifyExport(data, sig, pub)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: signature ok, %d entries, signed %s\n",
				args[0], env.Entries, env.SignedAt.Format(time.RFC3339))
			return err
		},
	}
	verifyExport.Flags().StringVar(&verifyKey, "public-key", "", "Ed25519 public key")
	verifyExport.Flags().StringVar(&sigPath, "sig", "", "Signature file, default <file>.sig")
	_ = verifyExport.MarkFlagRequired("public-key")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the whole ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// engine start already verifies; a broken chain fails here
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d entries\n", e.Ledger.Len())
			return err
		},
	}

	cmd.AddCommand(query, day, export, verify, keygen, verifyExport)
	return cmd
}

// signExport signs the finished export file with the hash of its last entry
func signExport(path string, n int, keyPath string) error {
	key, err := crypto.LoadPrivateKey(keyPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var head string
	if lines := bytes.Split(bytes.TrimSpace(data), []byte("\n")); len(lines) > 0 && len(lines[0]) > 0 {
		var last models.ActivityEntry
		if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
			return fmt.Errorf("read last exported entry: %w", err)
		}
		head = last.Hash
	}
	sig, err := crypto.SignExport(data, n, head, key, time.Now())
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sig", sig, 0o644)
}

func printEntries(cmd *cobra.Command, format string, es []models.ActivityEntry) error {
	outFmt, err := ParseOutputFormat(format)
	if err != nil {
		return err
	}
	if outFmt == FormatJSON {
		return writeJSON(cmd.OutOrStdout(), es)
	}
	return writeEntries(cmd.OutOrStdout(), es)
}
