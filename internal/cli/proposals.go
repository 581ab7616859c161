package cli

import (
	"context"
	"strings"

	"github.com/policygate/policygate/internal/approval"
	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/policygate/policygate/internal/store"
	"github.com/spf13/cobra"
)

// GetProposalsCmd groups reviewer actions
func GetProposalsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"proposal", "p"},
		Short:   "List, inspect and act on remediation proposals",
	}
	cmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	var (
		states      []string
		violationID string
		resource    string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outFmt, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			f := store.ProposalFilter{ViolationID: violationID, Resource: resource}
			for _, s := range states {
				f.States = append(f.States, models.ProposalState(strings.ToLower(s)))
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			ps, err := e.Machine.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if outFmt == FormatJSON {
				return writeJSON(cmd.OutOrStdout(), ps)
			}
			return writeProposals(cmd.OutOrStdout(), ps)
		},
	}
	list.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")
	list.Flags().StringVar(&violationID, "violation", "", "Filter by violation id")
	list.Flags().StringVar(&resource, "resource", "", "Filter by resource key")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one proposal and its proposed diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProposal(cmd, &format, func(m *approval.Machine) (*models.RemediationProposal, error) {
				return m.Get(cmd.Context(), args[0])
			})
		},
	}

	history := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the ledger history of one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFmt, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			es, err := e.Ledger.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outFmt == FormatJSON {
				return writeJSON(cmd.OutOrStdout(), es)
			}
			return writeEntries(cmd.OutOrStdout(), es)
		},
	}

	var approver string
	approve := &cobra.Command{
		Use:   "approve <id> --as <approver>",
		Short: "Approve a pending proposal and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProposal(cmd, &format, func(m *approval.Machine) (*models.RemediationProposal, error) {
				if _, err := m.Approve(cmd.Context(), args[0], approver); err != nil {
					return nil, err
				}
				// one-shot process: report the execution outcome
				m.Wait()
				return m.Get(cmd.Context(), args[0])
			})
		},
	}
	approve.Flags().StringVar(&approver, "as", "", "Approver identity")

	reject := actionCmd("reject", "Reject a proposal", &format, (*approval.Machine).Reject)
	cancel := actionCmd("cancel", "Cancel a proposal, including one that is executing", &format, (*approval.Machine).Cancel)

	cmd.AddCommand(list, get, history, approve, reject, cancel)
	return cmd
}

// withProposal runs fn against a fresh engine and prints the result
func withProposal(cmd *cobra.Command, format *string, fn func(*approval.Machine) (*models.RemediationProposal, error)) error {
	outFmt, err := ParseOutputFormat(*format)
	if err != nil {
		return err
	}
	e, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()
	p, err := fn(e.Machine)
	if err != nil {
		return err
	}
	receipt.SessionFrom(cmd.Context()).Add(receipt.WithProposal(receipt.ProposalRef{
		ID:       p.ID,
		State:    string(p.State),
		Decision: string(p.Decision),
		Actor:    firstNonEmpty(p.Approver, p.CancelledBy),
	}))
	if outFmt == FormatJSON {
		return writeJSON(cmd.OutOrStdout(), p)
	}
	return writeProposal(cmd.OutOrStdout(), p)
}

type machineAction func(m *approval.Machine, ctx context.Context, id, actor, reason string) (*models.RemediationProposal, error)

func actionCmd(name, short string, format *string, act machineAction) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   name + " <id> --as <actor>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProposal(cmd, format, func(m *approval.Machine) (*models.RemediationProposal, error) {
				return act(m, cmd.Context(), args[0], actor, reason)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "as", "", "Acting identity")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the ledger")
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
