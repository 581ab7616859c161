package cli

import (
	"fmt"

	"github.com/policygate/policygate/internal/models"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/policygate/policygate/internal/rollout"
	"github.com/spf13/cobra"
)

// GetRolloutCmd manages progressive enforcement
func GetRolloutCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "rollout",
		Aliases: []string{"rollouts"},
		Short:   "Register and move policies through DRYRUN, WARN and DENY",
	}
	cmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rollouts and their current stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outFmt, err := ParseOutputFormat(format)
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			rs := e.Rollouts.List()
			if outFmt == FormatJSON {
				return writeJSON(cmd.OutOrStdout(), rs)
			}
			return writeRollouts(cmd.OutOrStdout(), rs)
		},
	}

	var (
		actor string
		rule  models.PromotionRule
	)
	register := &cobra.Command{
		Use:   "register <policy> <environment>",
		Short: "Start a policy at DRYRUN in one environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := models.ParseEnvironment(args[1])
			if err != nil {
				return err
			}
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var custom *models.PromotionRule
			for _, name := range []string{"min-dwell", "threshold", "spike-ceiling", "spike-min-delta"} {
				if cmd.Flags().Changed(name) {
					custom = &rule
				}
			}
			r, err := e.Rollouts.Register(cmd.Context(), args[0], env, custom, actor)
			if err != nil {
				return err
			}
			receipt.SessionFrom(cmd.Context()).Add(receipt.WithRollout(receipt.RolloutRef{
				PolicyID: r.PolicyID, Environment: string(r.Environment), To: string(r.Stage),
			}))
			if format == string(FormatJSON) {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			return writeRollouts(cmd.OutOrStdout(), []models.PolicyRollout{*r})
		},
	}
	def := models.DefaultPromotionRule()
	register.Flags().DurationVar(&rule.MinDwell, "min-dwell", def.MinDwell, "Minimum time in a stage before promotion")
	register.Flags().Float64Var(&rule.Threshold, "threshold", def.Threshold, "Promote when count <= baseline x threshold")
	register.Flags().Float64Var(&rule.SpikeCeiling, "spike-ceiling", def.SpikeCeiling, "Roll back when count > baseline x ceiling")
	register.Flags().IntVar(&rule.SpikeMinDelta, "spike-min-delta", def.SpikeMinDelta, "Minimum count increase that counts as a spike")

	var reason string
	move := func(use, short string, back bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <policy> <environment>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				env, err := models.ParseEnvironment(args[1])
				if err != nil {
					return err
				}
				e, err := openEngine(cmd.Context())
				if err != nil {
					return err
				}
				defer e.Close()
				var ch *rollout.Change
				if back {
					ch, err = e.Rollouts.Rollback(cmd.Context(), args[0], env, actor, reason)
				} else {
					ch, err = e.Rollouts.Promote(cmd.Context(), args[0], env, actor)
				}
				if err != nil {
					return err
				}
				recordChange(cmd, *ch)
				if format == string(FormatJSON) {
					return writeJSON(cmd.OutOrStdout(), ch)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", models.RolloutKey(ch.PolicyID, ch.Environment), ch.From, ch.To)
				return err
			},
		}
	}
	promote := move("promote", "Move a policy one stage toward DENY", false)
	rollback := move("rollback", "Move a policy one stage toward DRYRUN", true)
	rollback.Flags().StringVar(&reason, "reason", "", "Reason recorded in the ledger")

	evaluate := &cobra.Command{
		Use:   "evaluate",
		Short: "Recount open violations and apply promotions and rollbacks now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			changes, err := e.Rollouts.Evaluate(cmd.Context())
			if err != nil {
				return err
			}
			for _, ch := range changes {
				recordChange(cmd, ch)
			}
			if format == string(FormatJSON) {
				return writeJSON(cmd.OutOrStdout(), changes)
			}
			for _, ch := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%s)\n", models.RolloutKey(ch.PolicyID, ch.Environment), ch.From, ch.To, ch.Kind)
			}
			return nil
		},
	}

	for _, c := range []*cobra.Command{register, promote, rollback} {
		c.Flags().StringVar(&actor, "as", "", "Acting identity")
	}
	cmd.AddCommand(list, register, promote, rollback, evaluate)
	return cmd
}

func recordChange(cmd *cobra.Command, ch rollout.Change) {
	receipt.SessionFrom(cmd.Context()).Add(receipt.WithRollout(receipt.RolloutRef{
		PolicyID:    ch.PolicyID,
		Environment: string(ch.Environment),
		From:        string(ch.From),
		To:          string(ch.To),
	}))
}
