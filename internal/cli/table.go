package cli

import (
	"fmt"
	"strings"

	"github.com/policygate/policygate/internal/classifier"
	"github.com/policygate/policygate/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// GetTableCmd inspects decision tables
func GetTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Show, validate and try out decision tables",
	}

	var (
		file          string
		preset        string
		showFormat    string
		explainFormat string
	)
	// resolve picks --file, --preset, then the configured table
	resolve := func(cmd *cobra.Command) (*classifier.Compiled, error) {
		if file != "" || preset != "" {
			return classifier.Load(file, preset)
		}
		cfg := configFrom(cmd.Context())
		return classifier.Load(cfg.Classifier.TablePath, cfg.Classifier.Preset)
	}
	sel := func(c *cobra.Command) {
		c.Flags().StringVarP(&file, "file", "f", "", "Decision table YAML file")
		c.Flags().StringVar(&preset, "preset", "", "Built-in table: "+strings.Join(classifier.PresetNames(), ", "))
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective decision table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolve(cmd)
			if err != nil {
				return err
			}
			if strings.EqualFold(showFormat, "json") {
				return writeJSON(cmd.OutOrStdout(), c.Table())
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.Table()); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	sel(show)
	show.Flags().StringVar(&showFormat, "format", "yaml", "Output format: yaml or json")

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and compile a decision table without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := classifier.Load(args[0], "")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: table %q ok, %d rules\n", args[0], c.Name(), len(c.Table().Rules))
			return err
		},
	}

	presets := &cobra.Command{
		Use:   "presets",
		Short: "List built-in decision tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "NAME\tRULES\tDESCRIPTION")
			for _, name := range classifier.PresetNames() {
				t, err := classifier.Preset(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(t.Rules), orDash(t.Description))
			}
			return tw.Flush()
		},
	}

	var (
		severity string
		env      string
		source   string
		rule     string
	)
	explain := &cobra.Command{
		Use:   "explain --severity <sev> --env <env>",
		Short: "Show which rule a violation with these attributes would match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolve(cmd)
			if err != nil {
				return err
			}
			sev, err := models.ParseSeverity(severity)
			if err != nil {
				return err
			}
			v := &models.Violation{Source: models.Source(source), RuleID: rule, Severity: sev}
			if env != "" {
				if v.Environment, err = models.ParseEnvironment(env); err != nil {
					return err
				}
			}
			a := classifier.New(c).Assess(v)
			if strings.EqualFold(explainFormat, "json") {
				return writeJSON(cmd.OutOrStdout(), a)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "table:\t%s\n", a.Table)
			fmt.Fprintf(tw, "rule:\t%s\n", a.Rule)
			fmt.Fprintf(tw, "decision:\t%s\n", a.Decision)
			fmt.Fprintf(tw, "environment:\t%s\n", a.Environment)
			fmt.Fprintf(tw, "risk score:\t%.1f\n", a.RiskScore)
			if a.Expiry > 0 {
				fmt.Fprintf(tw, "expiry:\t%s\n", a.Expiry)
			}
			if a.Error != "" {
				fmt.Fprintf(tw, "error:\t%s\n", a.Error)
			}
			return tw.Flush()
		},
	}
	sel(explain)
	explain.Flags().StringVar(&severity, "severity", "", "Violation severity")
	explain.Flags().StringVar(&env, "env", "", "Environment; empty means undetermined")
	explain.Flags().StringVar(&source, "source", string(models.SourceCIPlan), "Violation source")
	explain.Flags().StringVar(&rule, "rule", "", "Rule id, for tables with expressions")
	explain.Flags().StringVar(&explainFormat, "format", "text", "Output format: text or json")
	_ = explain.MarkFlagRequired("severity")

	cmd.AddCommand(show, validate, presets, explain)
	return cmd
}
