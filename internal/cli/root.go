// Package cli is the policygate command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/policygate/policygate/internal/config"
	"github.com/policygate/policygate/internal/engine"
	"github.com/policygate/policygate/internal/observability"
	"github.com/policygate/policygate/internal/observability/logging"
	otelobs "github.com/policygate/policygate/internal/observability/otel"
	"github.com/policygate/policygate/internal/observability/receipt"
	"github.com/policygate/policygate/internal/version"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath  string
	logFormat   string
	logLevel    string
	otel        bool
	receipt     string
	receiptMode string
}

type configKey struct{}

// NewRootCmd builds a fresh command tree
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "policygate",
		Short: "Triage policy violations and roll out enforcement progressively",
		Long: `policygate ingests violations from CI plan scans and cluster admission
audits, decides whether each one is fixed automatically, sent for human
approval or escalated, and moves policies through DRYRUN, WARN and DENY
with automatic rollback on violation spikes.`,
		Version:       version.BuildVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", os.Getenv("POLICYGATE_CONFIG"), "Path to the YAML config file")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: pretty, jsonl or none (default pretty on a terminal, jsonl otherwise)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.BoolVar(&g.otel, "otel", false, "Enable OpenTelemetry tracing")
	pf.StringVar(&g.receipt, "receipt", "", "Write an audit receipt for this run to the given path")
	pf.StringVar(&g.receiptMode, "receipt-mode", string(receipt.ModeOverwrite), "Receipt file mode: overwrite or append")

	root.AddCommand(
		GetServeCmd(),
		GetIngestCmd(),
		GetProposalsCmd(),
		GetRolloutCmd(),
		GetLedgerCmd(),
		GetTableCmd(),
	)
	instrument(root, g)
	return root
}

// instrument wraps every runnable command with the session setup: config,
// logger, tracing, the receipt and a span around the run
func instrument(cmd *cobra.Command, g *globalFlags) {
	for _, c := range cmd.Commands() {
		instrument(c, g)
	}
	run := cmd.RunE
	if run == nil {
		return
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		ctx, closeSession, err := openSession(cmd, g)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := closeSession(err); err == nil {
				err = cerr
			}
		}()

		ctx, finish := otelobs.Start(ctx, strings.ReplaceAll(cmd.CommandPath(), " ", "."))
		defer finish(&err)

		cmd.SetContext(ctx)
		return run(cmd, args)
	}
}

// openSession returns the prepared context and a closer that finishes the
// receipt with the command's error
func openSession(cmd *cobra.Command, g *globalFlags) (context.Context, func(error) error, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	applyFlags(cmd, g, cfg)

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	log, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	closers = append(closers, log.Close)

	ctx := observability.WithOpID(cmd.Context())
	ctx = logging.WithLogger(ctx, log)
	ctx = context.WithValue(ctx, configKey{}, cfg)

	if cfg.OTel.Enabled {
		h, err := otelobs.Init(ctx, cfg.OTel)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("otel: %w", err)
		}
		ctx = otelobs.WithHandle(ctx, h)
		closers = append(closers, func() error { return h.Shutdown(context.WithoutCancel(ctx)) })
	}

	var sess *receipt.Session
	if g.receipt != "" {
		w, err := receipt.NewWriter(g.receipt, g.receiptMode)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		ctx = receipt.WithWriter(ctx, w)
		sess = receipt.Start(ctx, cmd.CommandPath(), os.Args[1:])
		sess.Add(receipt.WithConfig(g.configPath))
		ctx = receipt.WithSession(ctx, sess)
		closers = append(closers, w.Close)
	}

	finish := func(runErr error) error {
		var errs []error
		if sess != nil {
			errs = append(errs, sess.Finish(runErr))
		}
		return errors.Join(append(errs, closeAll())...)
	}
	return ctx, finish, nil
}

// applyFlags layers command line overrides over the loaded config
func applyFlags(cmd *cobra.Command, g *globalFlags, cfg *config.Config) {
	pf := cmd.Flags()
	switch {
	case pf.Changed("log-format"):
		cfg.Logging.Format = g.logFormat
	case cfg.Logging.Format == "pretty" && !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()):
		cfg.Logging.Format = "jsonl"
	}
	if pf.Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	if pf.Changed("otel") {
		cfg.OTel.Enabled = g.otel
	}
}

func configFrom(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return config.Default()
}

// openEngine builds and starts an engine for a one-shot command. The
// caller must Close it.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	e, err := engine.New(ctx, configFrom(ctx))
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}
