package cli

import (
	"github.com/policygate/policygate/internal/api"
	"github.com/policygate/policygate/internal/observability/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// GetServeCmd runs the engine loops and the HTTP API
func GetServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `Runs the expiry sweep, rollout evaluation and decision table watcher,
and serves the HTTP API for scan submission and reviewer actions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			if listen != "" {
				cfg.Listen = listen
			}
			log := logging.From(ctx)

			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			log.Event(ctx, "serve.start", map[string]any{"listen": cfg.Listen})
			srv := api.NewServer(e, log)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.Run(gctx) })
			g.Go(func() error { return srv.Run(gctx, cfg.Listen) })
			err = g.Wait()
			log.Event(ctx, "serve.stop", nil)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides the config file")
	return cmd
}
