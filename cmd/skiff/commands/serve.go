package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/skiffcloud/skiff/pkg/config"
	"github.com/skiffcloud/skiff/pkg/engine"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		Long: `Serve runs the full orchestrator: a recovery pass over blueprints left
mid-operation by a previous crash, the command worker pool, the blueprint
directory watcher, and the metrics endpoint when enabled. It exits on
SIGINT or SIGTERM after draining in-flight commands.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a, ctx, err := newApp(c.Context())
			if err != nil {
				return err
			}
			defer a.close()
			log := a.logger.NewComponentLogger("serve")

			if a.creds != nil {
				log.WithField("source", a.creds.Source).Info("provider credentials resolved")
			}

			repaired, err := engine.NewRecovery(a.deps).Run(ctx)
			if err != nil {
				log.WithError(err).Warn("recovery pass failed")
			} else if len(repaired) > 0 {
				log.WithField("projects", len(repaired)).Info("repaired interrupted operations")
			}

			if a.cfg.Telemetry.Metrics.Enabled {
				if err := a.metrics.StartServer(); err != nil {
					return err
				}
				defer func() {
					_ = a.metrics.Shutdown(context.Background())
				}()
				log.WithField("addr", a.cfg.Telemetry.Metrics.ListenAddress).Info("metrics endpoint up")
			}

			if a.cfg.Watcher.Enabled {
				watcher := config.NewWatcher(a.bps.Dir(), a.cfg.Watcher.Debounce, a.bus, a.logger)
				go func() {
					if err := watcher.Run(ctx); err != nil {
						log.WithError(err).Error("blueprint watcher stopped")
					}
				}()
			}

			log.Info("orchestrator running")
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
}
