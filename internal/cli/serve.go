package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/scheduler"
	"github.com/Evothesis/server-infrastructure/internal/server"
	"github.com/Evothesis/server-infrastructure/internal/trigger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API, scheduled passes and event triggers",
		Long: `Serve the ops API (health, metrics, manual pass triggers) and run each
pass on its configured interval. An interval of 0 disables that pass.
With nats.enabled and nats.subscribe, every announced raw export also
triggers a compliance pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			logger := app.Logger
			logger.Info("eventvault starting",
				logging.Service("eventvault"),
				"database_driver", app.Config.Database.Driver,
				"object_store_driver", app.Config.ObjectStore.Driver,
				logging.Bucket(app.Raw.Bucket()))

			if app.Indexer != nil {
				if err := app.Indexer.Ping(ctx); err != nil {
					logger.Warn("search mirror unreachable, indexing will be retried per object", logging.Error(err))
				}
			}

			if !noSchedule {
				sched := scheduler.New(app.Jobs(), app.Guard, logger)
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()
			}

			if app.NATS != nil && app.Config.NATS.Subscribe {
				h := trigger.NewHandler(app.NATS, app.Processor, app.Guard, logger)
				if err := h.Start(ctx); err != nil {
					return err
				}
				defer h.Stop()
			}

			handler := server.NewHandler(server.Deps{
				Exporter:  app.Exporter,
				Processor: app.Processor,
				Cleaner:   app.Cleaner,
				Tenants:   app.Resolver,
				Store:     app.Store,
				Guard:     app.Guard,
				Logger:    logger,
			})
			srv := server.New(app.Config.Server, server.NewRouter(handler), logger)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without periodic passes")
	return cmd
}
