package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Evothesis/server-infrastructure/internal/config"
	"github.com/Evothesis/server-infrastructure/internal/repository"
	"github.com/Evothesis/server-infrastructure/internal/seeder"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply row store schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			opts.logger(cmd, cfg)
			out := cmd.OutOrStdout()

			switch cfg.Database.Driver {
			case config.DriverPostgres:
				if err := repository.MigratePostgres(cfg.Database.URL); err != nil {
					return err
				}
			case config.DriverSQLite:
				store, err := repository.NewSQLiteStore(cmd.Context(), cfg.Database.SQLitePath)
				if err != nil {
					return err
				}
				if err := store.Close(); err != nil {
					return err
				}
			default:
				info(out, "%s driver has no schema to migrate", cfg.Database.Driver)
				return nil
			}
			success(out, "%s schema is up to date", cfg.Database.Driver)
			return nil
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var (
		count     int
		tenants   string
		spread    time.Duration
		sensitive float64
		seed      int64
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert synthetic events into the row store",
		Long: `Generate realistic page events with gofakeit and insert them.

Examples:
  eventvault seed --count 5000 --spread 24h
  eventvault seed --tenants acme,globex --sensitive-ratio 0.5 --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			opts.logger(cmd, cfg)

			store, err := BuildStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			var tenantIDs []string
			for _, t := range strings.Split(tenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}

			n, err := seeder.Seed(cmd.Context(), store, seeder.Options{
				Count:          count,
				Tenants:        tenantIDs,
				TimeSpread:     spread,
				SensitiveRatio: sensitive,
				Seed:           seed,
				BatchSize:      batchSize,
			})
			if err != nil {
				return err
			}
			if opts.output == OutputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"inserted": n})
			}
			success(cmd.OutOrStdout(), "seeded %d events", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1000, "number of events")
	cmd.Flags().StringVar(&tenants, "tenants", strings.Join(seeder.DefaultTenants, ","), "comma-separated tenant IDs")
	cmd.Flags().DurationVar(&spread, "spread", time.Hour, "spread events over this window ending now")
	cmd.Flags().Float64Var(&sensitive, "sensitive-ratio", 0.3, "fraction of events carrying PII or health fields")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "rows per insert transaction")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.output == OutputJSON {
				return writeJSON(cmd.OutOrStdout(), cfg.Redacted())
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			if vErr := cfg.Validate(); vErr != nil {
				warn(cmd.ErrOrStderr(), "%v", vErr)
			}
			return err
		},
	})
	return configCmd
}
