package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Run one RawExporter pass",
		Long:  "Upload the oldest unexported rows as one raw object and mark them exported.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			res := app.Exporter.Export(cmd.Context())
			return report(cmd, opts, res, res.Status, func() { printExportResult(cmd.OutOrStdout(), res) })
		},
	}
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one ComplianceProcessor pass",
		Long:  "Claim unprocessed raw objects, publish per-tenant privacy-filtered copies, and mark the raw objects processed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			res := app.Processor.Process(cmd.Context())
			return report(cmd, opts, res, res.Status, func() { printProcessResult(cmd.OutOrStdout(), res) })
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one RetentionCleaner pass",
		Long: `Delete rows whose raw export is older than cleanup.delay_hours, after
confirming the raw bucket holds exports. Unexported rows are never deleted.

--dry-run prints the cleanup status instead of deleting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if dryRun {
				st := app.Cleaner.Status(cmd.Context())
				if opts.output == OutputJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				info(cmd.OutOrStdout(), "%d rows eligible for deletion (cutoff %s)",
					st.CleanupEligible, st.Cutoff.Format(time.RFC3339))
				return nil
			}

			res := app.Cleaner.Cleanup(cmd.Context())
			return report(cmd, opts, res, res.Status, func() { printCleanupResult(cmd.OutOrStdout(), res) })
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report eligible rows without deleting")
	return cmd
}

// report prints a pass result and turns a failed pass into a non-zero exit.
func report(cmd *cobra.Command, opts *rootOptions, result any, status models.Status, text func()) error {
	if opts.output == OutputJSON {
		if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		text()
	}
	if status == models.StatusError {
		return errPassFailed
	}
	return nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show export and cleanup status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			es := app.Exporter.Status(cmd.Context())
			cs := app.Cleaner.Status(cmd.Context())
			if opts.output == OutputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"export": es, "cleanup": cs})
			}
			printStatus(cmd.OutOrStdout(), es, cs)
			return nil
		},
	}
}
