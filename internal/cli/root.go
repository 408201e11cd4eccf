// Package cli implements the eventvault command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/config"
)

// Output formats for pass and status commands.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// errPassFailed makes the process exit non-zero after a failed pass whose
// result was already printed.
var errPassFailed = errors.New("pass failed")

type rootOptions struct {
	configPath string
	logLevel   string
	output     string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "eventvault",
		Short: "Event export, compliance and retention pipeline",
		Long: `eventvault moves captured events out of the row store into a raw bucket,
rewrites them into per-tenant privacy-filtered objects, and deletes rows
once their export is safely in the bucket.

Configuration is read from --config, ./config.yaml or /etc/eventvault/config.yaml,
then overridden by EVENTVAULT_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case OutputText, OutputJSON:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text or json)", opts.output)
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", OutputText, "output format: text, json")

	root.AddCommand(
		newServeCmd(opts),
		newExportCmd(opts),
		newProcessCmd(opts),
		newCleanupCmd(opts),
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// Execute runs the command tree.
func Execute(ctx context.Context) error {
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errPassFailed) {
		failure(root.ErrOrStderr(), "%v", err)
	}
	return err
}

// load reads and validates config, applying flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(o.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger logs to the command's stderr so stdout stays parseable.
func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return logger
}

// buildApp loads config and wires every component.
func (o *rootOptions) buildApp(cmd *cobra.Command) (*App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return BuildApp(cmd.Context(), cfg, o.logger(cmd, cfg))
}
