// Package cli implements the tether command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tether/cmd/internal/app"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tether",
		Short: "Client-side authentication session manager",
		Long: `tether keeps a bearer-token session alive on this machine: it stores the token pair,
re-validates it against the API, caches the user's profile and roles and keeps the
realtime connection in step with the signed-in identity.

Configuration is read from --config (or TETHER_CONFIG) and TETHER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default $TETHER_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log format (json|pretty)")

	root.AddCommand(
		newAgentCommand(opts),
		newSignInCommand(opts),
		newStatusCommand(opts),
		newSignOutCommand(opts),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *rootOptions) load() (app.Config, error) {
	cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return app.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	return cfg, nil
}

// oneShot builds an App for a single command. Realtime stays off: the process exits
// right after the command.
func (o *rootOptions) oneShot(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	cfg.Realtime.URL = ""
	cfg.MetricsEnabled = false

	log := app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return a, nil
}
