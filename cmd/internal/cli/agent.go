package cli

import (
	"github.com/spf13/cobra"

	"tether/cmd/internal/app"
)

func newAgentCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the session agent and its local control surface",
		Long: `Run the long-lived session agent. It validates the stored session at startup,
re-checks it periodically, keeps the realtime connection up while signed in and serves
/healthz, /readyz, /session, /session/validate, /session/signout and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
}
