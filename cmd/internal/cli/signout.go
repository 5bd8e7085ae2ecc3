package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSignOutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Clear the stored session",
		Long: `Clear the stored token pair. A running agent notices on its next validation;
use POST /session/signout on its control surface to end it immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			if err := a.Manager().SignOut(cmd.Context()); err != nil {
				return fmt.Errorf("sign-out: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return err
		},
	}
}
