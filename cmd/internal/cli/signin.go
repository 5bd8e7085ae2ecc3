package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSignInCommand(opts *rootOptions) *cobra.Command {
	var (
		access  string
		refresh string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Store an issued token pair and validate it",
		Long: `Store a token pair issued by the API and run a full validation against it.

Pass "-" as --access-token to read the token from stdin.

Examples:
  tether signin --access-token "$TOKEN" --refresh-token "$REFRESH"
  printf '%s' "$TOKEN" | tether signin --access-token -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if access == "-" {
				b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				access = string(b)
			}
			access = strings.TrimSpace(access)
			if access == "" {
				return errors.New("--access-token is required")
			}

			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			snap, err := a.Manager().SignIn(cmd.Context(), access, strings.TrimSpace(refresh))
			if !snap.Authenticated() {
				if err == nil {
					err = errors.New("token was not accepted")
				}
				return fmt.Errorf("sign-in failed: %w", err)
			}
			return printSnapshot(cmd.OutOrStdout(), format, report{Snapshot: snap, Notice: notice(err)})
		},
	}

	cmd.Flags().StringVar(&access, "access-token", "", "access token (\"-\" reads stdin)")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}
