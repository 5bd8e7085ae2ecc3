package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tether/cmd/internal/auth/session"
)

// report is what status and signin print.
type report struct {
	session.Snapshot
	Admin  *bool  `json:"admin,omitempty"`
	Notice string `json:"notice,omitempty"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		light  bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validate the stored session and print it",
		Long: `Validate the stored session and print the result.

By default a full validation runs (server check, profile). --light only decodes the
stored token and never touches the network for an already known user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			mgr := a.Manager()
			var snap session.Snapshot
			if light {
				snap, err = mgr.LightValidate(cmd.Context())
			} else {
				snap, err = mgr.FullValidate(cmd.Context())
			}

			r := report{Snapshot: snap, Notice: notice(err)}
			if snap.Authenticated() {
				admin := mgr.IsAdmin(cmd.Context())
				r.Admin = &admin
			}
			return printSnapshot(cmd.OutOrStdout(), format, r)
		},
	}

	cmd.Flags().BoolVar(&light, "light", false, "token-only validation")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}

func notice(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func printSnapshot(w io.Writer, format string, r report) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "state:\t%s\n", r.State)
	if u := r.User; u != nil {
		fmt.Fprintf(tw, "subject:\t%s\n", u.SubjectID)
		if u.OrganizationID != "" {
			fmt.Fprintf(tw, "organization:\t%s\n", u.OrganizationID)
		}
		if u.AccountType != "" {
			fmt.Fprintf(tw, "account type:\t%s\n", u.AccountType)
		}
		fmt.Fprintf(tw, "expires:\t%s\n", u.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		if u.ProfileLoaded {
			fmt.Fprintf(tw, "name:\t%s\n", u.Profile.DisplayName)
		} else {
			fmt.Fprintf(tw, "name:\t(profile not loaded)\n")
		}
	}
	if r.Admin != nil {
		fmt.Fprintf(tw, "admin:\t%t\n", *r.Admin)
	}
	if r.Notice != "" {
		fmt.Fprintf(tw, "notice:\t%s\n", r.Notice)
	}
	return tw.Flush()
}
