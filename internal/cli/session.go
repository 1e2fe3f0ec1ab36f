package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const passwordEnv = "LEDGERSYNC_PASSWORD"

type LoginOptions struct {
	*RootOptions
	User          string
	PasswordStdin bool
}

func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a session and store its credentials",
		Long: `Exchange a login for an access token and tenant id and store them in the
credentials file. The password comes from --password-stdin or ` + passwordEnv + `.

Examples:
  ledgersync login --user alice --password-stdin < secret.txt
  LEDGERSYNC_PASSWORD=... ledgersync login --user alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "login name (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func runLogin(ctx context.Context, opts *LoginOptions, cmd *cobra.Command) error {
	password := readSecret(passwordEnv)
	if opts.PasswordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return WrapExitError(ExitCommandError, "failed to read password", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return NewExitError(ExitCommandError, "password is required (--password-stdin or "+passwordEnv+")")
	}

	a, err := newApp(ctx, opts.RootOptions, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.client.Authenticate(ctx, opts.User, password)
	if err != nil {
		return sessionError("login failed", err)
	}
	result := map[string]string{"tenantId": session.TenantID, "credentials": a.creds.Path()}
	return render(opts.RootOptions, cmd.OutOrStdout(), result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Logged in to tenant %s.\n", session.TenantID)
		return err
	})
}

func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.client.Logout(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "logout failed", err)
			}
			return render(rootOpts, cmd.OutOrStdout(), map[string]bool{"loggedOut": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "Logged out.")
				return err
			})
		},
	}
}
