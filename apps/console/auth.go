package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/EkeHanson/complete-lms-sub000/core/session"
	"github.com/EkeHanson/complete-lms-sub000/services/lmsapi"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

func (cli *commandLine) loginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the LMS",
		Long: `Sign in with your email and password. The password is prompted for.

Examples:
  lmsconsole login --email admin@lms.test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				fmt.Fprint(cli.out, "Email: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.Wrap(err, "reading email")
				}
				email = strings.TrimSpace(line)
			}
			pwd, err := cli.readPassword("Password: ")
			if err != nil {
				return err
			}

			creds := session.Credentials{Email: email, Password: pwd}
			if err := creds.Validate(cli.validate, cli.translator); err != nil {
				printFieldErrors(cli.errOut, err)
				return errors.Wrap(err, "invalid credentials")
			}

			state, err := cli.session.Login(cmd.Context(), creds)
			if err != nil {
				printFieldErrors(cli.errOut, err)
				if state.Err != "" {
					return errors.New(state.Err)
				}
				return err
			}
			fmt.Fprintf(cli.out, "Logged in as %s (%s).\n", state.User.DisplayName(), roleName(state.User.Role))
			fmt.Fprintf(cli.out, "Dashboard: %s\n", cli.session.DashboardRoute())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (prompted for when empty)")
	return cmd
}

func (cli *commandLine) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.session.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cli.out, "Logged out.")
			return nil
		},
	}
}

func (cli *commandLine) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.restore(cmd.Context()); err != nil {
				return err
			}
			if err := cli.session.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cli.out, "Access token refreshed.")
			if access, err := cli.tokens.Get(tokenstore.AccessTokenKey); err == nil {
				if exp, err := lmsapi.TokenExpiry(access); err == nil && !exp.IsZero() {
					fmt.Fprintf(cli.out, "Expires: %s\n", exp.Local().Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}
}

func (cli *commandLine) passwordResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "password-reset <email>",
		Short: "Request a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := cli.client.Auth().RequestPasswordReset(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				printFieldErrors(cli.errOut, err)
				return err
			}
			fmt.Fprintln(cli.out, msg)
			return nil
		},
	}
}

func (cli *commandLine) passwordResetConfirmCmd() *cobra.Command {
	var uid, token string
	cmd := &cobra.Command{
		Use:   "password-reset-confirm",
		Short: "Choose a new password with the link of a password reset email",
		Long: `Choose a new password with the uid and token of a password reset email.

Examples:
  lmsconsole password-reset-confirm --uid MQ --token bxz4a-5f1c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == "" || token == "" {
				return errors.New("--uid and --token are required")
			}
			pwd, err := cli.readPassword("New password: ")
			if err != nil {
				return err
			}
			confirm, err := cli.readPassword("Confirm password: ")
			if err != nil {
				return err
			}

			msg, err := cli.client.Auth().ConfirmPasswordReset(cmd.Context(), lmsapi.PasswordResetConfirm{
				UID: uid, Token: token, Password: pwd, PasswordConfirm: confirm,
			})
			if err != nil {
				printFieldErrors(cli.errOut, err)
				return err
			}
			fmt.Fprintln(cli.out, msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "uid of the reset link")
	cmd.Flags().StringVar(&token, "token", "", "token of the reset link")
	return cmd
}
