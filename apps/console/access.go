package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EkeHanson/complete-lms-sub000/core/routes"
)

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (cli *commandLine) dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print the landing location of the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// anonymous users land on the login screen
			if err := cli.session.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cli.out, cli.session.DashboardRoute())
			return nil
		},
	}
}

func (cli *commandLine) canCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can <permission>",
		Short: "Tell whether the logged in user has a permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.restore(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cli.out, yesNo(cli.session.HasPermission(args[0])))
			return nil
		},
	}
}

func (cli *commandLine) qaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qa",
		Short: "Show the quality assurance capabilities of the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.restore(cmd.Context()); err != nil {
				return err
			}
			qa := cli.session.QA()
			fmt.Fprintf(cli.out, "IQA lead:            %s\n", yesNo(qa.IsIQALead()))
			fmt.Fprintf(cli.out, "EQA auditor:         %s\n", yesNo(qa.IsEQAAuditor()))
			fmt.Fprintf(cli.out, "View reports:        %s\n", yesNo(qa.CanViewReports()))
			fmt.Fprintf(cli.out, "Sample assessments:  %s\n", yesNo(qa.CanSampleAssessments()))
			return nil
		},
	}
}

func (cli *commandLine) openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Resolve a console location against the session",
		Long: `Resolve a console location: print the screen shown there or where the user is redirected.

Examples:
  lmsconsole open /admin/users
  lmsconsole open /`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli.nav.Navigate(args[0])
			if err := cli.session.Init(cmd.Context()); err != nil && !cli.expired() {
				return err
			}

			decision := routes.Default.Resolve(cli.nav.Location(), cli.session)
			fmt.Fprintln(cli.out, decision)
			if decision.Route != nil {
				fmt.Fprintf(cli.out, "Title: %s\n", decision.Route.Title)
			}
			return nil
		},
	}
}

// expired reports whether the session was just sent to the session expired login.
func (cli *commandLine) expired() bool {
	return routes.SessionExpired(cli.nav.Location())
}
