package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/EkeHanson/complete-lms-sub000/apps/devapi"
	"github.com/EkeHanson/complete-lms-sub000/core/user"
)

const shutdownTimeout = 5 * time.Second

func (cli *commandLine) devserverCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the development LMS API",
		Long: `Run an in-memory LMS API seeded with one user per role, for local development.

Every seeded user has the password ` + user.DefaultSeedPassword + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cli.conf.Server.Address = addr
			}
			mailOutput := log.New(cli.out, "MAIL : ", 0)
			server, err := devapi.NewDevServer(cli.conf, mailOutput, cli.logger)
			if err != nil {
				return err
			}

			for _, nu := range user.SeedUsers {
				fmt.Fprintf(cli.out, "  %-22s %s\n", nu.Email, roleName(nu.Role))
			}
			cli.logger.Info(fmt.Sprintf("dev API listening on %s", cli.conf.Server.Address))

			serverErrors := make(chan error, 1)
			go func() {
				serverErrors <- server.Start()
			}()

			select {
			case err := <-serverErrors:
				return errors.Wrap(err, "server error")
			case <-cmd.Context().Done():
				cli.logger.Info("start shutdown...")
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Stop(ctx); err != nil {
					return errors.Wrap(err, "could not stop server gracefully")
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}
