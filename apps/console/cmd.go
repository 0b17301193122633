package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/EkeHanson/complete-lms-sub000/core"
	"github.com/EkeHanson/complete-lms-sub000/core/routes"
	"github.com/EkeHanson/complete-lms-sub000/core/session"
	"github.com/EkeHanson/complete-lms-sub000/services/lmsapi"
	logsvc "github.com/EkeHanson/complete-lms-sub000/services/logger"
	"github.com/EkeHanson/complete-lms-sub000/storage/tokenstore"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errNotLoggedIn = errors.New("not logged in; run `lmsconsole login` first")
)

const sessionExpiredNotice = "Your session has expired. Please log in again."

// navigator is the console's location history. It tells the user when their session expired.
type navigator struct {
	*routes.History
	out io.Writer
}

func (n navigator) Navigate(target string) {
	n.History.Navigate(target)
	if routes.SessionExpired(target) {
		fmt.Fprintln(n.out, sessionExpiredNotice)
	}
}

type commandLine struct {
	// flags
	cfgFile  string
	apiURL   string
	location string

	out    io.Writer
	errOut io.Writer
	in     io.Reader

	// set up lazily, unless provided (tests)
	conf       *core.Config
	logger     core.Logger
	tokens     tokenstore.Store
	client     *lmsapi.Client
	nav        navigator
	session    *session.Manager
	validate   *validator.Validate
	translator ut.Translator

	rollbar *logsvc.RollbarLogger
}

func newCommandLine(out, errOut io.Writer) *commandLine {
	return &commandLine{out: out, errOut: errOut, in: os.Stdin}
}

func (cli *commandLine) execute(ctx context.Context, args []string) error {
	root := cli.rootCmd()
	root.SetArgs(args)
	root.SetOut(cli.out)
	root.SetErr(cli.errOut)
	root.SetIn(cli.in)
	return root.ExecuteContext(ctx)
}

func (cli *commandLine) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lmsconsole",
		Short: "LMS admin console",
		Long: `lmsconsole signs you in to the LMS and shows what your session gives access to.

The session (tokens and tenant) is kept in the token file between invocations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cli.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.StringVar(&cli.apiURL, "api-url", "", "base URL of the LMS API (overrides the config)")
	flags.StringVar(&cli.location, "path", routes.Root, "current console location")

	root.AddCommand(
		cli.loginCmd(),
		cli.logoutCmd(),
		cli.refreshCmd(),
		cli.whoamiCmd(),
		cli.profileCmd(),
		cli.dashboardCmd(),
		cli.canCmd(),
		cli.qaCmd(),
		cli.openCmd(),
		cli.passwordResetCmd(),
		cli.passwordResetConfirmCmd(),
		cli.devserverCmd(),
	)
	return root
}

// setup loads the config and wires the session. Dependencies already set are kept.
func (cli *commandLine) setup() error {
	if cli.conf == nil {
		conf, err := core.NewConfig(cli.cfgFile)
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		cli.conf = conf
	}
	if cli.apiURL != "" {
		cli.conf.Set("apiBaseURL", cli.apiURL)
	}

	if cli.logger == nil {
		cli.rollbar = logsvc.NewRollbarLogger(log.New(cli.errOut, "", log.LstdFlags), cli.conf)
		cli.rollbar.EnableFromConfig(cli.conf)
		cli.logger = cli.rollbar
	}
	if cli.tokens == nil {
		cli.tokens = tokenstore.NewFileStore(cli.conf.TokenFile)
	}
	if cli.validate == nil {
		cli.validate, cli.translator = core.NewValidator()
	}

	cli.client = lmsapi.New(lmsapi.Options{
		BaseURL: cli.conf.APIBaseURL + "/",
		Timeout: cli.conf.RequestTimeout,
		Tokens:  cli.tokens,
		Logger:  cli.logger,
	})
	cli.nav = navigator{History: routes.NewHistory(cli.location), out: cli.out}

	mgr, err := session.New(session.Options{
		Auth:      cli.client.Auth(),
		Users:     cli.client.Users(),
		Tokens:    cli.tokens,
		Navigator: cli.nav,
		Logger:    cli.logger,
	})
	if err != nil {
		return errors.Wrap(err, "creating session")
	}
	cli.client.OnUnauthorized(mgr.HandleUnauthorized)
	cli.session = mgr
	return nil
}

func (cli *commandLine) close() {
	if cli.session != nil {
		cli.session.Close()
	}
	if cli.rollbar != nil {
		cli.rollbar.Wait()
	}
}

// restore loads the stored session and fails unless a user is logged in.
func (cli *commandLine) restore(ctx context.Context) error {
	if err := cli.session.Init(ctx); err != nil {
		return err
	}
	if !cli.session.IsAuthenticated() {
		return errNotLoggedIn
	}
	return nil
}

// readPassword prompts for a password without echoing it.
func (cli *commandLine) readPassword(prompt string) (string, error) {
	fmt.Fprint(cli.out, prompt)
	pwd, err := readPasswordFunc(int(os.Stdin.Fd()))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(pwd), nil
}

func printFieldErrors(w io.Writer, err error) {
	if vErr, ok := errors.Cause(err).(*core.ValidationError); ok {
		for _, fld := range vErr.Fields {
			fmt.Fprintf(w, "  %s: %s\n", fld.Field, fld.Error)
		}
	}
	if apiErr, ok := errors.Cause(err).(*lmsapi.Error); ok {
		flds := make([]string, 0, len(apiErr.Fields))
		for fld := range apiErr.Fields {
			flds = append(flds, fld)
		}
		sort.Strings(flds)
		for _, fld := range flds {
			fmt.Fprintf(w, "  %s: %s\n", fld, apiErr.Fields[fld])
		}
	}
}
