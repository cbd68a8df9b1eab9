package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/njt/go365cal/internal/dateparse"
	"github.com/njt/go365cal/internal/logging"
	"github.com/njt/go365cal/internal/plugin"
	"github.com/njt/go365cal/internal/shell"
	"github.com/njt/go365cal/libgo365"
)

// errReported marks a failure whose message has already been printed.
var errReported = errors.New("reported")

var (
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "go365cal",
		Short: "Microsoft Graph calendar console",
		Long: `go365cal signs you in with the device code flow, greets you by name and
offers a menu to display the access token or list your calendar events.`,
		Args:          cobra.NoArgs,
		RunE:          runConsole,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.go365cal/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "write debug logs to stderr")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runConsole(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := logging.New(os.Stderr, logging.Level(verbose))

	src, err := configSource()
	if err != nil {
		return configFailure(err)
	}
	cfg, err := libgo365.Load(ctx, src)
	if err != nil {
		return configFailure(err)
	}
	logger.Debug("configuration loaded", "app_id", cfg.ApplicationID, "scopes", cfg.Scopes, "backend", cfg.Backend)

	opts := []libgo365.AuthOption{libgo365.WithAuthLogger(logger)}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Nobody is at the keyboard to use a browser window.
		opts = append(opts, libgo365.WithBrowserOpener(func(url string) error {
			logger.Debug("not opening browser, stdin is not a terminal", "url", url)
			return nil
		}))
	}
	auth, err := libgo365.NewAuthenticator(cfg, opts...)
	if err != nil {
		return err
	}

	token, err := auth.Authenticate(ctx)
	if err != nil {
		return err
	}

	client, err := libgo365.NewClient(ctx, token,
		libgo365.WithBaseURL(cfg.GraphBaseURL),
		libgo365.WithClientLogger(logger),
	)
	if err != nil {
		return err
	}

	user, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	greet(os.Stdout, logger, user)

	sh := shell.New(os.Stdin, os.Stdout, shell.Session{
		Token:     token,
		Events:    client,
		Formatter: dateparse.NewFormatter(),
		Logger:    logger,
	})
	return sh.Run(ctx)
}

// greet prints the welcome banner. The remaining profile fields only go to
// the debug log.
func greet(w io.Writer, logger *slog.Logger, user *libgo365.User) {
	logger.Debug("signed in user", "mail", user.Mail, "upn", user.UserPrincipalName)
	fmt.Fprintf(w, "Welcome %s!\n\n", user.DisplayName)
}

func configFailure(err error) error {
	fmt.Fprintf(os.Stderr, "Missing or invalid appsettings...exiting: %v\n", err)
	return errReported
}

// configSource layers environment variables over the config file, and the
// file over Key Vault when GO365CAL_VAULT_URL is set.
func configSource() (libgo365.Source, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	file, err := libgo365.NewFileSource(path)
	if err != nil {
		return nil, err
	}

	chain := libgo365.ChainSource{
		libgo365.EnvSource{Prefix: libgo365.DefaultEnvPrefix},
		file,
	}

	if vaultURL := os.Getenv(libgo365.DefaultEnvPrefix + "VAULT_URL"); vaultURL != "" {
		cred := libgo365.StaticCredential{Token: os.Getenv(libgo365.DefaultEnvPrefix + "VAULT_TOKEN")}
		vault, err := libgo365.NewKeyVaultSource(vaultURL, cred)
		if err != nil {
			return nil, err
		}
		chain = append(chain, vault)
	}
	return chain, nil
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return libgo365.DefaultConfigPath()
}

// isKnownCommand reports whether name is a built-in subcommand or a flag.
func isKnownCommand(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") {
		return true
	}
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == name || cmd.HasAlias(name) {
			return true
		}
	}
	return name == "help" || name == "completion"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Unknown subcommands are dispatched to go365cal-<name> plugins.
	if len(os.Args) > 1 && !isKnownCommand(os.Args[1]) {
		runner := plugin.NewRunner()
		if _, err := runner.Find(os.Args[1]); err == nil {
			if err := runner.Run(ctx, os.Args[1], os.Args[2:]); err != nil {
				stop()
				os.Exit(1)
			}
			return
		}
		// Fall through so cobra reports the unknown command.
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			stop()
			fmt.Fprintln(os.Stderr)
			os.Exit(130)
		}
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}
