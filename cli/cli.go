// Package cli provides the docseal command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/config"
	"github.com/georgepadayatti/docseal/logging"
	"github.com/georgepadayatti/docseal/metrics"
	"github.com/georgepadayatti/docseal/sign"
	"github.com/georgepadayatti/docseal/store"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// exitError carries a process exit code without an error message of its own.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app holds what the commands share. Everything past the flags is built
// lazily so that version and help need no configuration.
type app struct {
	configPath string
	envPath    string

	cfg     *config.AppConfig
	logger  *zap.Logger
	store   store.Store
	metrics *metrics.Metrics
	svc     *sign.Service
}

func (a *app) loadConfig() (*config.AppConfig, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	if err := config.LoadEnv(a.envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.cfg, a.logger = cfg, logger
	return cfg, nil
}

func (a *app) service(ctx context.Context) (*sign.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store, a.logger.Named("store"))
	if err != nil {
		return nil, err
	}
	m := metrics.New(nil)
	svc, err := sign.NewServiceFromConfig(cfg, st, a.logger, m)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.store, a.metrics, a.svc = st, m, svc
	return svc, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&app{}, out, errOut)
}

func newRootCommand(a *app, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "docseal",
		Short: "Sign and verify arbitration documents",
		Long: `docseal signs documents with per-signer credentials, timestamps them
through an RFC 3161 authority and embeds the evidence in the document.

Credentials are kept in the configured store. The default in-memory store
forgets them when the process exits; use sqlite, postgres or redis to keep
a signer's key between runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.envPath, "env", ".env", "dotenv file loaded before the configuration")

	root.AddCommand(
		newSignCommand(a),
		newVerifyCommand(a),
		newKeysCommand(a),
		newServeCommand(a),
		newTSACommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI with args (without the program name) and returns
// the process exit code.
func Execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	a := &app{}
	defer a.close()
	root := newRootCommand(a, out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(errOut, "Error: %v\n", err)
	return 1
}

// Run executes the CLI with os-style arguments and exits on failure.
func Run(ctx context.Context, args []string) {
	if len(args) > 0 {
		args = args[1:]
	}
	if code := Execute(ctx, args, os.Stdout, os.Stderr); code != 0 {
		osExit(code)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docseal version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", BuildTime)
		},
	}
}
