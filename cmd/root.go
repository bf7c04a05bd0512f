// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/app"
	"github.com/JakeFAU/org-harvester/internal/config"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/logging"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of services commands use. Tests inject a fake.
type App interface {
	Config() config.Config
	Run(ctx context.Context, org harvest.Organization) []harvest.Record
	RunAll(ctx context.Context, orgs []harvest.Organization) []harvest.Harvest
	Deliver(ctx context.Context, harvests []harvest.Harvest) (harvest.Receipt, error)
	Serve(ctx context.Context, ln net.Listener) error
	Close()
}

type options struct {
	configFile string
	envFiles   []string
}

// newApp loads configuration, builds the logger and wires the app.
var newApp = func(ctx context.Context, opts options) (App, *zap.Logger, error) {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, logger, fmt.Errorf("build app: %w", err)
	}
	return a, logger, nil
}

// rootState owns what PersistentPreRunE builds so it can be released even
// when a subcommand fails.
type rootState struct {
	app    App
	logger *zap.Logger
}

func (s *rootState) close() {
	if s.app != nil {
		s.app.Close()
		s.app = nil
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func newRootCmd(state *rootState) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest press releases, social posts and videos for configured organizations.",
		Long: `harvester collects recent public content for each configured organization
from its press pages or feeds, X timeline, LinkedIn posts and YouTube channel,
normalizes it into one record shape and optionally enriches video records with
engagement metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := newApp(cmd.Context(), opts)
			state.logger = logger
			if err != nil {
				return err
			}
			state.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	cmd.AddCommand(newScrapeCmd(), newOrgsCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) int {
	state := &rootState{}
	defer state.close()
	if err := newRootCmd(state).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		return 1
	}
	return 0
}
