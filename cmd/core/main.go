// Package main provides the invsync command line tool. It operates on the
// same queue database as the desktop server and can drain it on demand.
package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/invsync/backend/internal/config"
	"github.com/kimhsiao/invsync/backend/internal/services"
	"github.com/kimhsiao/invsync/backend/internal/sync/connectivity"
)

// Version is set at build time
var Version = "0.1.0"

// app holds the global flags shared by every command.
type app struct {
	configPath string
	dataDir    string
	logLevel   string
	output     string

	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	rootCmd := &cobra.Command{
		Use:   "invsync",
		Short: "Offline mutation queue for the inventory catalog",
		Long: `invsync records inventory edits in a durable local queue and pushes
them to the remote store when the device is online.

Configuration is read from invsync.yaml in the working directory or the
data directory, and from INVSYNC_* environment variables.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: invsync.yaml)")
	flags.StringVar(&a.dataDir, "data-dir", "", "directory holding the queue database")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVarP(&a.output, "output", "o", formatTable, "output format (table, json, yaml)")

	rootCmd.AddCommand(
		a.enqueueCmd(),
		a.listCmd(),
		a.getCmd(),
		a.statusCmd(),
		a.syncCmd(),
		a.retryCmd(),
		a.removeCmd(),
		a.clearCmd(),
		a.purgeCmd(),
		a.configCmd(),
		versionCmd(out),
	)
	return rootCmd
}

// loadConfig merges the config file, environment and command line flags.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(a.configPath).Load()
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Logs go to stderr so command output stays clean.
	cfg.Log.InitLogging(os.Stderr)
	return cfg, nil
}

// withService opens the queue for the duration of fn.
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *services.SyncService) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var deps services.Dependencies
	if cfg.Connectivity.ProbeURL != "" {
		// One probe decides; there is no background prober in a one-shot command.
		online := connectivity.NewProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval, nil, nil).Probe(ctx)
		deps.Online = &online
	}

	svc, err := services.NewSyncService(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer svc.Close()

	return fn(ctx, svc)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
