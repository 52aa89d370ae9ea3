/*
Package main is the entry point for the certwatch command-line application.

certwatch keeps a database of watched hosts under continuous observation:
TLS handshakes, DNS records, WHOIS registrations and certificate
transparency logs are re-scanned on each target's own cadence and a new
record is stored only when something changed.

Subcommands:
  - run: the scheduler daemon (feeder, worker pool, blacklist refresh,
    metrics server).
  - scan: one interactive scan of a single watch target.
  - config: print or validate the effective configuration.
  - migrate: apply the bundled database schema.

Shutdown is driven by SIGINT and SIGTERM through context cancellation.
*/
package main

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/x-stp/certwatch/internal/config"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/store"
)

// Global flags (persistent across commands)
var (
	configPath  string
	logLevel    string
	workers     int
	metricsAddr string
)

// Flags specific to subcommands
var (
	scanWatchID  int64
	validateOnly bool
)

var rootCmd = &cobra.Command{
	Use:           "certwatch",
	Short:         "certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		return runDaemon(cmd.Context(), cfg, log)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan one watch target now, ignoring freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanWatchID <= 0 {
			return fmt.Errorf("--watch-id is required")
		}
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		return scanOnce(cmd.Context(), cfg, log, scanWatchID, cmd.OutOrStdout())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if validateOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()
		st, err := store.Open(cmd.Context(), cfg.Database, log)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("schema applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Number of scan workers")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address of the Prometheus endpoint; enables metrics")

	scanCmd.Flags().Int64Var(&scanWatchID, "watch-id", 0, "ID of the watch target to scan")
	configCmd.Flags().BoolVar(&validateOnly, "validate", false, "Only validate the configuration")

	rootCmd.AddCommand(runCmd, scanCmd, configCmd, migrateCmd)
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("workers") {
		cfg.Scheduler.Workers = workers
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
