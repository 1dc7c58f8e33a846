// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the pgrunner command-line interface. Every command that talks
// to the database opens one session, hands it to a query runner and submits its
// statements through that runner, so the same non-blocking path is exercised whether
// statements come from the command line, a LISTEN loop or a bridge backend.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pgrunner/cli/internal/config"
	"pgrunner/cli/internal/logging"

	"github.com/spf13/cobra"
)

var (
	showVersion   bool
	flagDSN       string
	flagLogLevel  string
	flagLogFormat string

	cfg     = config.Default()
	logger  = logging.Nop()
	logFile *os.File
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pgrunner",
	Short: "Run PostgreSQL statements through a non-blocking, single-connection runner",
	Long: `pgrunner executes SQL on one PostgreSQL session without blocking: statements are
queued, sent by a dedicated worker and their results streamed back as they arrive.

The connection string is taken from --dsn, PGRUNNER_DSN, DATABASE_URL or the OS
keychain (see 'pgrunner connect'), in that order.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logFile != nil {
			_ = logFile.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			printVersion()
			return nil
		}
		return cmd.Help()
	},
}

// setup loads the config file and builds the logger. Flags override the file.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	cfg = loaded
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	w := os.Stderr
	p, err := cfg.LogPath()
	if err != nil {
		return err
	}
	if p != "" {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile, w = f, f
	}
	logger = logging.NewLogger(level, cfg.LogFormat, w)
	return nil
}

// Execute runs the CLI application. SIGINT and SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, logging.Mask(err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDSN, "dsn", "", "PostgreSQL connection string (overrides PGRUNNER_DSN, DATABASE_URL and the keychain)")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error or off")
	pf.StringVar(&flagLogFormat, "log-format", "text", "Log format: text or json")
}
