// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"time"

	"pgrunner/cli/internal/runner"

	"github.com/jackc/pgx/v5"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const defaultIdlePoll = 50 * time.Millisecond

// listenCmd subscribes to channels and prints notifications until interrupted.
var listenCmd = &cobra.Command{
	Use:   "listen CHANNEL...",
	Short: "Print notifications sent to one or more channels",
	Long: `The listen command issues LISTEN for every channel and prints each notification,
and any notice the server sends, until interrupted or the connection is lost.
Notifications are picked up while no statement is running, so the runner's
idle_poll_ms setting must not be 0; a default is used if it is.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		res, err := resolveDSN()
		if err != nil {
			return err
		}
		opts := cfg.Runner.Options(logger)
		if opts.IdlePollInterval <= 0 {
			opts.IdlePollInterval = defaultIdlePoll
		}
		s, err := openSession(ctx, res.DSN, &opts)
		if err != nil {
			return err
		}
		defer s.close()
		_ = s.r.SetEventSink(runner.EventFuncs{OnNotice: printNotice, OnNotification: printNotification})

		for _, ch := range args {
			results, err := runner.Exec(ctx, s.r, "LISTEN "+pgx.Identifier{ch}.Sanitize(), nil)
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.IsError() {
					return r.Err
				}
			}
		}
		pterm.Info.Printf("listening on %d channel(s); press Ctrl+C to stop\n", len(args))

		select {
		case <-ctx.Done():
			pterm.Println()
			return s.close()
		case <-s.r.Done():
			return s.r.Err()
		}
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
