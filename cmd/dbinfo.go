// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"

	"pgrunner/cli/internal/dsn"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// dbinfoCmd shows the connection string this invocation would use, password masked,
// and where it came from.
var dbinfoCmd = &cobra.Command{
	Use:   "dbinfo",
	Short: "Show the current database connection string",
	Long: `The dbinfo command displays the connection string pgrunner would use, with the
password replaced by ***, and which source it was taken from: the --dsn flag,
PGRUNNER_DSN, DATABASE_URL or the OS keychain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := resolveDSN()
		if errors.Is(err, dsn.ErrNotConfigured) {
			pterm.Println("⚠️  No database connection configured")
			pterm.Println("   Please run: pgrunner connect")
			return nil
		}
		if err != nil {
			return err
		}
		info, err := dsn.ParseInfo(res.DSN)
		if err != nil {
			return err
		}

		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Database Connection")).
			WithPadding(1).
			Println(info.Redacted())
		pterm.Println()
		_ = pterm.DefaultTable.WithData(pterm.TableData{
			{"Source", string(res.Source)},
			{"Form", string(info.Form)},
			{"Host", info.Host},
			{"Port", info.Port},
			{"Database", info.Database},
			{"User", info.User},
		}).Render()
		pterm.Println()
		pterm.Println("To update this connection, run: pgrunner connect")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbinfoCmd)
}
