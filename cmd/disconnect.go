// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"pgrunner/cli/internal/keychain"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var disconnectAll bool

// disconnectCmd removes saved secrets from the OS keychain.
var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Remove the saved connection string",
	Long: `The disconnect command removes the connection string saved by 'pgrunner connect'
from the OS keychain. With --all the saved bridge token is removed as well.
Environment variables are not affected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.GetManager()
		if err != nil {
			return err
		}
		if disconnectAll {
			err = km.ClearAll()
		} else {
			err = km.ClearDSN()
		}
		if err != nil {
			return err
		}
		pterm.Println("✅ Saved credentials have been removed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disconnectCmd)
	disconnectCmd.Flags().BoolVar(&disconnectAll, "all", false, "Also remove the saved bridge token")
}
