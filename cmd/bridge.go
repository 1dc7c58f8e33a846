// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"
	"os"
	"strings"

	"pgrunner/cli/internal/bridge"
	"pgrunner/cli/internal/bridge/grpcclient"
	"pgrunner/cli/internal/config"
	"pgrunner/cli/internal/keychain"
	"pgrunner/cli/internal/logging"
	"pgrunner/cli/internal/sqlexec"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	bridgeAddr      string
	bridgeToken     string
	bridgeInsecure  bool
	bridgeSaveToken bool
	bridgeSaveAddr  bool
)

// bridgeCmd executes SQL tasks streamed by a remote backend.
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Execute SQL tasks from a remote backend",
	Long: `The bridge command connects to a task backend over a gRPC stream, executes every
SQL task it receives through the query runner in arrival order and streams each JSON
result back as soon as it is complete.

The address defaults to bridge.addr in the config file. The token is taken from
--token, PGRUNNER_BRIDGE_TOKEN or the OS keychain (see --save-token).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr := bridgeAddr
		if addr == "" {
			addr = cfg.Bridge.Addr
		}
		if addr == "" {
			return errors.New("no bridge address; pass --addr or set bridge.addr in the config file")
		}
		token, err := bridgeTokenFor()
		if err != nil {
			return err
		}

		res, err := resolveDSN()
		if err != nil {
			return err
		}
		s, err := openSession(ctx, res.DSN, nil)
		if err != nil {
			return err
		}
		defer s.close()

		client, err := grpcclient.Connect(ctx, addr, token, grpcclient.Options{Insecure: bridgeInsecure || cfg.Bridge.Insecure})
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Init(ctx, s.database, s.serverVersion, s.pid); err != nil {
			return err
		}
		pterm.Info.Printf("bridge connected to %s, serving database %q\n", addr, s.database)
		if bridgeSaveAddr {
			saveBridgeAddr(addr)
		}

		err = bridge.Serve(ctx, client, sqlexec.New(s.r, logger), logger)
		if err != nil && ctx.Err() == nil {
			if s.r.Err() == nil {
				logging.PresentStreamError(err)
			}
			return err
		}
		st := s.r.Stats()
		logger.Info("bridge finished", "submitted", st.Submitted, "completed", st.Completed, "failed", st.Failed)
		return s.close()
	},
}

// bridgeTokenFor picks the token and saves it when asked to.
func bridgeTokenFor() (string, error) {
	token := strings.TrimSpace(bridgeToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("PGRUNNER_BRIDGE_TOKEN"))
	}
	km, kerr := keychain.GetManager()
	if token == "" && kerr == nil {
		saved, err := km.LoadBridgeToken()
		if err != nil && !errors.Is(err, keychain.ErrNotFound) {
			return "", err
		}
		token = saved
	}
	if bridgeSaveToken && token != "" {
		if kerr != nil {
			return "", kerr
		}
		if err := km.SaveBridgeToken(token); err != nil {
			return "", err
		}
	}
	return token, nil
}

// saveBridgeAddr stores the address in the config file. The file is reloaded so flag
// overrides are not persisted. Failure is only logged.
func saveBridgeAddr(addr string) {
	c, err := config.Load()
	if err == nil {
		c.Bridge.Addr = addr
		c.Bridge.Insecure = c.Bridge.Insecure || bridgeInsecure
		err = config.Save(c)
	}
	if err != nil {
		logger.Warn("save bridge address", "err", err)
		return
	}
	logger.Debug("bridge address saved", "addr", addr)
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	f := bridgeCmd.Flags()
	f.StringVar(&bridgeAddr, "addr", "", "Bridge backend address (host:port)")
	f.StringVar(&bridgeToken, "token", "", "Bearer token for the bridge backend")
	f.BoolVar(&bridgeInsecure, "insecure", false, "Connect without TLS")
	f.BoolVar(&bridgeSaveToken, "save-token", false, "Save the token in the OS keychain")
	f.BoolVar(&bridgeSaveAddr, "save-addr", false, "Save the address in the config file once connected")
}
