// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"time"

	"pgrunner/cli/internal/dsn"
	"pgrunner/cli/internal/keychain"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/runner"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// resolveDSN finds the connection string for this invocation.
func resolveDSN() (dsn.Resolved, error) {
	return dsn.Resolve(dsn.Lookup{Flag: flagDSN, Keychain: keychainDSN})
}

// keychainDSN returns the saved connection string, or "" when none is saved or the
// OS has no usable credential store.
func keychainDSN() (string, error) {
	km, err := keychain.GetManager()
	if err != nil {
		logger.Debug("keychain unavailable", "err", err)
		return "", nil
	}
	s, err := km.LoadDSN()
	if errors.Is(err, keychain.ErrNotFound) {
		return "", nil
	}
	return s, err
}

// session is one database connection driven by a runner. The handshake values are
// copied out before the runner takes the connection over.
type session struct {
	r             *runner.Runner
	pid           uint32
	serverVersion string
	database      string
}

// openSession connects to connString and starts a runner on the connection. opts
// default to the configured runner settings when nil.
func openSession(ctx context.Context, connString string, opts *runner.Options) (*session, error) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := pgwire.Connect(cctx, connString, pgwire.Options{})
	if err != nil {
		return nil, err
	}
	s := &session{
		pid:           conn.PID(),
		serverVersion: conn.ParameterStatus("server_version"),
	}
	if info, err := dsn.ParseInfo(connString); err == nil {
		s.database = info.Database
	}

	o := cfg.Runner.Options(logger)
	if opts != nil {
		o = *opts
	}
	s.r, err = runner.New(conn, o)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Debug("session opened", "pid", s.pid, "server_version", s.serverVersion, "database", s.database)
	return s, nil
}

// close lets queued statements finish and stops the runner. It returns the transport
// failure that stopped the runner, if any.
func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.r.Shutdown(ctx)
}
