// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package pgwire

import (
	"context"

	apperr "pgrunner/cli/internal/errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Connect establishes a session with pgconn, takes over its socket and returns it as a
// non-blocking Conn. Startup, authentication and parameter negotiation are done by
// pgconn; from the first query on, the protocol is driven by the returned Conn.
//
// The raw descriptor carries the protocol in the clear, so TLS is not available.
// With sslmode=prefer or allow the plaintext fallback is used; configurations that
// only allow TLS are rejected.
func Connect(ctx context.Context, connString string, opts Options) (*Conn, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectFailed, "parse connection string", err)
	}
	if err := plaintextOnly(cfg); err != nil {
		return nil, err
	}

	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectFailed, "connect", err)
	}
	if err := pgConn.SyncConn(ctx); err != nil {
		pgConn.Close(ctx)
		return nil, apperr.Wrap(apperr.ConnectFailed, "synchronize connection", err)
	}
	hc, err := pgConn.Hijack()
	if err != nil {
		pgConn.Close(ctx)
		return nil, apperr.Wrap(apperr.ConnectFailed, "take over connection", err)
	}

	fd, err := adoptSocket(hc.Conn)
	if err != nil {
		hc.Conn.Close()
		return nil, apperr.Wrap(apperr.ConnectFailed, "adopt socket", err)
	}
	c, err := NewConn(fd, opts)
	if err != nil {
		sockClose(fd)
		return nil, err
	}
	c.pid = hc.PID
	c.txStatus = hc.TxStatus
	for k, v := range hc.ParameterStatuses {
		c.params[k] = v
	}
	return c, nil
}

// plaintextOnly rewrites cfg so that only unencrypted attempts remain.
func plaintextOnly(cfg *pgconn.Config) error {
	var plain []*pgconn.FallbackConfig
	for _, fb := range cfg.Fallbacks {
		if fb.TLSConfig == nil {
			plain = append(plain, fb)
		}
	}
	if cfg.TLSConfig == nil {
		cfg.Fallbacks = plain
		return nil
	}
	if len(plain) == 0 {
		return apperr.New(apperr.ConnectFailed, "the connection string requires TLS; use sslmode=disable, allow or prefer")
	}
	cfg.Host = plain[0].Host
	cfg.Port = plain[0].Port
	cfg.TLSConfig = nil
	cfg.Fallbacks = plain[1:]
	return nil
}
