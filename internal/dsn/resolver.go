// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source tells where a connection string came from.
type Source string

const (
	SourceFlag        Source = "--dsn flag"
	SourceEnv         Source = "PGRUNNER_DSN"
	SourceDatabaseURL Source = "DATABASE_URL"
	SourceKeychain    Source = "keychain"
)

// ErrNotConfigured is returned when no source provides a connection string.
var ErrNotConfigured = errors.New("no database connection configured; run 'pgrunner connect', set PGRUNNER_DSN or pass --dsn")

// Lookup lists the places Resolve searches, in priority order.
type Lookup struct {
	Flag string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Keychain returns the stored connection string, or "" when there is none.
	Keychain func() (string, error)
}

// Resolved is a normalized connection string and its origin.
type Resolved struct {
	DSN    string
	Source Source
}

// Resolve returns the first connection string found: the flag, PGRUNNER_DSN,
// DATABASE_URL and finally the keychain. The result is normalized with Parse.
func Resolve(l Lookup) (Resolved, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	candidates := []struct {
		src Source
		val func() (string, error)
	}{
		{SourceFlag, func() (string, error) { return l.Flag, nil }},
		{SourceEnv, func() (string, error) { return getenv("PGRUNNER_DSN"), nil }},
		{SourceDatabaseURL, func() (string, error) { return getenv("DATABASE_URL"), nil }},
		{SourceKeychain, func() (string, error) {
			if l.Keychain == nil {
				return "", nil
			}
			return l.Keychain()
		}},
	}
	for _, c := range candidates {
		raw, err := c.val()
		if err != nil {
			return Resolved{}, fmt.Errorf("read DSN from %s: %w", c.src, err)
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		normalized, err := Parse(raw)
		if err != nil {
			return Resolved{}, fmt.Errorf("DSN from %s: %w", c.src, err)
		}
		return Resolved{DSN: normalized, Source: c.src}, nil
	}
	return Resolved{}, ErrNotConfigured
}
