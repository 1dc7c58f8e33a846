// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dsn finds, parses and normalizes PostgreSQL connection strings. Both URL
// (postgres://, postgresql://) and keyword/value (host=... dbname=...) forms are
// accepted. URLs whose password contains unencoded special characters are repaired
// during normalization.
package dsn

import (
	"fmt"
	"net"
	"net/url"
)

// Form is the syntax a connection string was written in.
type Form string

const (
	FormURL          Form = "url"
	FormKeywordValue Form = "keyword/value"
)

// Info is a parsed connection string.
type Info struct {
	Form     Form
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Params   map[string]string
	Original string
}

// Redacted renders info as a URL without the password, for display.
func (i *Info) Redacted() string {
	u := i.url()
	if i.Password != "" {
		u.User = url.UserPassword(i.User, "***")
	}
	return u.String()
}

func (i *Info) url() *url.URL {
	u := &url.URL{
		Scheme: "postgresql",
		Host:   i.Host,
		Path:   "/" + i.Database,
	}
	if i.Port != "" {
		u.Host = net.JoinHostPort(i.Host, i.Port)
	}
	if i.User != "" {
		if i.Password != "" {
			u.User = url.UserPassword(i.User, i.Password)
		} else {
			u.User = url.User(i.User)
		}
	}
	if len(i.Params) > 0 {
		q := url.Values{}
		for k, v := range i.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u
}

// ParseError represents an error that occurred during DSN parsing
type ParseError struct {
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid DSN: %s\nHint: %s", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid DSN: %s", e.Reason)
}

func parseError(reason, hint string) *ParseError {
	return &ParseError{Reason: reason, Hint: hint}
}
