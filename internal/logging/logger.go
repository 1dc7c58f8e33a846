// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

// Logger is a leveled key/value logger backed by pterm.
type Logger struct {
	pl *pterm.Logger
}

// ParseLevel maps a config or flag value to a pterm log level.
func ParseLevel(s string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	case "off", "disabled", "none":
		return pterm.LogLevelDisabled, nil
	}
	return pterm.LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger returns a logger writing to w (stderr when nil). format is "text" or "json".
func NewLogger(level pterm.LogLevel, format string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	pl := pterm.DefaultLogger.WithLevel(level).WithWriter(w)
	if strings.EqualFold(format, "json") {
		pl = pl.WithFormatter(pterm.LogFormatterJSON)
	}
	return &Logger{pl: pl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{pl: pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled).WithWriter(io.Discard)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.pl.Debug(msg, l.args(kv)) }
func (l *Logger) Info(msg string, kv ...any)  { l.pl.Info(msg, l.args(kv)) }
func (l *Logger) Warn(msg string, kv ...any)  { l.pl.Warn(msg, l.args(kv)) }
func (l *Logger) Error(msg string, kv ...any) { l.pl.Error(msg, l.args(kv)) }

// args masks secrets and flattens errors, which would otherwise marshal as {} in JSON.
func (l *Logger) args(kv []any) []pterm.LoggerArgument {
	for i, v := range kv {
		switch x := v.(type) {
		case error:
			kv[i] = Mask(x.Error())
		case string:
			kv[i] = Mask(x)
		}
	}
	return l.pl.Args(kv...)
}
