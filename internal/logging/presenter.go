// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"strings"

	apperr "pgrunner/cli/internal/errors"
)

// kindHints tell the user what a runner failure means for them.
var kindHints = map[apperr.Kind]string{
	apperr.ConnectFailed:     "check the host, port and credentials of the connection string",
	apperr.PollFailed:        "the connection to the server was lost; run the command again",
	apperr.SendFailed:        "the connection to the server was lost; run the command again",
	apperr.FlushFailed:       "the connection to the server was lost; run the command again",
	apperr.ConsumeFailed:     "the connection to the server was lost; run the command again",
	apperr.ProtocolViolation: "the server answered with a protocol pgrunner does not support",
	apperr.QueueClosed:       "the session was already shutting down",
	apperr.InvalidRequest:    "the statement was rejected before it was sent",
}

// PresentError formats err for user display with masking. Joined errors, such as a
// runner stop and the failure behind it, are listed one per line, and the last one
// that has a known kind adds a hint.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	parts := splitJoined(err)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", context, Mask(parts[0].Error()))
	for _, p := range parts[1:] {
		fmt.Fprintf(&b, "\n  caused by: %s", Mask(p.Error()))
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if hint, ok := kindHints[apperr.KindOf(parts[i])]; ok {
			fmt.Fprintf(&b, "\n  hint: %s", hint)
			break
		}
	}
	return b.String()
}

func splitJoined(err error) []error {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, e := range j.Unwrap() {
		out = append(out, splitJoined(e)...)
	}
	if len(out) == 0 {
		return []error{err}
	}
	return out
}
