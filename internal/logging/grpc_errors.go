// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"errors"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCErrorType represents the category of a bridge stream error.
type GRPCErrorType int

const (
	GRPCErrorUnknown GRPCErrorType = iota
	GRPCErrorNetwork
	GRPCErrorAuth
	GRPCErrorTimeout
	GRPCErrorInternal
	GRPCErrorUnavailable
	GRPCErrorClosed
)

// ClassifyGRPCError categorizes err by its gRPC status code, falling back to the
// message text for errors that carry no status.
func ClassifyGRPCError(err error) GRPCErrorType {
	if err == nil {
		return GRPCErrorUnknown
	}
	if errors.Is(err, io.EOF) {
		return GRPCErrorClosed
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return GRPCErrorAuth
		case codes.DeadlineExceeded:
			return GRPCErrorTimeout
		case codes.Unavailable:
			return GRPCErrorUnavailable
		case codes.Internal, codes.DataLoss:
			return GRPCErrorInternal
		case codes.Canceled:
			return GRPCErrorClosed
		}
	}
	return ParseGRPCError(err.Error())
}

// ParseGRPCError categorizes a gRPC error message.
func ParseGRPCError(errMsg string) GRPCErrorType {
	lower := strings.ToLower(errMsg)

	if strings.Contains(lower, "rst_stream") || strings.Contains(lower, "connection reset") {
		return GRPCErrorNetwork
	}
	if strings.Contains(lower, "internal_error") {
		return GRPCErrorInternal
	}
	if strings.Contains(lower, "unavailable") {
		return GRPCErrorUnavailable
	}
	if strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout") {
		return GRPCErrorTimeout
	}
	if strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "unauthorized") {
		return GRPCErrorAuth
	}
	return GRPCErrorUnknown
}

// FormatStreamError renders a bridge stream error for the terminal. Secrets in the
// technical details are masked.
func FormatStreamError(err error) string {
	errType := ClassifyGRPCError(err)

	var b strings.Builder
	b.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Bridge disconnected"))
	b.WriteString("\n\n")

	switch errType {
	case GRPCErrorNetwork:
		b.WriteString("The connection to the bridge backend was interrupted unexpectedly.\n")
		b.WriteString("Check your network and any proxy or firewall between you and the backend.\n")
	case GRPCErrorInternal:
		b.WriteString("The bridge backend reported an internal error.\n")
	case GRPCErrorUnavailable:
		b.WriteString("The bridge backend is unavailable. It may be restarting or unreachable.\n")
	case GRPCErrorTimeout:
		b.WriteString("The bridge backend did not respond in time.\n")
	case GRPCErrorAuth:
		b.WriteString("The bridge backend rejected the token.\n")
	case GRPCErrorClosed:
		b.WriteString("The bridge backend closed the stream.\n")
	default:
		b.WriteString("The bridge session was interrupted.\n")
	}
	b.WriteString("\n")

	if errType == GRPCErrorAuth {
		b.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Pass a valid --token or set PGRUNNER_BRIDGE_TOKEN and try again"))
	} else {
		b.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ Run 'pgrunner bridge' again to reconnect"))
	}
	b.WriteString("\n")

	if err != nil && strings.TrimSpace(err.Error()) != "" {
		b.WriteString("\n")
		b.WriteString(pterm.NewStyle(pterm.FgGray).Sprint("Technical details: " + Mask(err.Error())))
	}
	return b.String()
}

// PresentStreamError prints a formatted stream error to pterm's error writer.
func PresentStreamError(err error) {
	pterm.Println()
	pterm.Println(FormatStreamError(err))
	pterm.Println()
}
