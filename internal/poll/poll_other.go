// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !unix

package poll

import (
	"runtime"
	"time"

	apperr "pgrunner/cli/internal/errors"
)

// Poller is unavailable on this platform.
type Poller struct{}

func New(fd int) (*Poller, error) {
	return nil, apperr.New(apperr.PollFailed, "readiness polling is not supported on "+runtime.GOOS)
}

func (p *Poller) Wait(interest Interest, timeout time.Duration) error {
	return apperr.New(apperr.PollFailed, "readiness polling is not supported on "+runtime.GOOS)
}

func (p *Poller) Close() error { return nil }
