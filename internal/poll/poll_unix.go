// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix && !linux

package poll

import (
	"fmt"
	"time"

	apperr "pgrunner/cli/internal/errors"

	"golang.org/x/sys/unix"
)

// Poller waits for readiness of one descriptor with poll(2).
type Poller struct {
	fd int
}

// New creates a poller for fd.
func New(fd int) (*Poller, error) {
	if fd < 0 {
		return nil, apperr.New(apperr.PollFailed, fmt.Sprintf("invalid descriptor %d", fd))
	}
	return &Poller{fd: fd}, nil
}

// Wait blocks until the descriptor matches interest, reports an error or hang-up
// condition, or timeout elapses. A negative timeout waits forever.
func (p *Poller) Wait(interest Interest, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(p.fd)}}
	switch interest {
	case Readable:
		fds[0].Events = unix.POLLIN
	case Writable:
		fds[0].Events = unix.POLLOUT
	default:
		return apperr.New(apperr.PollFailed, fmt.Sprintf("invalid interest %d", interest))
	}

	deadline := deadlineFor(timeout)
	for {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, waitMillis(deadline))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return apperr.Wrap(apperr.PollFailed, fmt.Sprintf("wait for %s", interest), err)
		}
		if n == 0 {
			if expired(deadline) {
				return ErrTimeout
			}
			continue
		}
		got := fds[0].Revents
		switch {
		case got&unix.POLLNVAL != 0:
			return apperr.New(apperr.PollFailed, fmt.Sprintf("descriptor %d is not open", p.fd))
		case got&unix.POLLERR != 0:
			return apperr.New(apperr.PollFailed, "socket error condition")
		case got&unix.POLLHUP != 0:
			if interest == Readable && got&unix.POLLIN != 0 {
				return nil
			}
			return apperr.New(apperr.PollFailed, "peer hung up")
		}
		return nil
	}
}

// Close is a no-op; poll(2) keeps no kernel state between calls.
func (p *Poller) Close() error { return nil }
