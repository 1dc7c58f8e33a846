// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build linux

package poll

import (
	"fmt"
	"time"

	apperr "pgrunner/cli/internal/errors"

	"golang.org/x/sys/unix"
)

// Poller waits for readiness of one descriptor using a private epoll instance.
type Poller struct {
	fd   int
	epfd int
}

// New creates a poller for fd.
func New(fd int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, apperr.Wrap(apperr.PollFailed, "create epoll instance", err)
	}
	return &Poller{fd: fd, epfd: epfd}, nil
}

// Wait blocks until the descriptor matches interest, reports an error or hang-up
// condition, or timeout elapses. A negative timeout waits forever; ErrTimeout is
// returned when a non-negative timeout expires first.
func (p *Poller) Wait(interest Interest, timeout time.Duration) error {
	ev := unix.EpollEvent{Fd: int32(p.fd)}
	switch interest {
	case Readable:
		ev.Events = unix.EPOLLIN | unix.EPOLLRDHUP
	case Writable:
		ev.Events = unix.EPOLLOUT
	default:
		return apperr.New(apperr.PollFailed, fmt.Sprintf("invalid interest %d", interest))
	}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.fd, &ev); err != nil {
		return apperr.Wrap(apperr.PollFailed, fmt.Sprintf("register descriptor %d", p.fd), err)
	}
	defer unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, p.fd, &ev)

	deadline := deadlineFor(timeout)
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], waitMillis(deadline))
		if err == unix.EINTR {
			// Go's runtime preempts threads with signals; EINTR is not an event.
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
		return p.check(interest, events[0].Events)
	}
}

func (p *Poller) check(interest Interest, got uint32) error {
	if got&unix.EPOLLERR != 0 {
		return apperr.Wrap(apperr.PollFailed, "socket error condition", socketError(p.fd))
	}
	if got&unix.EPOLLHUP != 0 {
		// Pending input is still worth reading; the read will surface EOF.
		if interest == Readable && got&unix.EPOLLIN != 0 {
			return nil
		}
		return apperr.New(apperr.PollFailed, "peer hung up")
	}
	return nil
}

// Close releases the epoll instance. The watched descriptor is not closed.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code == 0 {
		return fmt.Errorf("descriptor %d reported an error without SO_ERROR", fd)
	}
	return unix.Errno(code)
}
