// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package poll blocks the calling goroutine until one socket descriptor becomes
// readable or writable. A Poller is bound to a single descriptor for its whole life;
// each Wait registers the descriptor, waits, and deregisters it again on every exit
// path, so no registration state leaks between calls.
//
// The connection worker is the only intended caller. It locks itself to an OS thread,
// which makes a blocking Wait equivalent to parking that dedicated thread.
package poll

import (
	"errors"
	"time"
)

// Interest selects which readiness condition Wait blocks for.
type Interest uint8

const (
	// Readable waits until a read would not block.
	Readable Interest = iota + 1
	// Writable waits until a write would not block.
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return "unknown"
	}
}

// ErrTimeout is returned by Wait when the timeout elapses with no event.
var ErrTimeout = errors.New("poll: timed out waiting for socket readiness")

// NoTimeout makes Wait block until an event or an error arrives.
const NoTimeout time.Duration = -1

// waitMillis converts the time left until deadline into a poll(2)-style timeout.
// A zero deadline means "wait forever" (-1). Partial milliseconds round up so a
// short timeout never turns into a busy loop.
func waitMillis(deadline time.Time) int {
	if deadline.IsZero() {
		return -1
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Millisecond - 1) / time.Millisecond)
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}
