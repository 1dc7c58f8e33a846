// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package runner

import (
	"io"

	"pgrunner/cli/internal/pgwire"

	"github.com/jackc/pgx/v5/pgconn"
)

// Delivery is one value handed to a request's Sink. Every request receives exactly
// one delivery with End set, after all of its results. Err is only set on that final
// delivery, when the worker stopped before the request could finish.
type Delivery struct {
	Result *pgwire.Result
	End    bool
	Err    error
}

// Sink receives the deliveries of one request, in order, on the runner's dispatch
// goroutine. A slow sink delays every later delivery of the same runner.
type Sink interface {
	Deliver(d Delivery)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d Delivery)

func (f SinkFunc) Deliver(d Delivery) { f(d) }

// ChanSink forwards deliveries to ch. A full channel blocks the dispatch goroutine.
func ChanSink(ch chan<- Delivery) Sink {
	return SinkFunc(func(d Delivery) { ch <- d })
}

// EventFuncs is an event sink built from optional callbacks.
type EventFuncs struct {
	OnNotice       func(n *pgconn.Notice)
	OnNotification func(n *pgconn.Notification)
}

func (e EventFuncs) HandleNotice(n *pgconn.Notice) {
	if e.OnNotice != nil {
		e.OnNotice(n)
	}
}

func (e EventFuncs) HandleNotification(n *pgconn.Notification) {
	if e.OnNotification != nil {
		e.OnNotification(n)
	}
}

// releaser is implemented by event sinks that hold resources of their own.
type releaser interface {
	Release()
}

func release(sink any) {
	switch s := sink.(type) {
	case releaser:
		s.Release()
	case io.Closer:
		_ = s.Close()
	}
}
