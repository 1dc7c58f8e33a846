// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package runner

import (
	"errors"
	"runtime"
	"time"

	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/poll"
)

type state int

const (
	awaitRequest state = iota
	awaitWritable
	sending
	flushing
	awaitReadable
	draining
	stopped
)

func (s state) String() string {
	switch s {
	case awaitRequest:
		return "await_request"
	case awaitWritable:
		return "await_writable"
	case sending:
		return "sending"
	case flushing:
		return "flushing"
	case awaitReadable:
		return "await_readable"
	case draining:
		return "draining"
	case stopped:
		return "stopped"
	}
	return "unknown"
}

// worker is the only goroutine that touches the handle and the poller.
type worker struct {
	r   *Runner
	h   Handle
	p   Poller
	log Logger

	state state
	cur   *Request
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.log.Debug("worker started", "fd", w.h.Socket())
	err := w.loop()
	if err != nil {
		w.log.Error("worker stopped", "state", w.state.String(), "err", err)
		w.fail(err)
	} else {
		w.log.Debug("worker stopped", "reason", "queue closed")
	}
	w.state = stopped

	if cerr := w.h.Close(); cerr != nil {
		w.log.Debug("close handle", "err", cerr)
	}
	_ = w.p.Close()
}

// fail ends the in-flight request and everything still queued with the fatal cause.
func (w *worker) fail(cause error) {
	pending := w.r.stop(cause)
	if w.cur != nil {
		pending = append([]*Request{w.cur}, pending...)
		w.cur = nil
	}
	for _, req := range pending {
		w.r.failed.Add(1)
		w.r.deliver(req.Sink, Delivery{End: true, Err: apperr.Wrap(apperr.WorkerStopped, "request abandoned", cause)})
	}
	if len(pending) > 0 {
		w.log.Warn("abandoned pending requests", "count", len(pending))
	}
}

func (w *worker) loop() error {
	for {
		switch w.state {
		case awaitRequest:
			req, err := w.next()
			if err != nil {
				return err
			}
			if req == nil {
				return nil
			}
			w.cur = req
			w.log.Debug("request dequeued", "seq", req.seq, "streaming", req.Streaming, "params", len(req.Params))
			w.state = awaitWritable

		case awaitWritable:
			if err := w.p.Wait(poll.Writable, poll.NoTimeout); err != nil {
				return err
			}
			w.state = sending

		case sending:
			if err := w.send(w.cur); err != nil {
				return err
			}
			w.state = flushing

		case flushing:
			st, err := w.h.Flush()
			switch st {
			case pgwire.Flushed:
				w.probe()
				w.state = awaitReadable
			case pgwire.FlushPending:
				if err := w.p.Wait(poll.Writable, poll.NoTimeout); err != nil {
					return err
				}
			default:
				if err == nil {
					err = apperr.New(apperr.FlushFailed, "flush failed")
				}
				return err
			}

		case awaitReadable:
			if err := w.p.Wait(poll.Readable, poll.NoTimeout); err != nil {
				return err
			}
			if err := w.h.ConsumeInput(); err != nil {
				return err
			}
			w.state = draining

		case draining:
			if w.h.IsBusy() {
				w.state = awaitReadable
				continue
			}
			res := w.h.GetResult()
			if res == nil {
				w.r.completed.Add(1)
				w.r.deliver(w.cur.Sink, Delivery{End: true})
				w.log.Debug("request finished", "seq", w.cur.seq)
				w.cur = nil
				w.state = awaitRequest
				continue
			}
			w.r.results.Add(1)
			if res.IsError() {
				w.log.Debug("statement failed", "seq", w.cur.seq, "code", res.Err.Code, "message", res.Err.Message)
			}
			w.r.deliver(w.cur.Sink, Delivery{Result: res})
		}
	}
}

// next waits for a request. With idle listening on it also wakes up periodically to
// pick up notifications; a nil request means the queue was closed.
func (w *worker) next() (*Request, error) {
	interval := w.r.opts.IdlePollInterval
	if interval <= 0 {
		req, ok := <-w.r.queue
		if !ok {
			return nil, nil
		}
		return req, nil
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case req, ok := <-w.r.queue:
			if !ok {
				return nil, nil
			}
			return req, nil
		case <-t.C:
			if err := w.listen(); err != nil {
				return nil, err
			}
		}
	}
}

// listen consumes whatever the server sent while idle. Events are dispatched from
// inside ConsumeInput; a peer close surfaces as an error here.
func (w *worker) listen() error {
	err := w.p.Wait(poll.Readable, 0)
	if errors.Is(err, poll.ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.h.ConsumeInput()
}

func (w *worker) send(req *Request) error {
	var err error
	if req.Params == nil {
		err = w.h.SendQuery(req.Query)
	} else {
		err = w.h.SendQueryParams(req.Query, req.Params)
	}
	if err != nil {
		return err
	}
	if req.Streaming {
		return w.h.SetSingleRowMode()
	}
	return nil
}

// probe checks once, briefly, that the socket is still writable after a flush. The
// outcome is only logged.
func (w *worker) probe() {
	timeout := w.r.opts.ProbeTimeout
	if timeout < 0 {
		return
	}
	if err := w.p.Wait(poll.Writable, timeout); err != nil {
		w.log.Debug("write probe", "seq", w.cur.seq, "err", err)
	}
}
