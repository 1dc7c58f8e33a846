// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package runner executes statements on one non-blocking PostgreSQL session from any
// number of goroutines. Requests go through a FIFO queue to a single worker goroutine
// that is locked to an OS thread and owns the protocol handle exclusively. The worker
// sends one statement at a time, waits for socket readiness with package poll, drains
// every result and hands it to the submitter's Sink through a dispatch goroutine.
//
// A server error is an ordinary result and the worker moves on to the next request.
// A transport failure stops the worker for good: the handle is closed, every request
// that has not finished gets a final delivery carrying the cause, and Enqueue fails
// from then on.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/poll"

	"code.hybscloud.com/atomix"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = apperr.New(apperr.QueueClosed, "runner is closed")
	// ErrStopped is returned by Enqueue after the worker stopped on a transport
	// failure. The returned error also wraps the failure itself.
	ErrStopped = apperr.New(apperr.WorkerStopped, "worker stopped")
)

// Handle is the non-blocking protocol session the worker drives. *pgwire.Conn
// implements it.
type Handle interface {
	Socket() int
	SendQuery(sql string) error
	SendQueryParams(sql string, params [][]byte) error
	SetSingleRowMode() error
	Flush() (pgwire.FlushStatus, error)
	ConsumeInput() error
	IsBusy() bool
	GetResult() *pgwire.Result
	SetEventHandler(h pgwire.EventHandler) pgwire.EventHandler
	Close() error
}

// Poller waits for readiness of the handle's socket. *poll.Poller implements it.
type Poller interface {
	Wait(interest poll.Interest, timeout time.Duration) error
	Close() error
}

// Request is one statement submitted to the runner.
type Request struct {
	Query string
	// Params selects the extended protocol when non-nil, even if empty. A nil
	// element is SQL NULL.
	Params    [][]byte
	Sink      Sink
	Streaming bool

	seq uint64
}

// Options configure a Runner. Zero values select the defaults.
type Options struct {
	Logger Logger
	// QueueSize is the capacity of the request queue. Defaults to 64.
	QueueSize int
	// DeliveryCapacity bounds the deliveries waiting for the dispatch goroutine.
	// Rounded up to a power of two. Defaults to 1024.
	DeliveryCapacity int
	// IdlePollInterval makes the worker check for notifications and notices while no
	// request is in flight. Zero disables idle listening.
	IdlePollInterval time.Duration
	// ProbeTimeout bounds the advisory writability probe after each flush. Defaults
	// to 10ms; negative disables the probe.
	ProbeTimeout time.Duration
	// Poller overrides the readiness poller built for the handle's socket.
	Poller Poller
}

const (
	defaultQueueSize        = 64
	defaultDeliveryCapacity = 1024
	defaultProbeTimeout     = 10 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = nopLogger{}
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.DeliveryCapacity <= 0 {
		o.DeliveryCapacity = defaultDeliveryCapacity
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	return o
}

// Stats are cumulative counters of a Runner.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Results   uint64
	Events    uint64
}

// Runner owns a handle and the worker that drives it.
type Runner struct {
	log    Logger
	opts   Options
	handle Handle
	poller Poller
	disp   *dispatcher

	mu      sync.Mutex
	queue   chan *Request
	closed  bool
	stopped bool
	closing chan struct{}
	halt    chan struct{}
	cause   error

	// producers counts Submit calls past the closed check. The queue is closed only
	// once they have all returned.
	producers sync.WaitGroup
	queueOnce sync.Once

	eventMu sync.Mutex
	events  any

	done chan struct{}

	submitted atomix.Uint64
	completed atomix.Uint64
	failed    atomix.Uint64
	results   atomix.Uint64
	eventsN   atomix.Uint64
}

// New starts a runner for h, which must already be in non-blocking mode. The runner
// owns h from now on and closes it when the worker exits.
func New(h Handle, opts Options) (*Runner, error) {
	opts = opts.withDefaults()
	p := opts.Poller
	if p == nil {
		pp, err := poll.New(h.Socket())
		if err != nil {
			return nil, err
		}
		p = pp
	}

	r := &Runner{
		log:     opts.Logger,
		opts:    opts,
		handle:  h,
		poller:  p,
		queue:   make(chan *Request, opts.QueueSize),
		closing: make(chan struct{}),
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.disp = newDispatcher(opts.DeliveryCapacity)
	if prev := h.SetEventHandler(eventForwarder{r}); prev != nil {
		release(prev)
	}

	w := &worker{r: r, h: h, p: p, log: r.log}
	go func() {
		w.run()
		r.disp.close()
		close(r.done)
	}()
	return r, nil
}

// Enqueue submits a statement. params == nil sends it with the simple protocol, which
// allows several semicolon-separated statements; otherwise the extended protocol is
// used with text parameters. With streaming set every row is delivered as its own
// SingleTuple result. Enqueue blocks while the queue is full.
func (r *Runner) Enqueue(query string, params [][]byte, sink Sink, streaming bool) error {
	return r.Submit(&Request{Query: query, Params: params, Sink: sink, Streaming: streaming})
}

// Submit is Enqueue for a prepared Request. The request must not be modified afterwards.
func (r *Runner) Submit(req *Request) error {
	if err := validate(req); err != nil {
		return err
	}

	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return r.stopError()
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	}
	r.producers.Add(1)
	r.mu.Unlock()
	defer r.producers.Done()

	req.seq = r.submitted.Add(1)
	select {
	case r.queue <- req:
		return nil
	case <-r.halt:
		return r.stopError()
	case <-r.closing:
		select {
		case <-r.halt:
			return r.stopError()
		default:
			return ErrClosed
		}
	}
}

func validate(req *Request) error {
	switch {
	case req == nil:
		return apperr.New(apperr.InvalidRequest, "request is nil")
	case req.Sink == nil:
		return apperr.New(apperr.InvalidRequest, "request has no sink")
	case req.Query == "":
		return apperr.New(apperr.InvalidRequest, "query is empty")
	case strings.IndexByte(req.Query, 0) >= 0:
		return apperr.New(apperr.InvalidRequest, "query contains a NUL byte")
	case len(req.Params) > pgwire.MaxParams:
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("%d parameters exceed the protocol limit of %d", len(req.Params), pgwire.MaxParams))
	}
	return nil
}

// SetEventSink registers the receiver of notices and notifications, replacing and
// releasing the previous one. sink should implement pgwire.NoticeHandler,
// pgwire.NotificationHandler or both; nil unregisters. A replaced sink that has a
// Release or Close method gets it called once no event is being delivered to it.
func (r *Runner) SetEventSink(sink any) error {
	if sink != nil {
		_, notices := sink.(pgwire.NoticeHandler)
		_, notifications := sink.(pgwire.NotificationHandler)
		if !notices && !notifications {
			return apperr.New(apperr.InvalidRequest, fmt.Sprintf("%T handles neither notices nor notifications", sink))
		}
	}
	r.eventMu.Lock()
	prev := r.events
	r.events = sink
	r.eventMu.Unlock()
	if prev != nil {
		release(prev)
	}
	return nil
}

// Close stops accepting requests. Requests already queued still run; the worker then
// exits and closes the handle. Producers blocked on a full queue get ErrClosed. Close
// does not wait; see Done and Shutdown.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.closing)
	go r.closeQueue()
}

// closeQueue closes the queue once no producer can send on it any more.
func (r *Runner) closeQueue() {
	r.queueOnce.Do(func() {
		r.producers.Wait()
		close(r.queue)
	})
}

// Shutdown closes the runner and waits for the worker and every pending delivery.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.Close()
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the worker has exited and every delivery has been made.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the transport failure that stopped the worker, or nil.
func (r *Runner) Err() error {
	select {
	case <-r.halt:
		return r.cause
	default:
		return nil
	}
}

// Stats returns a snapshot of the runner's counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Results:   r.results.Load(),
		Events:    r.eventsN.Load(),
	}
}

func (r *Runner) stopError() error {
	return errors.Join(ErrStopped, r.cause)
}

// stop records cause, unblocks producers waiting on a full queue and closes the queue.
// It returns the requests that were still queued.
func (r *Runner) stop(cause error) []*Request {
	r.cause = cause
	close(r.halt)

	r.mu.Lock()
	r.stopped = true
	if !r.closed {
		r.closed = true
		close(r.closing)
	}
	r.mu.Unlock()
	r.closeQueue()

	var pending []*Request
	for req := range r.queue {
		pending = append(pending, req)
	}
	return pending
}

func (r *Runner) deliver(sink Sink, d Delivery) {
	r.disp.post(func() { sink.Deliver(d) })
}

// eventForwarder is installed on the handle. It runs on the worker goroutine and only
// queues the event; the registered sink is looked up when the event is dispatched.
type eventForwarder struct{ r *Runner }

func (f eventForwarder) HandleNotice(n *pgconn.Notice) {
	f.r.eventsN.Add(1)
	f.r.disp.post(func() {
		f.r.eventMu.Lock()
		defer f.r.eventMu.Unlock()
		if h, ok := f.r.events.(pgwire.NoticeHandler); ok {
			h.HandleNotice(n)
		}
	})
}

func (f eventForwarder) HandleNotification(n *pgconn.Notification) {
	f.r.eventsN.Add(1)
	f.r.disp.post(func() {
		f.r.eventMu.Lock()
		defer f.r.eventMu.Unlock()
		if h, ok := f.r.events.(pgwire.NotificationHandler); ok {
			h.HandleNotification(n)
		}
	})
}
