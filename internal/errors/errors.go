// Package errors defines typed errors with categories for user-friendly reporting.
// It provides a structured approach to error handling with machine-readable error kinds
// and human-friendly messages. Transport failures raised by the query runner carry
// one of the kinds below so callers can tell a dead connection from a rejected request.
//
// The package supports wrapping underlying errors while maintaining error kind information,
// and cooperates with the standard errors.Is / errors.As helpers through Unwrap.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// ConnectFailed indicates the session could not be established or adopted.
	ConnectFailed Kind = "connect_failed"
	// PollFailed indicates a readiness poller construction, registration or wait failure.
	PollFailed Kind = "poll_failed"
	// SendFailed indicates a statement could not be queued on the protocol handle.
	SendFailed Kind = "send_failed"
	// FlushFailed indicates buffered output could not be written to the socket.
	FlushFailed Kind = "flush_failed"
	// ConsumeFailed indicates input could not be read from the socket.
	ConsumeFailed Kind = "consume_failed"
	// ProtocolViolation indicates the server sent something the handle cannot interpret.
	ProtocolViolation Kind = "protocol_violation"
	// WorkerStopped indicates a request was abandoned because the worker terminated.
	WorkerStopped Kind = "worker_stopped"
	// QueueClosed indicates the runner no longer accepts requests.
	QueueClosed Kind = "queue_closed"
	// InvalidRequest indicates a request was rejected before reaching the queue.
	InvalidRequest Kind = "invalid_request"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the first *E in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its tree, including
// errors combined with errors.Join.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*E); ok && e.Kind == kind {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return Is(u.Unwrap(), kind)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if Is(inner, kind) {
				return true
			}
		}
	}
	return false
}
