// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package bridge connects a remote task backend to the query runner. The backend
// streams SQL tasks; each is executed through the runner in arrival order and its
// JSON result is streamed back as soon as it completes.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	"pgrunner/cli/internal/bridge/model"
	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/sqlexec"
)

// Bridge is a connected task stream. *grpcclient.Client implements it.
type Bridge interface {
	Tasks() <-chan model.SQLTask
	Events() <-chan model.Event
	Errors() <-chan error
	SendSQLResponse(ctx context.Context, resp model.SQLResponse) error
}

// Executor runs one statement asynchronously. *sqlexec.Executor implements it.
// Done is closed once the executor can take no more work; Err then reports why.
type Executor interface {
	Submit(sql string, params [][]byte, streaming bool, done func(sqlexec.Outcome)) error
	Done() <-chan struct{}
	Err() error
}

// errRunnerClosed ends Serve when the runner was closed without a failure.
var errRunnerClosed = apperr.New(apperr.QueueClosed, "runner closed while serving")

// Logger is the subset of the application logger Serve uses.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Debug(msg string, kv ...any)
}

// Serve executes every task from br until the backend closes the stream, the
// connection to the database fails, or ctx ends. A clean close by the backend
// returns nil once every accepted task has been answered.
func Serve(ctx context.Context, br Bridge, exec Executor, log Logger) error {
	out := make(chan model.SQLResponse, 64)
	var pending sync.WaitGroup
	sendErr := make(chan error, 1)
	senderDone := make(chan struct{})

	go func() {
		defer close(senderDone)
		for resp := range out {
			if err := br.SendSQLResponse(ctx, resp); err != nil {
				select {
				case sendErr <- err:
				default:
				}
			}
		}
	}()
	finish := func(err error) error {
		pending.Wait()
		close(out)
		<-senderDone
		if err == nil {
			select {
			case err = <-sendErr:
			default:
			}
		}
		return err
	}

	tasks, events := br.Tasks(), br.Events()
	for {
		select {
		case <-ctx.Done():
			go finish(nil)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			log.Info("backend event", "type", ev.Type, "message", ev.Message)

		case err := <-sendErr:
			return finish(err)

		case <-exec.Done():
			err := exec.Err()
			if err == nil {
				err = errRunnerClosed
			}
			log.Warn("runner stopped, leaving the bridge", "err", err)
			return finish(err)

		case task, ok := <-tasks:
			if !ok {
				err := <-br.Errors()
				if errors.Is(err, io.EOF) {
					err = nil
				}
				return finish(err)
			}
			if err := submit(exec, task, out, &pending, log); err != nil {
				return finish(err)
			}
		}
	}
}

// submit starts task. Rejected tasks are answered right away; an error is returned
// only when the runner can take no more work.
func submit(exec Executor, task model.SQLTask, out chan<- model.SQLResponse, pending *sync.WaitGroup, log Logger) error {
	log.Debug("task received", "request_id", task.RequestID, "streaming", task.Streaming, "params", len(task.Params))
	reject := func(err error) {
		doc, _ := sqlexec.Result{Error: err.Error()}.MarshalJSON()
		out <- model.SQLResponse{RequestID: task.RequestID, ResultJSON: string(doc)}
	}

	params, err := sqlexec.EncodeParams(task.Params)
	if err != nil {
		reject(err)
		return nil
	}
	pending.Add(1)
	err = exec.Submit(task.SQLStatement, params, task.Streaming, func(o sqlexec.Outcome) {
		defer pending.Done()
		out <- model.SQLResponse{RequestID: task.RequestID, Success: o.OK(), ResultJSON: o.JSON}
	})
	if err == nil {
		return nil
	}
	pending.Done()
	reject(err)
	if apperr.Is(err, apperr.InvalidRequest) {
		log.Warn("task rejected", "request_id", task.RequestID, "err", err)
		return nil
	}
	return err
}
