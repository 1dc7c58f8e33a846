// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package grpcclient implements the bridge over a gRPC bidirectional stream. The
// stream carries google.protobuf.Struct messages on the method /pgrunner.Bridge/Run,
// each tagged by its "type" field:
//
//	client -> server: init {db_name, server_version, backend_pid}
//	                  sql_response {request_id, success, result_json}
//	server -> client: sql_request {request_id, sql_statement, params, streaming}
//	                  event {event_type, message}
//
// The bearer token travels in the authorization metadata of the stream.
package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"pgrunner/cli/internal/bridge/model"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method is the full name of the bridge stream.
const Method = "/pgrunner.Bridge/Run"

// Message types.
const (
	TypeInit        = "init"
	TypeSQLResponse = "sql_response"
	TypeSQLRequest  = "sql_request"
	TypeEvent       = "event"
)

// Options tune Connect.
type Options struct {
	// Insecure disables TLS.
	Insecure bool
	// DialOptions are appended to the client's dial options.
	DialOptions []grpc.DialOption
}

// Client is a connected bridge stream.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]
	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
	once   sync.Once

	tasks  chan model.SQLTask
	events chan model.Event
	errs   chan error
}

// Connect opens the bridge stream at addr. An addr without a port gets 443; an addr
// with a resolver scheme is used as-is. The stream lives until ctx ends or Close.
func Connect(ctx context.Context, addr, token string, opts Options) (*Client, error) {
	target := addr
	if !strings.Contains(addr, "://") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			target = net.JoinHostPort(addr, "443")
		}
	}

	creds := insecure.NewCredentials()
	if !opts.Insecure {
		host, _, err := net.SplitHostPort(target)
		if err != nil {
			host = target
		}
		creds = credentials.NewTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts.DialOptions...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("bridge client for %s: %w", addr, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	if token != "" {
		sctx = metadata.AppendToOutgoingContext(sctx, "authorization", "Bearer "+token)
	}
	cs, err := conn.NewStream(sctx, &grpc.StreamDesc{StreamName: "Run", ServerStreams: true, ClientStreams: true}, Method)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open bridge stream: %w", err)
	}

	c := &Client{
		conn:   conn,
		stream: &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs},
		ctx:    sctx,
		cancel: cancel,
		tasks:  make(chan model.SQLTask, 64),
		events: make(chan model.Event, 64),
		errs:   make(chan error, 1),
	}
	return c, nil
}

// Init starts receiving and announces the session. If the backend has already ended
// the stream, Errors reports why.
func (c *Client) Init(ctx context.Context, dbName, serverVersion string, pid uint32) error {
	if dbName == "" {
		return errors.New("database name is required")
	}
	msg, err := structpb.NewStruct(map[string]any{
		"type":           TypeInit,
		"db_name":        dbName,
		"server_version": serverVersion,
		"backend_pid":    float64(pid),
	})
	if err != nil {
		return err
	}
	c.once.Do(func() { go c.receiveLoop() })
	if err := c.send(msg); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	return nil
}

// Tasks yields SQL tasks in arrival order. It is closed when the stream ends.
func (c *Client) Tasks() <-chan model.SQLTask { return c.tasks }

// Events yields backend events. It is closed when the stream ends.
func (c *Client) Events() <-chan model.Event { return c.events }

// Errors yields the error that ended the stream, io.EOF for a clean close by the
// backend, once Tasks is closed.
func (c *Client) Errors() <-chan error { return c.errs }

// SendSQLResponse sends a task result. It is safe for concurrent use.
func (c *Client) SendSQLResponse(ctx context.Context, resp model.SQLResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := structpb.NewStruct(map[string]any{
		"type":        TypeSQLResponse,
		"request_id":  resp.RequestID,
		"success":     resp.Success,
		"result_json": resp.ResultJSON,
	})
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Close ends the stream and the connection.
func (c *Client) Close() error {
	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return c.conn.Close()
}

func (c *Client) send(msg *structpb.Struct) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

func (c *Client) receiveLoop() {
	defer close(c.tasks)
	defer close(c.events)
	for {
		msg, err := c.stream.Recv()
		if err != nil {
			c.errs <- err
			return
		}
		switch field(msg, "type").GetStringValue() {
		case TypeSQLRequest:
			select {
			case c.tasks <- decodeTask(msg):
			case <-c.ctx.Done():
				c.errs <- c.ctx.Err()
				return
			}
		case TypeEvent:
			ev := model.Event{
				Type:    field(msg, "event_type").GetStringValue(),
				Message: field(msg, "message").GetStringValue(),
			}
			select {
			case c.events <- ev:
			default: // events are informational; drop when nobody keeps up
			}
		}
	}
}

func field(msg *structpb.Struct, name string) *structpb.Value {
	return msg.GetFields()[name]
}

func decodeTask(msg *structpb.Struct) model.SQLTask {
	t := model.SQLTask{
		RequestID:    field(msg, "request_id").GetStringValue(),
		SQLStatement: field(msg, "sql_statement").GetStringValue(),
		Streaming:    field(msg, "streaming").GetBoolValue(),
	}
	if list := field(msg, "params").GetListValue(); list != nil {
		t.Params = list.AsSlice()
	}
	return t
}
