// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pgwire implements a non-blocking PostgreSQL protocol handle on top of a raw
// socket descriptor. Every operation returns immediately: sends only append to an
// output buffer, Flush writes what the socket accepts, and ConsumeInput reads what is
// already available and parses it into Results. Callers wait for socket readiness
// themselves (see package poll) and retry.
//
// A Conn is not safe for concurrent use. It is meant to be owned by exactly one
// goroutine for its whole life.
package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	apperr "pgrunner/cli/internal/errors"

	"code.hybscloud.com/iox"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// FlushStatus is the outcome of a Flush call.
type FlushStatus int

const (
	// Flushed means the output buffer is empty.
	Flushed FlushStatus = iota
	// FlushPending means the socket stopped accepting data; wait for Writable and retry.
	FlushPending
	// FlushError means the write failed; the session is unusable.
	FlushError
)

func (s FlushStatus) String() string {
	switch s {
	case Flushed:
		return "flushed"
	case FlushPending:
		return "pending"
	default:
		return "error"
	}
}

// MaxParams is the protocol limit on bind parameters per statement.
const MaxParams = math.MaxUint16

const (
	headerLen      = 5
	maxMessageLen  = 1 << 30
	defaultReadBuf = 32 * 1024
)

type connState int

const (
	stateIdle connState = iota
	stateBusy
	stateClosed
)

// Options tune a Conn.
type Options struct {
	// ReadBufferSize is the size of a single socket read. Defaults to 32KiB.
	ReadBufferSize int
}

// Conn is a non-blocking protocol session.
type Conn struct {
	fd       int
	pid      uint32
	params   map[string]string
	txStatus byte

	out    []byte
	outPos int
	in     []byte
	rbuf   []byte

	state            connState
	singleRow        bool
	singleRowAllowed bool
	copyOut          bool

	fields []pgconn.FieldDescription
	rows   [][][]byte
	ready  []*Result

	events EventHandler
}

// NewConn adopts fd, a socket on which the startup handshake has already completed,
// and switches it to non-blocking mode. The Conn owns fd from now on.
func NewConn(fd int, opts Options) (*Conn, error) {
	if err := setNonblock(fd); err != nil {
		return nil, apperr.Wrap(apperr.ConnectFailed, "enable non-blocking mode", err)
	}
	size := opts.ReadBufferSize
	if size <= 0 {
		size = defaultReadBuf
	}
	return &Conn{
		fd:       fd,
		params:   make(map[string]string),
		txStatus: 'I',
		rbuf:     make([]byte, size),
		events:   discardEvents{},
	}, nil
}

// Socket returns the descriptor to register with a readiness poller.
func (c *Conn) Socket() int { return c.fd }

// PID returns the backend process id reported at startup.
func (c *Conn) PID() uint32 { return c.pid }

// TxStatus returns the transaction status from the last ReadyForQuery ('I', 'T' or 'E').
func (c *Conn) TxStatus() byte { return c.txStatus }

// ParameterStatus returns a server parameter such as server_version.
func (c *Conn) ParameterStatus(name string) string { return c.params[name] }

// SetEventHandler installs h for notices and notifications and returns the previous
// handler. A nil h discards events.
func (c *Conn) SetEventHandler(h EventHandler) EventHandler {
	prev := c.events
	if h == nil {
		h = discardEvents{}
	}
	c.events = h
	if _, ok := prev.(discardEvents); ok {
		return nil
	}
	return prev
}

// SendQuery queues a simple-protocol statement. The text may hold several
// statements separated by semicolons; each produces its own Result.
func (c *Conn) SendQuery(sql string) error {
	if err := c.startCommand(); err != nil {
		return err
	}
	buf, err := (&pgproto3.Query{String: sql}).Encode(c.out)
	if err != nil {
		return c.abortCommand(err)
	}
	c.out = buf
	return nil
}

// SendQueryParams queues one statement through the extended protocol using the
// unnamed statement and portal. All parameters and results are text format; a nil
// parameter is SQL NULL.
func (c *Conn) SendQueryParams(sql string, params [][]byte) error {
	if len(params) > MaxParams {
		return apperr.New(apperr.SendFailed, fmt.Sprintf("%d parameters exceed the protocol limit of %d", len(params), MaxParams))
	}
	if err := c.startCommand(); err != nil {
		return err
	}
	buf := c.out
	var err error
	if buf, err = (&pgproto3.Parse{Query: sql}).Encode(buf); err != nil {
		return c.abortCommand(err)
	}
	if buf, err = (&pgproto3.Bind{Parameters: params}).Encode(buf); err != nil {
		return c.abortCommand(err)
	}
	if buf, err = (&pgproto3.Describe{ObjectType: 'P'}).Encode(buf); err != nil {
		return c.abortCommand(err)
	}
	if buf, err = (&pgproto3.Execute{}).Encode(buf); err != nil {
		return c.abortCommand(err)
	}
	if buf, err = (&pgproto3.Sync{}).Encode(buf); err != nil {
		return c.abortCommand(err)
	}
	c.out = buf
	return nil
}

func (c *Conn) startCommand() error {
	switch c.state {
	case stateClosed:
		return apperr.New(apperr.SendFailed, "connection is closed")
	case stateBusy:
		return apperr.New(apperr.SendFailed, "another command is already in progress")
	}
	c.state = stateBusy
	c.singleRow = false
	c.singleRowAllowed = true
	c.copyOut = false
	c.fields = nil
	c.rows = nil
	c.ready = c.ready[:0]
	return nil
}

func (c *Conn) abortCommand(err error) error {
	c.state = stateIdle
	c.singleRowAllowed = false
	return apperr.Wrap(apperr.SendFailed, "encode statement", err)
}

// SetSingleRowMode makes the statement just sent return one SingleTuple result per
// row. It must be called after a send and before ConsumeInput.
func (c *Conn) SetSingleRowMode() error {
	if c.state != stateBusy || !c.singleRowAllowed {
		return apperr.New(apperr.SendFailed, "single-row mode must be selected right after sending a statement")
	}
	c.singleRow = true
	return nil
}

// Flush writes as much buffered output as the socket accepts.
func (c *Conn) Flush() (FlushStatus, error) {
	if c.state == stateClosed {
		return FlushError, apperr.New(apperr.FlushFailed, "connection is closed")
	}
	for c.outPos < len(c.out) {
		n, err := sockWrite(c.fd, c.out[c.outPos:])
		c.outPos += n
		if err != nil {
			if iox.IsWouldBlock(err) {
				return FlushPending, nil
			}
			return FlushError, apperr.Wrap(apperr.FlushFailed, "write socket", err)
		}
	}
	c.out = c.out[:0]
	c.outPos = 0
	return Flushed, nil
}

// ConsumeInput reads everything currently available on the socket and parses the
// complete messages among it. Notices and notifications are dispatched to the event
// handler from here. An error means the session is unusable.
func (c *Conn) ConsumeInput() error {
	if c.state == stateClosed {
		return apperr.New(apperr.ConsumeFailed, "connection is closed")
	}
	c.singleRowAllowed = false
	var readErr error
	for {
		n, err := sockRead(c.fd, c.rbuf)
		if n > 0 {
			c.in = append(c.in, c.rbuf[:n]...)
		}
		if err != nil {
			if !iox.IsWouldBlock(err) {
				readErr = apperr.Wrap(apperr.ConsumeFailed, "read socket", err)
			}
			break
		}
		if n == 0 {
			readErr = apperr.Wrap(apperr.ConsumeFailed, "server closed the connection unexpectedly", io.EOF)
			break
		}
	}
	// Parse before reporting a read failure so a final notice still reaches the handler.
	if err := c.parse(); err != nil {
		return err
	}
	return readErr
}

// IsBusy reports whether GetResult would have to wait for more input.
func (c *Conn) IsBusy() bool {
	return c.state == stateBusy && len(c.ready) == 0
}

// GetResult returns the next Result of the current command, or nil once the command
// has finished. It never blocks; call it only while IsBusy is false.
func (c *Conn) GetResult() *Result {
	if len(c.ready) == 0 {
		return nil
	}
	r := c.ready[0]
	c.ready[0] = nil
	c.ready = c.ready[1:]
	return r
}

// Close sends a best-effort Terminate and releases the socket.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	if term, err := (&pgproto3.Terminate{}).Encode(nil); err == nil {
		_, _ = sockWrite(c.fd, term)
	}
	return sockClose(c.fd)
}

func (c *Conn) parse() error {
	pos := 0
	for len(c.in)-pos >= headerLen {
		typ := c.in[pos]
		length := int(binary.BigEndian.Uint32(c.in[pos+1 : pos+headerLen]))
		if length < 4 || length > maxMessageLen {
			return apperr.New(apperr.ProtocolViolation, fmt.Sprintf("invalid length %d for message type %q", length, typ))
		}
		if len(c.in)-pos < 1+length {
			break
		}
		body := c.in[pos+headerLen : pos+1+length]
		pos += 1 + length
		if err := c.dispatch(typ, body); err != nil {
			return err
		}
	}
	rest := copy(c.in, c.in[pos:])
	c.in = c.in[:rest]
	return nil
}

func (c *Conn) dispatch(typ byte, body []byte) error {
	msg := backendMessage(typ)
	if msg == nil {
		return apperr.New(apperr.ProtocolViolation, fmt.Sprintf("unexpected message type %q", typ))
	}
	if err := msg.Decode(body); err != nil {
		return apperr.Wrap(apperr.ProtocolViolation, fmt.Sprintf("decode message type %q", typ), err)
	}

	switch m := msg.(type) {
	case *pgproto3.RowDescription:
		c.singleRowAllowed = false
		c.fields = make([]pgconn.FieldDescription, len(m.Fields))
		for i, f := range m.Fields {
			c.fields[i] = pgconn.FieldDescription{
				Name:                 string(f.Name),
				TableOID:             f.TableOID,
				TableAttributeNumber: f.TableAttributeNumber,
				DataTypeOID:          f.DataTypeOID,
				DataTypeSize:         f.DataTypeSize,
				TypeModifier:         f.TypeModifier,
				Format:               f.Format,
			}
		}
		c.rows = nil
	case *pgproto3.DataRow:
		c.singleRowAllowed = false
		row := make([][]byte, len(m.Values))
		for i, v := range m.Values {
			if v != nil {
				row[i] = append([]byte{}, v...)
			}
		}
		if c.singleRow {
			c.emit(&Result{Status: SingleTuple, Fields: c.fields, Rows: [][][]byte{row}})
		} else {
			c.rows = append(c.rows, row)
		}
	case *pgproto3.CommandComplete:
		c.singleRowAllowed = false
		tag := pgconn.NewCommandTag(string(m.CommandTag))
		switch {
		case c.fields == nil:
			c.emit(&Result{Status: CommandOK, CommandTag: tag})
		case !c.singleRow:
			c.emit(&Result{Status: TuplesOK, Fields: c.fields, Rows: c.rows, CommandTag: tag})
		}
		c.fields = nil
		c.rows = nil
		c.copyOut = false
	case *pgproto3.EmptyQueryResponse:
		c.singleRowAllowed = false
		c.emit(&Result{Status: EmptyQuery})
	case *pgproto3.ErrorResponse:
		pgErr := pgconn.ErrorResponseToPgError(m)
		if c.state != stateBusy {
			c.events.HandleNotice((*pgconn.Notice)(pgErr))
			return nil
		}
		c.singleRowAllowed = false
		c.fields = nil
		c.rows = nil
		c.emit(&Result{Status: FatalError, Err: pgErr})
	case *pgproto3.NoticeResponse:
		c.events.HandleNotice((*pgconn.Notice)(pgconn.ErrorResponseToPgError((*pgproto3.ErrorResponse)(m))))
	case *pgproto3.NotificationResponse:
		c.events.HandleNotification(&pgconn.Notification{PID: m.PID, Channel: m.Channel, Payload: m.Payload})
	case *pgproto3.ReadyForQuery:
		c.txStatus = m.TxStatus
		c.state = stateIdle
		c.singleRow = false
		c.singleRowAllowed = false
		c.fields = nil
		c.rows = nil
	case *pgproto3.ParameterStatus:
		c.params[m.Name] = m.Value
	case *pgproto3.BackendKeyData:
		c.pid = m.ProcessID
	case *pgproto3.CopyOutResponse:
		c.copyOut = true
	case *pgproto3.CopyData, *pgproto3.CopyDone:
		if !c.copyOut {
			return apperr.New(apperr.ProtocolViolation, "copy data outside of COPY TO STDOUT")
		}
	case *pgproto3.CopyInResponse, *pgproto3.CopyBothResponse:
		return apperr.New(apperr.ProtocolViolation, "COPY FROM STDIN and replication streams are not supported")
	case *pgproto3.ParseComplete, *pgproto3.BindComplete, *pgproto3.CloseComplete,
		*pgproto3.NoData, *pgproto3.ParameterDescription, *pgproto3.PortalSuspended:
	}
	return nil
}

func (c *Conn) emit(r *Result) {
	c.ready = append(c.ready, r)
}

func backendMessage(typ byte) pgproto3.BackendMessage {
	switch typ {
	case 'T':
		return &pgproto3.RowDescription{}
	case 'D':
		return &pgproto3.DataRow{}
	case 'C':
		return &pgproto3.CommandComplete{}
	case 'I':
		return &pgproto3.EmptyQueryResponse{}
	case 'E':
		return &pgproto3.ErrorResponse{}
	case 'N':
		return &pgproto3.NoticeResponse{}
	case 'A':
		return &pgproto3.NotificationResponse{}
	case 'Z':
		return &pgproto3.ReadyForQuery{}
	case 'S':
		return &pgproto3.ParameterStatus{}
	case 'K':
		return &pgproto3.BackendKeyData{}
	case '1':
		return &pgproto3.ParseComplete{}
	case '2':
		return &pgproto3.BindComplete{}
	case '3':
		return &pgproto3.CloseComplete{}
	case 'n':
		return &pgproto3.NoData{}
	case 't':
		return &pgproto3.ParameterDescription{}
	case 's':
		return &pgproto3.PortalSuspended{}
	case 'G':
		return &pgproto3.CopyInResponse{}
	case 'H':
		return &pgproto3.CopyOutResponse{}
	case 'W':
		return &pgproto3.CopyBothResponse{}
	case 'd':
		return &pgproto3.CopyData{}
	case 'c':
		return &pgproto3.CopyDone{}
	}
	return nil
}
