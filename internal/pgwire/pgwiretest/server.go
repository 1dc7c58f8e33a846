// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

// Package pgwiretest runs a scripted PostgreSQL backend on one end of a socket pair so
// protocol handles and runners can be tested without a database server. The startup
// handshake is skipped: the client end is ready for queries immediately.
package pgwiretest

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sys/unix"
)

// Query is a statement as received by the fake backend.
type Query struct {
	SQL      string
	Params   [][]byte
	Extended bool
}

// Handler answers one statement. ReadyForQuery is sent by the server afterwards.
type Handler func(q Query, w *Responder)

// Server is the backend end of a socket pair.
type Server struct {
	// ClientFD is the frontend end of the pair, in blocking mode.
	ClientFD int

	conn    net.Conn
	be      *pgproto3.Backend
	handler Handler
	mu      sync.Mutex
	queries []Query
	done    chan struct{}
}

// Start launches a backend answering with h (DefaultHandler when nil). The server is
// torn down when the test ends; the client descriptor belongs to the caller.
func Start(t testing.TB, h Handler) *Server {
	t.Helper()
	if h == nil {
		h = DefaultHandler
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[1]), "pgwiretest-backend")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[0])
		t.Fatalf("wrap backend socket: %v", err)
	}

	s := &Server{
		ClientFD: fds[0],
		conn:     conn,
		be:       pgproto3.NewBackend(conn, conn),
		handler:  h,
		done:     make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(func() {
		s.Close()
		<-s.done
	})
	return s
}

// Queries returns every statement received so far.
func (s *Server) Queries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Query(nil), s.queries...)
}

// Push sends unsolicited messages, for example a notification with no query running.
func (s *Server) Push(fn func(w *Responder)) {
	w := &Responder{s: s}
	fn(w)
	w.Flush()
}

// Close drops the backend end of the pair; the client observes a peer close.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Done is closed when the serve loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) serve() {
	defer close(s.done)
	var pending Query
	failed := false
	for {
		msg, err := s.be.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			s.record(Query{SQL: m.String})
			w := &Responder{s: s}
			for _, stmt := range splitStatements(m.String) {
				if strings.TrimSpace(stmt) == "" {
					w.Send(&pgproto3.EmptyQueryResponse{})
					continue
				}
				s.handler(Query{SQL: stmt}, w)
				if w.failed || w.hungUp {
					break
				}
			}
			if w.hungUp {
				return
			}
			w.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			w.Flush()
		case *pgproto3.Parse:
			pending = Query{SQL: m.Query, Extended: true}
			failed = false
			s.send(&pgproto3.ParseComplete{})
		case *pgproto3.Bind:
			pending.Params = make([][]byte, len(m.Parameters))
			for i, p := range m.Parameters {
				if p != nil {
					pending.Params[i] = append([]byte{}, p...)
				}
			}
			s.send(&pgproto3.BindComplete{})
		case *pgproto3.Describe:
		case *pgproto3.Execute:
			if failed {
				continue
			}
			s.record(pending)
			w := &Responder{s: s}
			s.handler(pending, w)
			if w.hungUp {
				return
			}
			failed = w.failed
		case *pgproto3.Sync:
			s.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			s.flush()
		case *pgproto3.Terminate:
			s.conn.Close()
			return
		}
	}
}

func (s *Server) record(q Query) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
}

func (s *Server) send(msg pgproto3.BackendMessage) {
	s.mu.Lock()
	s.be.Send(msg)
	s.mu.Unlock()
}

func (s *Server) flush() {
	s.mu.Lock()
	_ = s.be.Flush()
	s.mu.Unlock()
}

func splitStatements(sql string) []string {
	if !strings.Contains(sql, ";") {
		return []string{sql}
	}
	var out []string
	for _, part := range strings.Split(sql, ";") {
		if strings.TrimSpace(part) != "" {
			out = append(out, strings.TrimSpace(part))
		}
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}

// Column describes one result column.
type Column struct {
	Name string
	OID  uint32
}

// Responder writes backend messages for one statement.
type Responder struct {
	s      *Server
	failed bool
	hungUp bool
}

// Send queues an arbitrary backend message.
func (w *Responder) Send(msg pgproto3.BackendMessage) { w.s.send(msg) }

// Columns sends a RowDescription.
func (w *Responder) Columns(cols ...Column) {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgproto3.FieldDescription{Name: []byte(c.Name), DataTypeOID: c.OID, DataTypeSize: -1, TypeModifier: -1}
	}
	w.Send(&pgproto3.RowDescription{Fields: fields})
}

// Row sends a DataRow of text values.
func (w *Responder) Row(values ...string) {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	w.RawRow(raw...)
}

// RawRow sends a DataRow; nil values are NULL.
func (w *Responder) RawRow(values ...[]byte) {
	w.Send(&pgproto3.DataRow{Values: values})
}

// Complete sends CommandComplete.
func (w *Responder) Complete(tag string) {
	w.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// Error sends an ErrorResponse and aborts the rest of the statement batch.
func (w *Responder) Error(code, message string) {
	w.failed = true
	w.Send(&pgproto3.ErrorResponse{Severity: "ERROR", SeverityUnlocalized: "ERROR", Code: code, Message: message})
}

// Notice sends a NoticeResponse.
func (w *Responder) Notice(message string) {
	w.Send(&pgproto3.NoticeResponse{Severity: "NOTICE", SeverityUnlocalized: "NOTICE", Code: "00000", Message: message})
}

// Notify sends a NotificationResponse.
func (w *Responder) Notify(pid uint32, channel, payload string) {
	w.Send(&pgproto3.NotificationResponse{PID: pid, Channel: channel, Payload: payload})
}

// Flush writes everything sent so far, letting the client see a partial response.
func (w *Responder) Flush() { w.s.flush() }

// Hangup closes the connection without finishing the response.
func (w *Responder) Hangup() {
	w.Flush()
	w.hungUp = true
	w.s.conn.Close()
}

// BackendPID is the process id the default handler reports in notifications.
const BackendPID = 4242

var (
	reSeries   = regexp.MustCompile(`(?i)^select generate_series\((\d+),\s*(\d+)\)$`)
	reParams   = regexp.MustCompile(`(?i)^select \$1`)
	reListen   = regexp.MustCompile(`(?i)^(un)?listen\s+(\w+)$`)
	reNotify   = regexp.MustCompile(`(?i)^notify\s+(\w+)(?:\s*,\s*'(.*)')?$`)
	reSleep    = regexp.MustCompile(`(?i)^select pg_sleep\(([\d.]+)\)$`)
	reLength   = regexp.MustCompile(`(?is)^select length\('(.*)'\)$`)
	reInsert   = regexp.MustCompile(`(?i)^insert\s`)
	reDo       = regexp.MustCompile(`(?is)^do\s+(.*)$`)
	reCopyOut  = regexp.MustCompile(`(?i)^copy\s+\w+\s+to\s+stdout$`)
	reFirstTok = regexp.MustCompile(`^\S+`)
)

// DefaultHandler answers a small repertoire of statements the way PostgreSQL would:
//
//	SELECT 1, SELECT generate_series(a,b), SELECT $1[, ...] (echoes parameters),
//	SELECT length('...'), SELECT pg_sleep(s), INSERT ..., LISTEN/UNLISTEN ch,
//	NOTIFY ch[, 'payload'], DO ... (raises a notice), COPY t TO STDOUT (three lines),
//	SELECT pg_terminate_backend(...) (hangs up). Anything else is a syntax error.
func DefaultHandler(q Query, w *Responder) {
	sql := strings.TrimSpace(q.SQL)
	switch {
	case strings.EqualFold(sql, "select 1"):
		w.Columns(Column{Name: "?column?", OID: pgtype.Int4OID})
		w.Row("1")
		w.Complete("SELECT 1")
	case reSeries.MatchString(sql):
		m := reSeries.FindStringSubmatch(sql)
		from, _ := strconv.Atoi(m[1])
		to, _ := strconv.Atoi(m[2])
		w.Columns(Column{Name: "generate_series", OID: pgtype.Int4OID})
		n := 0
		for i := from; i <= to; i++ {
			w.Row(strconv.Itoa(i))
			n++
			if n%2 == 0 {
				w.Flush()
			}
		}
		w.Complete(fmt.Sprintf("SELECT %d", n))
	case q.Extended && reParams.MatchString(sql):
		cols := make([]Column, len(q.Params))
		for i := range q.Params {
			cols[i] = Column{Name: "?column?", OID: pgtype.TextOID}
		}
		w.Columns(cols...)
		w.RawRow(q.Params...)
		w.Complete("SELECT 1")
	case reLength.MatchString(sql):
		m := reLength.FindStringSubmatch(sql)
		w.Columns(Column{Name: "length", OID: pgtype.Int4OID})
		w.Row(strconv.Itoa(len(m[1])))
		w.Complete("SELECT 1")
	case reSleep.MatchString(sql):
		secs, _ := strconv.ParseFloat(reSleep.FindStringSubmatch(sql)[1], 64)
		time.Sleep(time.Duration(secs * float64(time.Second)))
		w.Columns(Column{Name: "pg_sleep", OID: pgtype.TextOID})
		w.Row("")
		w.Complete("SELECT 1")
	case reInsert.MatchString(sql):
		w.Complete("INSERT 0 1")
	case reListen.MatchString(sql):
		if reListen.FindStringSubmatch(sql)[1] != "" {
			w.Complete("UNLISTEN")
		} else {
			w.Complete("LISTEN")
		}
	case reNotify.MatchString(sql):
		m := reNotify.FindStringSubmatch(sql)
		w.Complete("NOTIFY")
		w.Notify(BackendPID, m[1], m[2])
	case reDo.MatchString(sql):
		w.Notice(strings.TrimSpace(reDo.FindStringSubmatch(sql)[1]))
		w.Complete("DO")
	case reCopyOut.MatchString(sql):
		w.Send(&pgproto3.CopyOutResponse{ColumnFormatCodes: []uint16{0}})
		for i := 1; i <= 3; i++ {
			w.Send(&pgproto3.CopyData{Data: []byte(strconv.Itoa(i) + "\n")})
		}
		w.Send(&pgproto3.CopyDone{})
		w.Complete("COPY 3")
	case strings.HasPrefix(strings.ToLower(sql), "select pg_terminate_backend"):
		w.Hangup()
	default:
		w.Error("42601", fmt.Sprintf("syntax error at or near %q", reFirstTok.FindString(sql)))
	}
}
