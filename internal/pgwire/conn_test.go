// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package pgwire_test

import (
	"strings"
	"testing"
	"time"

	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/pgwire/pgwiretest"
	"pgrunner/cli/internal/poll"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitLimit = 5 * time.Second

type recorder struct {
	notices       []*pgconn.Notice
	notifications []*pgconn.Notification
}

func (r *recorder) HandleNotice(n *pgconn.Notice)             { r.notices = append(r.notices, n) }
func (r *recorder) HandleNotification(n *pgconn.Notification) { r.notifications = append(r.notifications, n) }

func dial(t *testing.T) (*pgwire.Conn, *poll.Poller, *pgwiretest.Server) {
	t.Helper()
	srv := pgwiretest.Start(t, nil)
	c, err := pgwire.NewConn(srv.ClientFD, pgwire.Options{ReadBufferSize: 512})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	p, err := poll.New(c.Socket())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return c, p, srv
}

func flush(t *testing.T, c *pgwire.Conn, p *poll.Poller) (sawPending bool) {
	t.Helper()
	for {
		st, err := c.Flush()
		require.NoError(t, err)
		if st == pgwire.Flushed {
			return sawPending
		}
		require.Equal(t, pgwire.FlushPending, st)
		sawPending = true
		require.NoError(t, p.Wait(poll.Writable, waitLimit))
	}
}

func drain(t *testing.T, c *pgwire.Conn, p *poll.Poller) []*pgwire.Result {
	t.Helper()
	var out []*pgwire.Result
	for {
		for c.IsBusy() {
			require.NoError(t, p.Wait(poll.Readable, waitLimit))
			require.NoError(t, c.ConsumeInput())
		}
		r := c.GetResult()
		if r == nil {
			return out
		}
		out = append(out, r)
	}
}

func exec(t *testing.T, c *pgwire.Conn, p *poll.Poller, sql string) []*pgwire.Result {
	t.Helper()
	require.NoError(t, c.SendQuery(sql))
	flush(t, c, p)
	return drain(t, c, p)
}

func rowText(r *pgwire.Result) []string {
	var out []string
	for _, row := range r.Rows {
		for _, v := range row {
			out = append(out, string(v))
		}
	}
	return out
}

func TestSimpleQuery(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "SELECT 1")
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, pgwire.TuplesOK, r.Status)
	assert.Equal(t, []string{"?column?"}, r.Columns())
	assert.Equal(t, []string{"1"}, rowText(r))
	assert.Equal(t, "SELECT 1", r.CommandTag.String())
	assert.False(t, r.IsError())
	assert.Equal(t, byte('I'), c.TxStatus())

	vals, err := r.Values(nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int32(1)}}, vals)
}

func TestMultiStatementProducesOneResultEach(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "INSERT INTO t VALUES (1); SELECT 1")
	require.Len(t, results, 2)
	assert.Equal(t, pgwire.CommandOK, results[0].Status)
	assert.Equal(t, int64(1), results[0].CommandTag.RowsAffected())
	assert.Equal(t, pgwire.TuplesOK, results[1].Status)
}

func TestEmptyQuery(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.EmptyQuery, results[0].Status)
}

func TestSingleRowMode(t *testing.T) {
	c, p, _ := dial(t)

	require.NoError(t, c.SendQuery("SELECT generate_series(1,3)"))
	require.NoError(t, c.SetSingleRowMode())
	flush(t, c, p)
	results := drain(t, c, p)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, pgwire.SingleTuple, r.Status)
		require.Len(t, r.Rows, 1)
		assert.Equal(t, []string{string(rune('1' + i))}, rowText(r))
		assert.Equal(t, []string{"generate_series"}, r.Columns())
	}

	// A statement without rows still reports completion.
	require.NoError(t, c.SendQuery("INSERT INTO t VALUES (1)"))
	require.NoError(t, c.SetSingleRowMode())
	flush(t, c, p)
	results = drain(t, c, p)
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.CommandOK, results[0].Status)
}

func TestSetSingleRowModeMisuse(t *testing.T) {
	c, p, _ := dial(t)

	err := c.SetSingleRowMode()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SendFailed))

	require.NoError(t, c.SendQuery("SELECT 1"))
	flush(t, c, p)
	require.NoError(t, p.Wait(poll.Readable, waitLimit))
	require.NoError(t, c.ConsumeInput())
	assert.Error(t, c.SetSingleRowMode())
	drain(t, c, p)
}

func TestServerErrorKeepsSessionUsable(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "SELEKT 1")
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, pgwire.FatalError, r.Status)
	assert.True(t, r.IsError())
	require.NotNil(t, r.Err)
	assert.Equal(t, "42601", r.Err.Code)
	assert.Contains(t, r.Err.Message, "SELEKT")

	results = exec(t, c, p, "SELECT 1")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.TuplesOK, results[0].Status)
}

func TestErrorAbortsRestOfBatch(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "SELEKT 1; SELECT 1")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.FatalError, results[0].Status)
}

func TestQueryParams(t *testing.T) {
	c, p, srv := dial(t)

	require.NoError(t, c.SendQueryParams("SELECT $1, $2", [][]byte{[]byte("a b"), nil}))
	flush(t, c, p)
	results := drain(t, c, p)

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, pgwire.TuplesOK, r.Status)
	require.Len(t, r.Rows, 1)
	assert.Equal(t, []byte("a b"), r.Rows[0][0])
	assert.Nil(t, r.Rows[0][1])

	vals, err := r.Values(nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a b", nil}, vals[0])

	queries := srv.Queries()
	require.Len(t, queries, 1)
	assert.True(t, queries[0].Extended)
	assert.Equal(t, [][]byte{[]byte("a b"), nil}, queries[0].Params)
}

func TestEmptyParamListUsesExtendedProtocol(t *testing.T) {
	c, p, srv := dial(t)

	require.NoError(t, c.SendQueryParams("SELECT 1", [][]byte{}))
	flush(t, c, p)
	results := drain(t, c, p)

	require.Len(t, results, 1)
	assert.Equal(t, pgwire.TuplesOK, results[0].Status)
	queries := srv.Queries()
	require.Len(t, queries, 1)
	assert.True(t, queries[0].Extended)
	assert.Empty(t, queries[0].Params)
}

func TestExtendedErrorSkipsToSync(t *testing.T) {
	c, p, _ := dial(t)

	require.NoError(t, c.SendQueryParams("SELEKT $1", [][]byte{[]byte("x")}))
	flush(t, c, p)
	results := drain(t, c, p)
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.FatalError, results[0].Status)

	results = exec(t, c, p, "SELECT 1")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.TuplesOK, results[0].Status)
}

func TestTooManyParams(t *testing.T) {
	c, _, _ := dial(t)

	err := c.SendQueryParams("SELECT 1", make([][]byte, pgwire.MaxParams+1))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SendFailed))
	assert.False(t, c.IsBusy())
}

func TestBusyRejectsSecondSend(t *testing.T) {
	c, p, _ := dial(t)

	require.NoError(t, c.SendQuery("SELECT 1"))
	err := c.SendQuery("SELECT 1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.SendFailed))

	flush(t, c, p)
	assert.Len(t, drain(t, c, p), 1)
}

func TestNoticesAndNotifications(t *testing.T) {
	c, p, _ := dial(t)
	rec := &recorder{}
	assert.Nil(t, c.SetEventHandler(rec))

	results := exec(t, c, p, "DO hello from a block")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.CommandOK, results[0].Status)
	require.Len(t, rec.notices, 1)
	assert.Equal(t, "hello from a block", rec.notices[0].Message)
	assert.Equal(t, "NOTICE", rec.notices[0].Severity)

	exec(t, c, p, "LISTEN jobs")
	exec(t, c, p, "NOTIFY jobs, 'ready'")
	require.Len(t, rec.notifications, 1)
	assert.Equal(t, "jobs", rec.notifications[0].Channel)
	assert.Equal(t, "ready", rec.notifications[0].Payload)
	assert.Equal(t, uint32(pgwiretest.BackendPID), rec.notifications[0].PID)

	assert.Same(t, rec, c.SetEventHandler(nil))
}

func TestNotificationWhileIdle(t *testing.T) {
	c, p, srv := dial(t)
	rec := &recorder{}
	c.SetEventHandler(rec)

	assert.ErrorIs(t, p.Wait(poll.Readable, 0), poll.ErrTimeout)

	srv.Push(func(w *pgwiretest.Responder) {
		w.Notify(7, "jobs", "payload")
		w.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "57P01", Message: "terminating connection due to administrator command"})
	})
	require.NoError(t, p.Wait(poll.Readable, waitLimit))
	for len(rec.notices) == 0 {
		require.NoError(t, c.ConsumeInput())
		if len(rec.notices) == 0 {
			require.NoError(t, p.Wait(poll.Readable, waitLimit))
		}
	}

	assert.False(t, c.IsBusy())
	assert.Nil(t, c.GetResult())
	require.Len(t, rec.notifications, 1)
	assert.Equal(t, uint32(7), rec.notifications[0].PID)
	assert.Equal(t, "57P01", rec.notices[0].Code)
}

func TestFlushPendingUnderBackpressure(t *testing.T) {
	c, p, _ := dial(t)

	literal := strings.Repeat("x", 8<<20)
	require.NoError(t, c.SendQuery("SELECT length('"+literal+"')"))
	sawPending := flush(t, c, p)
	results := drain(t, c, p)

	assert.True(t, sawPending, "an 8MiB statement should not fit in the socket buffer")
	require.Len(t, results, 1)
	assert.Equal(t, []string{"8388608"}, rowText(results[0]))
}

func TestPeerCloseMidResponse(t *testing.T) {
	c, p, _ := dial(t)

	require.NoError(t, c.SendQuery("SELECT pg_terminate_backend(pg_backend_pid())"))
	flush(t, c, p)

	var err error
	for err == nil {
		require.NoError(t, p.Wait(poll.Readable, waitLimit))
		err = c.ConsumeInput()
	}
	assert.True(t, apperr.Is(err, apperr.ConsumeFailed))
}

func TestUnsupportedCopyIsProtocolViolation(t *testing.T) {
	c, p, srv := dial(t)

	srv.Push(func(w *pgwiretest.Responder) {
		w.Send(&pgproto3.CopyInResponse{})
	})

	var err error
	for err == nil {
		require.NoError(t, p.Wait(poll.Readable, waitLimit))
		err = c.ConsumeInput()
	}
	assert.True(t, apperr.Is(err, apperr.ProtocolViolation))
}

func TestCopyOutIsDiscarded(t *testing.T) {
	c, p, _ := dial(t)

	results := exec(t, c, p, "COPY t TO STDOUT")
	require.Len(t, results, 1)
	assert.Equal(t, pgwire.CommandOK, results[0].Status)
	assert.Equal(t, "COPY 3", results[0].CommandTag.String())
	assert.Empty(t, results[0].Rows)

	results = exec(t, c, p, "SELECT 1")
	require.Len(t, results, 1)
	assert.Equal(t, []string{"1"}, rowText(results[0]))
}

func TestCloseSendsTerminate(t *testing.T) {
	c, _, srv := dial(t)

	require.NoError(t, c.Close())
	select {
	case <-srv.Done():
	case <-time.After(waitLimit):
		t.Fatal("backend did not observe Terminate")
	}

	require.Error(t, c.SendQuery("SELECT 1"))
	st, err := c.Flush()
	assert.Equal(t, pgwire.FlushError, st)
	assert.True(t, apperr.Is(err, apperr.FlushFailed))
	assert.True(t, apperr.Is(c.ConsumeInput(), apperr.ConsumeFailed))
	assert.NoError(t, c.Close())
}

func TestResultStatusString(t *testing.T) {
	assert.Equal(t, "TUPLES_OK", pgwire.TuplesOK.String())
	assert.Equal(t, "SINGLE_TUPLE", pgwire.SingleTuple.String())
	assert.Equal(t, "ResultStatus(0)", pgwire.ResultStatus(0).String())
	assert.Equal(t, "pending", pgwire.FlushPending.String())
}
