// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package runner

import (
	"testing"
	"time"

	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/poll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// scriptedHandle fails at a chosen step. Its socket is one end of a socket pair with a
// byte waiting, so it is always writable and always readable.
type scriptedHandle struct {
	fd       int
	sendErr  error
	flushErr error
	closed   bool
	sent     []string

	// pending is how many flushes report a partial write before one succeeds.
	pending int
	flushes int
	results []*pgwire.Result
}

func newScriptedHandle(t *testing.T) *scriptedHandle {
	t.Helper()
	skipRace(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })
	_, err = unix.Write(fds[1], []byte{0})
	require.NoError(t, err)
	return &scriptedHandle{fd: fds[0]}
}

func (h *scriptedHandle) Socket() int { return h.fd }

func (h *scriptedHandle) SendQuery(sql string) error {
	h.sent = append(h.sent, sql)
	return h.sendErr
}

func (h *scriptedHandle) SendQueryParams(sql string, _ [][]byte) error { return h.SendQuery(sql) }
func (h *scriptedHandle) SetSingleRowMode() error                      { return nil }

func (h *scriptedHandle) Flush() (pgwire.FlushStatus, error) {
	h.flushes++
	if h.flushErr != nil {
		return pgwire.FlushError, h.flushErr
	}
	if h.pending > 0 {
		h.pending--
		return pgwire.FlushPending, nil
	}
	return pgwire.Flushed, nil
}

func (h *scriptedHandle) ConsumeInput() error { return nil }
func (h *scriptedHandle) IsBusy() bool        { return false }
func (h *scriptedHandle) SetEventHandler(pgwire.EventHandler) pgwire.EventHandler { return nil }

func (h *scriptedHandle) GetResult() *pgwire.Result {
	if len(h.results) == 0 {
		return nil
	}
	res := h.results[0]
	h.results = h.results[1:]
	return res
}

func (h *scriptedHandle) Close() error {
	h.closed = true
	return unix.Close(h.fd)
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestSendFailureIsFatal(t *testing.T) {
	h := newScriptedHandle(t)
	h.sendErr = apperr.New(apperr.SendFailed, "encode statement")
	r, err := New(h, Options{})
	require.NoError(t, err)

	ch := make(chan Delivery, 1)
	require.NoError(t, r.Enqueue("SELECT 1", nil, ChanSink(ch), false))
	waitDone(t, r)

	d := <-ch
	assert.True(t, d.End)
	assert.Nil(t, d.Result)
	assert.True(t, apperr.Is(d.Err, apperr.SendFailed))
	assert.True(t, apperr.Is(r.Err(), apperr.SendFailed))
	assert.True(t, h.closed)
}

func TestFlushFailureIsFatal(t *testing.T) {
	h := newScriptedHandle(t)
	h.flushErr = apperr.New(apperr.FlushFailed, "write socket")
	r, err := New(h, Options{ProbeTimeout: -1})
	require.NoError(t, err)

	ch := make(chan Delivery, 1)
	require.NoError(t, r.Enqueue("SELECT 1", nil, ChanSink(ch), false))
	waitDone(t, r)

	d := <-ch
	assert.True(t, apperr.Is(d.Err, apperr.FlushFailed))
	assert.ErrorIs(t, r.Enqueue("SELECT 1", nil, ChanSink(ch), false), ErrStopped)
}

// countingPoller counts writable waits on a real poller.
type countingPoller struct {
	Poller
	writable int
}

func (p *countingPoller) Wait(interest poll.Interest, timeout time.Duration) error {
	if interest == poll.Writable {
		p.writable++
	}
	return p.Poller.Wait(interest, timeout)
}

func TestPartialFlushWaitsForWritableAndRetries(t *testing.T) {
	h := newScriptedHandle(t)
	h.pending = 3
	h.results = []*pgwire.Result{{Status: pgwire.CommandOK}}
	pp, err := poll.New(h.fd)
	require.NoError(t, err)
	p := &countingPoller{Poller: pp}
	r, err := New(h, Options{Poller: p, ProbeTimeout: -1})
	require.NoError(t, err)

	ch := make(chan Delivery, 2)
	require.NoError(t, r.Enqueue("SELECT 1", nil, ChanSink(ch), false))
	d := <-ch
	require.False(t, d.End)
	assert.Equal(t, pgwire.CommandOK, d.Result.Status)
	d = <-ch
	assert.True(t, d.End)
	assert.NoError(t, d.Err)

	r.Close()
	waitDone(t, r)
	assert.NoError(t, r.Err())
	assert.Equal(t, 4, h.flushes)
	assert.Equal(t, 4, p.writable)
}

func TestEmptyResponseEndsRequest(t *testing.T) {
	h := newScriptedHandle(t)
	r, err := New(h, Options{})
	require.NoError(t, err)

	ch := make(chan Delivery, 2)
	require.NoError(t, r.Enqueue("SELECT 1", [][]byte{}, ChanSink(ch), true))
	d := <-ch
	assert.True(t, d.End)
	assert.NoError(t, d.Err)

	r.Close()
	waitDone(t, r)
	assert.NoError(t, r.Err())
	assert.Equal(t, []string{"SELECT 1"}, h.sent)
}

// failingPoller reports a wait failure for every call.
type failingPoller struct{ closed bool }

func (p *failingPoller) Wait(poll.Interest, time.Duration) error {
	return apperr.New(apperr.PollFailed, "wait for writable")
}

func (p *failingPoller) Close() error {
	p.closed = true
	return nil
}

func TestPollFailureIsFatal(t *testing.T) {
	h := newScriptedHandle(t)
	p := &failingPoller{}
	r, err := New(h, Options{Poller: p})
	require.NoError(t, err)

	ch := make(chan Delivery, 1)
	require.NoError(t, r.Enqueue("SELECT 1", nil, ChanSink(ch), false))
	waitDone(t, r)

	d := <-ch
	assert.True(t, apperr.Is(d.Err, apperr.PollFailed))
	assert.Empty(t, h.sent)
	assert.True(t, p.closed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "draining", draining.String())
	assert.Equal(t, "await_writable", awaitWritable.String())
	assert.Equal(t, "unknown", state(42).String())
}

func TestCeilPow2(t *testing.T) {
	for in, want := range map[int]int{0: 2, 1: 2, 2: 2, 3: 4, 1000: 1024, 1024: 1024} {
		assert.Equal(t, want, ceilPow2(in), "ceilPow2(%d)", in)
	}
}
