// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package sqlexec_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperr "pgrunner/cli/internal/errors"
	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/pgwire/pgwiretest"
	"pgrunner/cli/internal/runner"
	"pgrunner/cli/internal/sqlexec"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected"`
	Error        string   `json:"error"`
}

// typedHandler adds a row of uuid, bytea, int4 and NULL values to the default repertoire.
func typedHandler(q pgwiretest.Query, w *pgwiretest.Responder) {
	if strings.EqualFold(strings.TrimSpace(q.SQL), "select typed") {
		w.Columns(
			pgwiretest.Column{Name: "id", OID: pgtype.UUIDOID},
			pgwiretest.Column{Name: "data", OID: pgtype.ByteaOID},
			pgwiretest.Column{Name: "n", OID: pgtype.Int4OID},
			pgwiretest.Column{Name: "note", OID: pgtype.TextOID},
		)
		w.RawRow([]byte("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"), []byte(`\x0102ff`), []byte("7"), nil)
		w.Complete("SELECT 1")
		return
	}
	pgwiretest.DefaultHandler(q, w)
}

func newExecutor(t *testing.T) *sqlexec.Executor {
	t.Helper()
	skipRace(t)
	srv := pgwiretest.Start(t, typedHandler)
	conn, err := pgwire.NewConn(srv.ClientFD, pgwire.Options{})
	require.NoError(t, err)
	r, err := runner.New(conn, runner.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return sqlexec.New(r, nil)
}

func execute(t *testing.T, e *sqlexec.Executor, sql string, params [][]byte) document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := e.ExecuteSQL(ctx, sql, params)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc), raw)
	return doc
}

func TestExecuteSQLSelect(t *testing.T) {
	doc := execute(t, newExecutor(t), "SELECT 1", nil)
	assert.Equal(t, []string{"?column?"}, doc.Columns)
	assert.Equal(t, [][]any{{float64(1)}}, doc.Rows)
	assert.Empty(t, doc.Error)
}

func TestExecuteSQLRendersTypes(t *testing.T) {
	doc := execute(t, newExecutor(t), "select typed", nil)
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, []any{"a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", `\x0102ff`, float64(7), nil}, doc.Rows[0])
}

func TestExecuteSQLServerErrorIsInDocument(t *testing.T) {
	doc := execute(t, newExecutor(t), "bogus statement", nil)
	assert.Contains(t, doc.Error, "syntax error")
	assert.Contains(t, doc.Error, "42601")
	assert.Empty(t, doc.Rows)
	assert.Equal(t, []string{}, doc.Columns)
}

func TestExecuteSQLRowsAffected(t *testing.T) {
	doc := execute(t, newExecutor(t), "INSERT INTO t VALUES (1)", nil)
	assert.Equal(t, int64(1), doc.RowsAffected)
	assert.Empty(t, doc.Rows)
}

func TestBatchKeepsLastRowSet(t *testing.T) {
	doc := execute(t, newExecutor(t), "insert into t values (1); select generate_series(1,3)", nil)
	assert.Equal(t, []string{"generate_series"}, doc.Columns)
	assert.Len(t, doc.Rows, 3)
	assert.Equal(t, int64(1), doc.RowsAffected)
}

func TestParams(t *testing.T) {
	params, err := sqlexec.EncodeParams([]any{"abc", nil})
	require.NoError(t, err)
	doc := execute(t, newExecutor(t), "select $1, $2", params)
	assert.Equal(t, [][]any{{"abc", nil}}, doc.Rows)
}

func TestSubmitStreaming(t *testing.T) {
	e := newExecutor(t)
	ch := make(chan string, 1)
	require.NoError(t, e.Submit("select generate_series(1,5)", nil, true, func(o sqlexec.Outcome) {
		assert.True(t, o.OK())
		assert.Len(t, o.Result.Rows, 5)
		ch <- o.JSON
	}))

	select {
	case raw := <-ch:
		var doc document
		require.NoError(t, json.Unmarshal([]byte(raw), &doc))
		assert.Len(t, doc.Rows, 5)
		assert.Equal(t, float64(5), doc.Rows[4][0])
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
}

func TestStreamingBatchKeepsLastRowSet(t *testing.T) {
	e := newExecutor(t)
	tests := []struct {
		name    string
		sql     string
		columns []string
		rows    int
	}{
		{name: "different columns", sql: "select generate_series(1,3); select typed", columns: []string{"id", "data", "n", "note"}, rows: 1},
		{name: "same columns", sql: "select generate_series(1,3); select generate_series(5,6)", columns: []string{"generate_series"}, rows: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan sqlexec.Outcome, 1)
			require.NoError(t, e.Submit(tt.sql, nil, true, func(o sqlexec.Outcome) { ch <- o }))
			select {
			case o := <-ch:
				require.True(t, o.OK(), o.JSON)
				assert.Equal(t, tt.columns, o.Result.Columns)
				assert.Len(t, o.Result.Rows, tt.rows)
			case <-time.After(5 * time.Second):
				t.Fatal("no result")
			}
		})
	}
}

func TestConnectionLossIsReported(t *testing.T) {
	e := newExecutor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := e.ExecuteSQL(ctx, "select pg_terminate_backend(1)", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.WorkerStopped))
	assert.Contains(t, raw, "worker_stopped")
}

func TestOutcomeOK(t *testing.T) {
	e := newExecutor(t)
	ch := make(chan sqlexec.Outcome, 2)
	require.NoError(t, e.Submit("SELECT 1", nil, false, func(o sqlexec.Outcome) { ch <- o }))
	require.NoError(t, e.Submit("nonsense", nil, false, func(o sqlexec.Outcome) { ch <- o }))

	first, second := <-ch, <-ch
	assert.True(t, first.OK())
	assert.False(t, second.OK())
	assert.NoError(t, second.Err)
}

func TestEncodeParams(t *testing.T) {
	got, err := sqlexec.EncodeParams([]any{"x", true, 1.5, float64(42), int64(-3), 7, nil})
	require.NoError(t, err)
	want := [][]byte{[]byte("x"), []byte("true"), []byte("1.5"), []byte("42"), []byte("-3"), []byte("7"), nil}
	assert.Equal(t, want, got)

	none, err := sqlexec.EncodeParams(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = sqlexec.EncodeParams([]any{map[string]any{}})
	assert.Error(t, err)
}
