// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package sqlexec turns statements executed by a runner into JSON documents suitable
// for a remote backend. A document has the shape
//
//	{"columns": [...], "rows": [[...], ...], "rows_affected": n, "error": "..."}
//
// Values are decoded from their text form with pgtype; UUIDs are rendered in canonical
// form and bytea as a \x hex string.
package sqlexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pgrunner/cli/internal/pgwire"
	"pgrunner/cli/internal/runner"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Result represents a normalized SQL result for JSON marshaling.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// MarshalJSON renders UUID and bytea values as strings.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	a := alias(r)
	if a.Columns == nil {
		a.Columns = []string{}
	}
	rows := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = make([]any, len(row))
		for j, v := range row {
			rows[i][j] = jsonValue(v)
		}
	}
	a.Rows = rows
	return json.Marshal(a)
}

func jsonValue(v any) any {
	switch v := v.(type) {
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
	case []byte:
		return fmt.Sprintf("\\x%x", v)
	default:
		return v
	}
}

// Logger is the subset of the application logger the executor uses.
type Logger = runner.Logger

// Executor executes SQL through a runner and reports JSON results.
type Executor struct {
	r   *runner.Runner
	log Logger
	// types is only used on the runner's dispatch goroutine.
	types *pgtype.Map
}

// New returns an executor submitting to r. log may be nil.
func New(r *runner.Runner, log Logger) *Executor {
	if log == nil {
		log = runner.Nop()
	}
	return &Executor{r: r, log: log, types: pgtype.NewMap()}
}

// Done is closed once the underlying runner has stopped.
func (e *Executor) Done() <-chan struct{} { return e.r.Done() }

// Err returns the failure that stopped the runner, or nil.
func (e *Executor) Err() error { return e.r.Err() }

// Outcome is the final report of one submitted statement.
type Outcome struct {
	Result Result
	JSON   string
	// Err is non-nil only when the connection failed before the statement finished.
	// Result.Error then carries the same error.
	Err error
}

// OK reports whether the statement ran without a server or connection error.
func (o Outcome) OK() bool { return o.Err == nil && o.Result.Error == "" }

// Submit queues sql and calls done once every result has arrived. params == nil uses
// the simple protocol. done runs on the runner's dispatch goroutine; a slow done
// delays every later delivery.
func (e *Executor) Submit(sql string, params [][]byte, streaming bool, done func(Outcome)) error {
	b := &builder{e: e, done: done, res: Result{Columns: []string{}, Rows: [][]any{}}}
	return e.r.Enqueue(sql, params, b, streaming)
}

// ExecuteSQL runs sql and waits for its JSON document. Server errors are reported in
// the document, not as err.
func (e *Executor) ExecuteSQL(ctx context.Context, sql string, params [][]byte) (string, error) {
	ch := make(chan Outcome, 1)
	if err := e.Submit(sql, params, false, func(o Outcome) { ch <- o }); err != nil {
		return "", err
	}
	select {
	case o := <-ch:
		return o.JSON, o.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// builder folds the results of one request into a Result. For a batch of statements
// the last row set wins, affected rows add up and the first error is kept.
type builder struct {
	e    *Executor
	res  Result
	rows int
	done func(Outcome)

	// fields of the row set being streamed; a new statement brings a new slice.
	fields []pgconn.FieldDescription
}

func (b *builder) Deliver(d runner.Delivery) {
	if d.End {
		if d.Err != nil && b.res.Error == "" {
			b.res.Error = d.Err.Error()
		}
		doc, err := json.Marshal(b.res)
		if err != nil {
			b.e.log.Error("marshal result", "err", err)
			doc, _ = json.Marshal(Result{Columns: []string{}, Rows: [][]any{}, Error: "JSON marshal error: " + err.Error()})
		}
		b.done(Outcome{Result: b.res, JSON: string(doc), Err: d.Err})
		return
	}
	b.add(d.Result)
}

func (b *builder) add(res *pgwire.Result) {
	switch res.Status {
	case pgwire.FatalError:
		if b.res.Error == "" {
			b.res.Error = res.Err.Error()
		}
	case pgwire.CommandOK:
		b.res.RowsAffected += res.CommandTag.RowsAffected()
	case pgwire.TuplesOK, pgwire.SingleTuple:
		vals, err := res.Values(b.e.types)
		if err != nil {
			if b.res.Error == "" {
				b.res.Error = err.Error()
			}
			return
		}
		if res.Status == pgwire.SingleTuple && b.rows > 0 && sameFields(b.fields, res.Fields) {
			b.res.Rows = append(b.res.Rows, vals...)
			b.rows += len(vals)
			return
		}
		b.res.Columns = res.Columns()
		b.res.Rows = append([][]any{}, vals...)
		b.rows = len(vals)
		b.fields = res.Fields
	}
}

// sameFields reports whether a and b describe the same row set, not merely equal
// columns.
func sameFields(a, b []pgconn.FieldDescription) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// EncodeParams converts JSON-like values into text-format parameters. nil becomes SQL
// NULL; strings, booleans and numbers use their PostgreSQL text form.
func EncodeParams(values []any) ([][]byte, error) {
	if values == nil {
		return nil, nil
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case nil:
		case string:
			out[i] = []byte(v)
		case bool:
			out[i] = strconv.AppendBool(nil, v)
		case float64:
			out[i] = strconv.AppendFloat(nil, v, 'f', -1, 64)
		case int64:
			out[i] = strconv.AppendInt(nil, v, 10)
		case int:
			out[i] = strconv.AppendInt(nil, int64(v), 10)
		default:
			return nil, fmt.Errorf("parameter %d: unsupported type %T", i+1, v)
		}
	}
	return out, nil
}
