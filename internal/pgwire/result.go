// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package pgwire

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// ResultStatus classifies a Result.
type ResultStatus int

const (
	// EmptyQuery is produced for a statement consisting only of whitespace or comments.
	EmptyQuery ResultStatus = iota + 1
	// CommandOK is produced for a statement that returns no rows (INSERT, LISTEN, ...).
	CommandOK
	// TuplesOK is a complete, buffered row set.
	TuplesOK
	// SingleTuple is one row of a statement executed in single-row mode.
	SingleTuple
	// FatalError carries a server-side error. It ends the statement, not the session.
	FatalError
)

func (s ResultStatus) String() string {
	switch s {
	case EmptyQuery:
		return "EMPTY_QUERY"
	case CommandOK:
		return "COMMAND_OK"
	case TuplesOK:
		return "TUPLES_OK"
	case SingleTuple:
		return "SINGLE_TUPLE"
	case FatalError:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("ResultStatus(%d)", int(s))
	}
}

// Result is one outcome produced by a statement. Rows hold raw text-format values;
// a nil value is SQL NULL.
type Result struct {
	Status     ResultStatus
	Fields     []pgconn.FieldDescription
	Rows       [][][]byte
	CommandTag pgconn.CommandTag
	Err        *pgconn.PgError
}

// IsError reports whether the result carries a server error.
func (r *Result) IsError() bool {
	return r.Status == FatalError
}

// Columns returns the column names of the result.
func (r *Result) Columns() []string {
	cols := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Values decodes every row into Go values using the type map m (a fresh default map
// when nil). Values of types unknown to m are returned as strings.
func (r *Result) Values(m *pgtype.Map) ([][]any, error) {
	if m == nil {
		m = pgtype.NewMap()
	}
	out := make([][]any, len(r.Rows))
	for i, row := range r.Rows {
		if len(row) != len(r.Fields) {
			return nil, fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(r.Fields))
		}
		vals := make([]any, len(row))
		for j, raw := range row {
			if raw == nil {
				continue
			}
			fd := r.Fields[j]
			t, ok := m.TypeForOID(fd.DataTypeOID)
			if !ok {
				vals[j] = string(raw)
				continue
			}
			v, err := t.Codec.DecodeValue(m, fd.DataTypeOID, fd.Format, raw)
			if err != nil {
				return nil, fmt.Errorf("decode column %q of row %d: %w", fd.Name, i, err)
			}
			vals[j] = v
		}
		out[i] = vals
	}
	return out, nil
}
