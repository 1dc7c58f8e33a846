// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"fmt"
	"slices"

	"pgrunner/cli/internal/runner"
	"pgrunner/cli/internal/sqlexec"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	queryStream     bool
	queryExtended   bool
	queryParams     []string
	queryNullParams []int
	queryJSON       bool
)

// queryCmd submits every argument as one request through a single runner.
var queryCmd = &cobra.Command{
	Use:   "query SQL...",
	Short: "Run SQL statements and print their results",
	Long: `The query command submits each argument, in order, to one query runner and prints
every result as it is delivered. An argument may hold several statements separated
by semicolons unless parameters are given.

With --param (or --null-param, or --extended) statements are sent with the extended
protocol and $1, $2, ... refer to the parameters. --null-param N sends parameter N,
which must come after the --param values, as NULL. With --stream rows are printed one by one as they arrive. With --json each
statement prints one JSON document {columns, rows, rows_affected, error} instead.`,
	Example: `  pgrunner query 'SELECT now()' 'SELECT count(*) FROM pg_class'
  pgrunner query --stream 'SELECT generate_series(1, 1000000)'
  pgrunner query --param 42 --null-param 2 'SELECT $1::int, $2::text'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := buildParams(queryParams, queryNullParams, queryExtended)
		if err != nil {
			return err
		}
		res, err := resolveDSN()
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context(), res.DSN, nil)
		if err != nil {
			return err
		}
		defer s.close()
		_ = s.r.SetEventSink(runner.EventFuncs{OnNotice: printNotice, OnNotification: printNotification})
		if queryJSON {
			return queryDocuments(cmd.Context(), s, args, params)
		}

		ch := make(chan runner.Delivery, 64)
		returned := make(chan struct{})
		defer close(returned)
		sink := dropAfter(ch, returned)
		for _, sql := range args {
			if err := s.r.Enqueue(sql, params, sink, queryStream); err != nil {
				return err
			}
		}

		failed := 0
		p := &resultPrinter{}
		for remaining := len(args); remaining > 0; {
			var d runner.Delivery
			select {
			case d = <-ch:
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			if d.End {
				p.done()
				p = &resultPrinter{}
				remaining--
				if d.Err != nil {
					return d.Err
				}
				continue
			}
			if d.Result.IsError() {
				failed++
			}
			p.print(d.Result)
		}
		if failed > 0 {
			return fmt.Errorf("%d statement(s) failed", failed)
		}
		return s.close()
	},
}

// dropAfter forwards deliveries to ch until stop is closed and discards them from
// then on, so the dispatcher is never stuck on a command that has already returned.
func dropAfter(ch chan<- runner.Delivery, stop <-chan struct{}) runner.Sink {
	return runner.SinkFunc(func(d runner.Delivery) {
		select {
		case ch <- d:
		case <-stop:
		}
	})
}

// queryDocuments prints the JSON document of each statement in order.
func queryDocuments(ctx context.Context, s *session, args []string, params [][]byte) error {
	exec := sqlexec.New(s.r, logger)
	for _, sql := range args {
		doc, err := exec.ExecuteSQL(ctx, sql, params)
		if err != nil {
			return err
		}
		pterm.Println(doc)
	}
	return s.close()
}

// buildParams returns nil for the simple protocol, otherwise the parameter list with
// the positions in nulls (1-based) set to NULL. A null position may not name a
// parameter that has a value.
func buildParams(values []string, nulls []int, extended bool) ([][]byte, error) {
	n := len(values)
	for _, pos := range nulls {
		if pos < 1 {
			return nil, fmt.Errorf("--null-param %d: positions start at 1", pos)
		}
		if pos <= len(values) {
			return nil, fmt.Errorf("--null-param %d: parameter $%d already has a --param value", pos, pos)
		}
		n = max(n, pos)
	}
	if n == 0 {
		if extended {
			return [][]byte{}, nil
		}
		return nil, nil
	}
	params := make([][]byte, n)
	for i, v := range values {
		params[i] = []byte(v)
	}
	for _, pos := range nulls {
		params[pos-1] = nil
	}
	for i := len(values); i < n; i++ {
		if !slices.Contains(nulls, i+1) {
			return nil, fmt.Errorf("parameter $%d has no value", i+1)
		}
	}
	return params, nil
}

func init() {
	rootCmd.AddCommand(queryCmd)
	f := queryCmd.Flags()
	f.BoolVar(&queryStream, "stream", false, "Print rows one by one as they arrive")
	f.BoolVar(&queryExtended, "extended", false, "Use the extended protocol even without parameters")
	f.StringArrayVar(&queryParams, "param", nil, "Text value of the next parameter ($1, $2, ...)")
	f.IntSliceVar(&queryNullParams, "null-param", nil, "Position of a parameter to send as NULL")
	f.BoolVar(&queryJSON, "json", false, "Print one JSON document per statement")
	queryCmd.MarkFlagsMutuallyExclusive("json", "stream")
}
