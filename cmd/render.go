// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"strings"

	"pgrunner/cli/internal/logging"
	"pgrunner/cli/internal/pgwire"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pterm/pterm"
)

var nullText = pterm.NewStyle(pterm.FgGray).Sprint("NULL")

// resultPrinter renders the results of one statement. Streamed rows are printed one
// line each, under a header printed once.
type resultPrinter struct {
	headerShown bool
	streamed    int
}

func (p *resultPrinter) print(res *pgwire.Result) {
	switch res.Status {
	case pgwire.EmptyQuery:
		pterm.Println(pterm.NewStyle(pterm.FgGray).Sprint("(empty query)"))
	case pgwire.CommandOK:
		pterm.Println(res.CommandTag.String())
	case pgwire.FatalError:
		pterm.Error.Println(formatPgError(res.Err))
	case pgwire.TuplesOK:
		data := pterm.TableData{res.Columns()}
		for _, row := range res.Rows {
			data = append(data, rowText(row))
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		pterm.Println(res.CommandTag.String())
	case pgwire.SingleTuple:
		if !p.headerShown {
			pterm.Println(pterm.NewStyle(pterm.Bold).Sprint(strings.Join(res.Columns(), " | ")))
			p.headerShown = true
		}
		for _, row := range res.Rows {
			pterm.Println(strings.Join(rowText(row), " | "))
			p.streamed++
		}
	}
}

// done prints the footer of a streamed statement.
func (p *resultPrinter) done() {
	if p.headerShown {
		pterm.Printf("(%d rows)\n", p.streamed)
	}
}

func rowText(row [][]byte) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			out[i] = nullText
			continue
		}
		out[i] = string(v)
	}
	return out
}

func formatPgError(e *pgconn.PgError) string {
	var b strings.Builder
	b.WriteString(e.Severity + ": " + e.Message + " (SQLSTATE " + e.Code + ")")
	if e.Detail != "" {
		b.WriteString("\nDETAIL: " + e.Detail)
	}
	if e.Hint != "" {
		b.WriteString("\nHINT: " + e.Hint)
	}
	return logging.Mask(b.String())
}

func printNotice(n *pgconn.Notice) {
	pterm.Info.Println(n.Severity + ": " + n.Message)
}

func printNotification(n *pgconn.Notification) {
	if n.Payload == "" {
		pterm.Printf("notification on %q from pid %d\n", n.Channel, n.PID)
		return
	}
	pterm.Printf("notification on %q from pid %d: %s\n", n.Channel, n.PID, n.Payload)
}
