// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package pgwire

import "github.com/jackc/pgx/v5/pgconn"

// NoticeHandler receives server notices (RAISE NOTICE, warnings, idle-time errors).
type NoticeHandler interface {
	HandleNotice(n *pgconn.Notice)
}

// NotificationHandler receives LISTEN/NOTIFY notifications.
type NotificationHandler interface {
	HandleNotification(n *pgconn.Notification)
}

// EventHandler is called from inside ConsumeInput, on whatever goroutine drives the
// Conn. Implementations must not call back into the Conn.
type EventHandler interface {
	NoticeHandler
	NotificationHandler
}

type discardEvents struct{}

func (discardEvents) HandleNotice(*pgconn.Notice)             {}
func (discardEvents) HandleNotification(*pgconn.Notification) {}
