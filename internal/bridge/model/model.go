// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package model defines the transport-agnostic messages exchanged with a bridge
// backend: SQL tasks coming in, their JSON results going back, and informational
// events the backend wants shown to the operator.
package model

// SQLTask is one statement the backend asks pgrunner to execute.
type SQLTask struct {
	RequestID    string
	SQLStatement string
	// Params selects the extended protocol when non-nil. Elements are strings,
	// numbers, booleans or nil for SQL NULL.
	Params    []any
	Streaming bool
}

// SQLResponse is the result of executing an SQLTask.
type SQLResponse struct {
	RequestID  string
	Success    bool
	ResultJSON string
}

// Event is a message from the backend meant for the operator.
type Event struct {
	Type    string
	Message string
}
