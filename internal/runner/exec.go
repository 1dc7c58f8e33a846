// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package runner

import (
	"context"
	"sync"

	"pgrunner/cli/internal/pgwire"
)

// collector gathers the results of one request without ever blocking the dispatcher.
type collector struct {
	mu      sync.Mutex
	results []*pgwire.Result
	err     error
	done    chan struct{}
}

func (c *collector) Deliver(d Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.End {
		c.err = d.Err
		close(c.done)
		return
	}
	c.results = append(c.results, d.Result)
}

// Exec submits query and waits for all of its results. Server errors are returned as
// FatalError results, not as err. If ctx ends first the statement still runs to
// completion on the worker; only the wait is abandoned.
func Exec(ctx context.Context, r *Runner, query string, params [][]byte) ([]*pgwire.Result, error) {
	c := &collector{done: make(chan struct{})}
	if err := r.Enqueue(query, params, c, false); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results, c.err
}
