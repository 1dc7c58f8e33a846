// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package runner

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// dispatcher runs sink callbacks on its own goroutine so the worker never waits for a
// submitter. The worker is the only producer, which lets the hand-off be a bounded
// lock-free SPSC ring; the consumer parks on wake when the ring is empty.
type dispatcher struct {
	q    lfq.SPSC[func()]
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newDispatcher(capacity int) *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.q.Init(ceilPow2(capacity))
	go d.run()
	return d
}

// post queues fn. It must only be called from the worker goroutine. When the ring is
// full the worker backs off until the consumer catches up; nothing is dropped.
func (d *dispatcher) post(fn func()) {
	var bo iox.Backoff
	for d.q.Enqueue(&fn) != nil {
		d.signal()
		bo.Wait()
	}
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.drain()
		select {
		case <-d.wake:
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		fn, err := d.q.Dequeue()
		if err != nil {
			return
		}
		fn()
	}
}

// close runs everything still queued and waits for the goroutine to exit. No post may
// follow.
func (d *dispatcher) close() {
	close(d.stop)
	<-d.done
}

func ceilPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
