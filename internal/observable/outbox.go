// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package observable

import "sync"

// outbox runs deliveries to one subscriber in the order they were queued,
// one at a time and outside of any cache lock. A goroutine drains the queue
// while it is non-empty and exits when it runs dry.
type outbox struct {
	lock    sync.Mutex
	queue   []func()
	running bool
}

func (o *outbox) push(fn func()) {
	o.lock.Lock()
	o.queue = append(o.queue, fn)
	if o.running {
		o.lock.Unlock()
		return
	}
	o.running = true
	o.lock.Unlock()
	go o.drain()
}

func (o *outbox) drain() {
	for {
		o.lock.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.lock.Unlock()
			return
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.lock.Unlock()
		fn()
	}
}
