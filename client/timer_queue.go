// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"
	"time"

	"github.com/katzenpost/mixclient/core/queue"
	"github.com/katzenpost/mixclient/core/worker"
)

// timerQueue calls action with each pushed value once its deadline has
// passed.  Entries may be removed before they fire.
type timerQueue struct {
	worker.Worker

	mutex sync.Mutex
	queue *queue.PriorityQueue

	action func(interface{})

	// wakeCh has a buffer of one so a Push never blocks on the worker.
	wakeCh chan struct{}
}

func newTimerQueue(action func(interface{})) *timerQueue {
	return &timerQueue{
		queue:  queue.New(),
		action: action,
		wakeCh: make(chan struct{}, 1),
	}
}

func (t *timerQueue) Start() {
	t.Go(t.worker)
}

func (t *timerQueue) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.Len()
}

// Push schedules value for deadline, and returns the entry for Remove.
func (t *timerQueue) Push(deadline time.Time, value interface{}) *queue.Entry {
	t.mutex.Lock()
	e := t.queue.Enqueue(uint64(deadline.UnixNano()), value)
	t.mutex.Unlock()
	t.wakeup()
	return e
}

// Remove cancels a pending entry, and returns false if it already fired.
func (t *timerQueue) Remove(e *queue.Entry) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.Remove(e)
}

func (t *timerQueue) wakeup() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// pop returns the head of the queue if it is due, otherwise the time left
// until it is.
func (t *timerQueue) pop() (interface{}, time.Duration, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	m := t.queue.Peek()
	if m == nil {
		return nil, -1, false
	}
	timeLeft := time.Duration(int64(m.Priority) - time.Now().UnixNano())
	if timeLeft > 0 {
		return nil, timeLeft, false
	}
	return t.queue.PopMin().Value, 0, true
}

func (t *timerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		v, timeLeft, ok := t.pop()
		if ok {
			t.action(v)
			continue
		}

		var c <-chan time.Time
		if timeLeft > 0 {
			timer.Reset(timeLeft)
			c = timer.C
		}
		select {
		case <-t.HaltCh():
			return
		case <-c:
		case <-t.wakeCh:
			timer.Stop()
		}
	}
}
