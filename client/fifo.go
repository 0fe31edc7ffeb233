// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"container/list"
	"sync"
)

// fifo is an unbounded multi producer queue.  Consumers wait on Signal,
// which fires at least once after every Push.
type fifo struct {
	sync.Mutex

	l      *list.List
	signal chan struct{}
}

func newFIFO() *fifo {
	return &fifo{
		l:      list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v and returns the new length.
func (q *fifo) Push(v interface{}) int {
	q.Lock()
	q.l.PushBack(v)
	n := q.l.Len()
	q.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return n
}

// Pop removes the oldest value, if any.
func (q *fifo) Pop() (interface{}, bool) {
	q.Lock()
	defer q.Unlock()
	e := q.l.Front()
	if e == nil {
		return nil, false
	}
	return q.l.Remove(e), true
}

func (q *fifo) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.l.Len()
}

func (q *fifo) Signal() <-chan struct{} {
	return q.signal
}
