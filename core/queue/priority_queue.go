// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue whose entries can be removed
// after insertion.
package queue

import "container/heap"

// Entry is a queued value.  Priority is usually a deadline in unix
// nanoseconds.
type Entry struct {
	Value    interface{}
	Priority uint64

	// idx is the position in the heap, -1 once the entry left the queue.
	idx int
}

// Queued returns true while the entry is held by a queue.
func (e *Entry) Queued() bool {
	return e.idx >= 0
}

// PriorityQueue is a min-heap of entries.  It is not safe for concurrent
// use.
type PriorityQueue struct {
	entries []*Entry
}

// New returns an empty queue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Len implements heap.Interface.
func (q *PriorityQueue) Len() int {
	return len(q.entries)
}

// Less implements heap.Interface.
func (q *PriorityQueue) Less(i, j int) bool {
	return q.entries[i].Priority < q.entries[j].Priority
}

// Swap implements heap.Interface.
func (q *PriorityQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].idx, q.entries[j].idx = i, j
}

// Push implements heap.Interface, use Enqueue instead.
func (q *PriorityQueue) Push(x interface{}) {
	e := x.(*Entry)
	e.idx = len(q.entries)
	q.entries = append(q.entries, e)
}

// Pop implements heap.Interface, use PopMin instead.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.entries)
	if n == 0 {
		return nil
	}
	e := q.entries[n-1]
	q.entries[n-1] = nil
	q.entries = q.entries[:n-1]
	e.idx = -1
	return e
}

// Enqueue adds value with priority and returns its entry, for Remove.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) *Entry {
	e := &Entry{Value: value, Priority: priority}
	heap.Push(q, e)
	return e
}

// Peek returns the entry with the lowest priority without removing it.
// Callers must not modify its Priority.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// PopMin removes and returns the entry with the lowest priority.
func (q *PriorityQueue) PopMin() *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Remove takes e out of the queue, and returns false if e is not queued
// here.
func (q *PriorityQueue) Remove(e *Entry) bool {
	if e == nil || e.idx < 0 || e.idx >= len(q.entries) || q.entries[e.idx] != e {
		return false
	}
	heap.Remove(q, e.idx)
	return true
}
