// priority_queue_test.go - Tests for priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deadlines returns n shuffled retransmission deadlines, one millisecond
// apart.
func deadlines(n int, seed int64) []uint64 {
	base := uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	d := make([]uint64, n)
	for i := range d {
		d[i] = base + uint64(i)*uint64(time.Millisecond)
	}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(n, func(i, j int) { d[i], d[j] = d[j], d[i] })
	return d
}

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	require.Nil(q.Peek())
	require.Nil(q.PopMin())

	in := deadlines(64, 1)
	for i, d := range in {
		q.Enqueue(d, i)
	}
	require.Equal(len(in), q.Len())

	sorted := append([]uint64(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, want := range sorted {
		require.Equal(want, q.Peek().Priority)
		e := q.PopMin()
		require.Equal(want, e.Priority)
		require.Equal(in[e.Value.(int)], e.Priority)
		require.False(e.Queued())
	}
	require.Zero(q.Len())
	require.Nil(q.Pop())
}

func TestPriorityQueueRemove(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	in := deadlines(32, 23)
	entries := make([]*Entry, len(in))
	for i, d := range in {
		entries[i] = q.Enqueue(d, i)
		require.True(entries[i].Queued())
	}

	// Cancel every other timer, in insertion order.
	var cancelled int
	for i, e := range entries {
		if i%2 == 0 {
			require.True(q.Remove(e))
			require.False(e.Queued())
			require.False(q.Remove(e), "double remove")
			cancelled++
		}
	}
	require.Equal(len(in)-cancelled, q.Len())

	var last uint64
	for q.Len() > 0 {
		e := q.PopMin()
		require.Equal(1, e.Value.(int)%2)
		require.GreaterOrEqual(e.Priority, last)
		last = e.Priority
		require.False(q.Remove(e), "remove after pop")
	}
	require.False(q.Remove(nil))

	// An entry from another queue is never removed.
	other := New()
	foreign := other.Enqueue(1, nil)
	q.Enqueue(1, nil)
	require.False(q.Remove(foreign))
	require.Equal(1, other.Len())
}

func TestPriorityQueueEqualDeadlines(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	q.Enqueue(20, "b")
	q.Enqueue(1, "a")
	q.Enqueue(20, "c")

	require.Equal("a", q.PopMin().Value)
	rest := []interface{}{q.PopMin().Value, q.PopMin().Value}
	require.ElementsMatch([]interface{}{"b", "c"}, rest)
	require.Zero(q.Len())
}
