// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"
	"sync/atomic"

	"github.com/katzenpost/mixclient/core/queue"
	"github.com/katzenpost/mixclient/sphinx"
)

const pendingAckShards = 32

// pendingAck is an unacknowledged fragment.
type pendingAck struct {
	id              FragmentID
	fragment        *Fragment
	recipient       Recipient
	size            sphinx.PacketSize
	retransmissions int

	// timer is the outstanding retransmission timer, nil while the
	// fragment waits to be (re)sent.
	timer *queue.Entry
}

type pendingAckShard struct {
	sync.Mutex
	m map[FragmentID]*pendingAck
}

// pendingAcks is the set of unacknowledged fragments, sharded so that ack
// processing and retransmission never contend on a single lock.
type pendingAcks struct {
	shards [pendingAckShards]pendingAckShard
	count  atomic.Int64
}

func newPendingAcks() *pendingAcks {
	p := new(pendingAcks)
	for i := range p.shards {
		p.shards[i].m = make(map[FragmentID]*pendingAck)
	}
	return p
}

func (p *pendingAcks) shard(id FragmentID) *pendingAckShard {
	h := id.MessageID ^ (uint64(id.Index) * 0x9e3779b97f4a7c15)
	return &p.shards[h%pendingAckShards]
}

func (p *pendingAcks) insert(a *pendingAck) {
	s := p.shard(a.id)
	s.Lock()
	if _, ok := s.m[a.id]; !ok {
		p.count.Add(1)
	}
	s.m[a.id] = a
	s.Unlock()
}

// remove deletes and returns the record for id, or nil if there is none.
func (p *pendingAcks) remove(id FragmentID) *pendingAck {
	s := p.shard(id)
	s.Lock()
	defer s.Unlock()
	a, ok := s.m[id]
	if !ok {
		return nil
	}
	delete(s.m, id)
	p.count.Add(-1)
	return a
}

func (p *pendingAcks) contains(id FragmentID) bool {
	s := p.shard(id)
	s.Lock()
	defer s.Unlock()
	_, ok := s.m[id]
	return ok
}

// update calls fn with the record for id under the shard lock, and
// returns false if there is no such record.
func (p *pendingAcks) update(id FragmentID, fn func(*pendingAck)) bool {
	s := p.shard(id)
	s.Lock()
	defer s.Unlock()
	a, ok := s.m[id]
	if !ok {
		return false
	}
	fn(a)
	return true
}

func (p *pendingAcks) Len() int {
	return int(p.count.Load())
}
