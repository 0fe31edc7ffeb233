// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
	"github.com/katzenpost/mixclient/replykey"
	"github.com/katzenpost/mixclient/sphinx"
)

const (
	// 4 Mbit, roughly 146k completed message ids before a reset.
	completedFilterMLn2 = 22
	completedFilterP    = 1e-6
)

var errSessionLost = errors.New("client: gateway session closed")

type reassemblyEntry struct {
	id        uint64
	total     uint16
	fragments map[uint16]*Fragment
	deadline  time.Time
	node      *avl.Node
}

// Receiver is a registered consumer of reconstructed messages.
type Receiver struct {
	// C yields messages.  A message taken from C has been delivered.
	C <-chan *ReconstructedMessage

	// Done is closed when the receiver is replaced or disconnected.
	Done <-chan struct{}

	ch   chan *ReconstructedMessage
	done chan struct{}
}

type receivedBufferConfig struct {
	EncryptionKey    []byte
	StalenessTimeout time.Duration
}

// receivedBuffer classifies everything the gateway delivers, reassembles
// fragments into messages and hands them to the registered receiver.
type receivedBuffer struct {
	worker.Worker

	log *logging.Logger
	cfg receivedBufferConfig

	inbound    <-chan *gateway.Delivery
	replyKeys  *replykey.Store
	acks       *ackController
	fatalErrCh chan<- error

	sync.Mutex
	entries   map[uint64]*reassemblyEntry
	expiry    *avl.Tree
	completed *bloom.Filter
	receiver  *Receiver
	buffered  []*ReconstructedMessage
	changedCh chan struct{}
}

func newReceivedBuffer(cfg receivedBufferConfig, inbound <-chan *gateway.Delivery, replyKeys *replykey.Store, acks *ackController, fatalErrCh chan<- error, logBackend *log.Backend) (*receivedBuffer, error) {
	b := &receivedBuffer{
		log:        logBackend.GetLogger("client/received"),
		cfg:        cfg,
		inbound:    inbound,
		replyKeys:  replyKeys,
		acks:       acks,
		fatalErrCh: fatalErrCh,
		entries:    make(map[uint64]*reassemblyEntry),
		expiry: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*reassemblyEntry), b.(*reassemblyEntry)
			switch {
			case ea.deadline.Before(eb.deadline):
				return -1
			case eb.deadline.Before(ea.deadline):
				return 1
			case ea.id < eb.id:
				return -1
			case ea.id > eb.id:
				return 1
			default:
				return 0
			}
		}),
		changedCh: make(chan struct{}, 1),
	}
	var err error
	if b.completed, err = bloom.New(rand.Reader, completedFilterMLn2, completedFilterP); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *receivedBuffer) Start() {
	b.Go(b.worker)
	b.Go(b.deliveryWorker)
}

// RegisterReceiver installs a new receiver, replacing the previous one.
func (b *receivedBuffer) RegisterReceiver() *Receiver {
	r := &Receiver{
		ch:   make(chan *ReconstructedMessage),
		done: make(chan struct{}),
	}
	r.C, r.Done = r.ch, r.done

	b.Lock()
	if b.receiver != nil {
		close(b.receiver.done)
	}
	b.receiver = r
	b.Unlock()
	b.changed()
	return r
}

// DisconnectReceiver removes r if it is still the registered receiver.
// Undelivered messages stay buffered.
func (b *receivedBuffer) DisconnectReceiver(r *Receiver) {
	b.Lock()
	defer b.Unlock()
	if b.receiver == r {
		close(r.done)
		b.receiver = nil
	}
}

func (b *receivedBuffer) changed() {
	select {
	case b.changedCh <- struct{}{}:
	default:
	}
}

func (b *receivedBuffer) worker() {
	sweepInterval := b.cfg.StalenessTimeout / 4
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.HaltCh():
			b.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
			b.sweep(time.Now())
		case d, ok := <-b.inbound:
			if !ok {
				if !b.IsHalted() {
					b.log.Errorf("Gateway session closed")
					select {
					case b.fatalErrCh <- errSessionLost:
					default:
					}
				}
				return
			}
			b.handle(d)
		}
	}
}

// deliveryWorker moves buffered messages to the receiver, one at a time.
func (b *receivedBuffer) deliveryWorker() {
	for {
		var ch chan *ReconstructedMessage
		var m *ReconstructedMessage
		b.Lock()
		if b.receiver != nil && len(b.buffered) > 0 {
			ch, m = b.receiver.ch, b.buffered[0]
		}
		b.Unlock()

		select {
		case <-b.HaltCh():
			return
		case <-b.changedCh:
		case ch <- m:
			b.Lock()
			b.buffered[0] = nil
			b.buffered = b.buffered[1:]
			instrument.MessagesBuffered(len(b.buffered))
			b.Unlock()
		}
	}
}

func (b *receivedBuffer) handle(d *gateway.Delivery) {
	switch {
	case d.SURBID != nil:
		instrument.PacketReceived("reply")
		b.handleReply(d)
	case len(d.Payload) == sphinx.AckPacket.PayloadLength():
		instrument.PacketReceived("ack")
		b.acks.deliverAck(d.Payload)
	default:
		b.handleSealed(d.Payload)
	}
}

func (b *receivedBuffer) handleReply(d *gateway.Delivery) {
	rec, err := b.replyKeys.Take(d.SURBID)
	if err != nil {
		b.log.Debugf("Dropping reply on SURB %x: %v", d.SURBID[:], err)
		instrument.PacketDropped("unknown_surb")
		return
	}
	pt, err := sphinx.DecryptSURBPayload(d.Payload, rec.Keys)
	if err != nil || len(pt) < kindLength || pt[0] != kindReply {
		b.log.Debugf("Dropping undecryptable reply on SURB %x", d.SURBID[:])
		instrument.PacketDropped("malformed")
		return
	}
	frag, err := unmarshalFragment(pt[kindLength:])
	if err != nil || frag.Total != 1 {
		b.log.Debugf("Dropping malformed reply: %v", err)
		instrument.PacketDropped("malformed")
		return
	}
	m, err := decodeMessage(frag.Data)
	if err != nil {
		instrument.PacketDropped("malformed")
		return
	}
	m.IsReply = true

	b.Lock()
	b.deliverLocked(m)
	b.Unlock()
}

func (b *receivedBuffer) handleSealed(payload []byte) {
	pt, err := unseal(b.cfg.EncryptionKey, payload)
	if err != nil || len(pt) < kindLength {
		b.log.Debugf("Dropping packet: %v", errUnsealFailed)
		instrument.PacketDropped("unseal")
		return
	}
	switch pt[0] {
	case kindCover:
		instrument.PacketReceived("cover")
	case kindReal:
		instrument.PacketReceived("real")
		frag, err := unmarshalFragment(pt[kindLength:])
		if err != nil {
			b.log.Debugf("Dropping packet: %v", err)
			instrument.PacketDropped("malformed")
			return
		}
		b.insert(frag, time.Now())
	default:
		instrument.PacketDropped("malformed")
	}
}

func messageIDBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// insert adds a fragment to its message and delivers the message once it
// is complete.  Duplicates are ignored.
func (b *receivedBuffer) insert(frag *Fragment, now time.Time) {
	b.Lock()
	defer b.Unlock()

	e := b.entries[frag.MessageID]
	if e == nil {
		if b.completed.Test(messageIDBytes(frag.MessageID)) {
			instrument.PacketDropped("duplicate")
			return
		}
		e = &reassemblyEntry{
			id:        frag.MessageID,
			total:     frag.Total,
			fragments: make(map[uint16]*Fragment),
			deadline:  now.Add(b.cfg.StalenessTimeout),
		}
		e.node = b.expiry.Insert(e)
		b.entries[e.id] = e
		instrument.ReassemblyPending(len(b.entries))
	}
	if frag.Total != e.total {
		b.log.Debugf("Dropping fragment of %x with inconsistent total", frag.MessageID)
		instrument.PacketDropped("malformed")
		return
	}
	if _, ok := e.fragments[frag.Index]; ok {
		instrument.PacketDropped("duplicate")
		return
	}
	e.fragments[frag.Index] = frag
	if len(e.fragments) < int(e.total) {
		return
	}

	b.removeLocked(e)
	if b.completed.Entries() >= b.completed.MaxEntries() {
		b.completed, _ = bloom.New(rand.Reader, completedFilterMLn2, completedFilterP)
	}
	b.completed.TestAndSet(messageIDBytes(e.id))

	frags := make([]*Fragment, 0, len(e.fragments))
	for _, f := range e.fragments {
		frags = append(frags, f)
	}
	m, err := decodeMessage(reassemble(frags))
	if err != nil {
		b.log.Debugf("Dropping message %x: %v", e.id, err)
		instrument.PacketDropped("malformed")
		return
	}
	instrument.MessageReassembled()
	b.deliverLocked(m)
}

func (b *receivedBuffer) removeLocked(e *reassemblyEntry) {
	delete(b.entries, e.id)
	b.expiry.Remove(e.node)
	e.node = nil
	instrument.ReassemblyPending(len(b.entries))
}

func (b *receivedBuffer) deliverLocked(m *ReconstructedMessage) {
	b.buffered = append(b.buffered, m)
	instrument.MessagesBuffered(len(b.buffered))
	b.changed()
}

// sweep drops incomplete messages whose deadline has passed.
func (b *receivedBuffer) sweep(now time.Time) int {
	b.Lock()
	defer b.Unlock()

	var swept int
	iter := b.expiry.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*reassemblyEntry)
		if e.deadline.After(now) {
			break
		}
		delete(b.entries, e.id)
		b.expiry.Remove(node)
		b.log.Debugf("Discarding stale message %x (%d/%d fragments)", e.id, len(e.fragments), e.total)
		swept++
	}
	if swept > 0 {
		instrument.ReassemblyEvicted(swept)
		instrument.ReassemblyPending(len(b.entries))
	}
	return swept
}

func (b *receivedBuffer) pending() int {
	b.Lock()
	defer b.Unlock()
	return len(b.entries)
}
