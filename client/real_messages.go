// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/replykey"
	"github.com/katzenpost/mixclient/sphinx"
)

type realMessageConfig struct {
	PrimaryPacketSize sphinx.PacketSize
	CoverPacketSize   sphinx.PacketSize

	// SendingDelay paces the outbound stream, nil when the main Poisson
	// stream is disabled.
	SendingDelay *poisson.Sampler
}

// outItem is a fragment waiting for its turn on the paced stream.
type outItem struct {
	frag      *Fragment
	recipient Recipient
	replySURB *ReplySURB
}

// realMessageController turns input messages into fragments and feeds
// them, interleaved with retransmissions and cover, to the sender.
type realMessageController struct {
	worker.Worker

	log *logging.Logger
	cfg realMessageConfig

	factory   *packetFactory
	acks      *ackController
	replyKeys *replykey.Store
	sender    *mixTrafficSender

	input    *fifo
	outQueue *fifo

	// inflight counts submitted messages that are not yet fragmented.
	inflight atomic.Int64
}

func newRealMessageController(cfg realMessageConfig, factory *packetFactory, acks *ackController, replyKeys *replykey.Store, sender *mixTrafficSender, logBackend *log.Backend) *realMessageController {
	return &realMessageController{
		log:       logBackend.GetLogger("client/real_messages"),
		cfg:       cfg,
		factory:   factory,
		acks:      acks,
		replyKeys: replyKeys,
		sender:    sender,
		input:     newFIFO(),
		outQueue:  newFIFO(),
	}
}

func (c *realMessageController) Start() {
	c.Go(c.inputWorker)
	c.Go(c.outWorker)
}

// check rejects messages that can never be sent.
func (c *realMessageController) check(m *InputMessage) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.IsReply() {
		if len(m.data)+1 > replyCapacity(c.cfg.PrimaryPacketSize) {
			return ErrReplyTooLarge
		}
		return nil
	}
	n := len(m.data) + 1
	if m.withReplySURB {
		n += sphinx.SURBLength
	}
	if capacity := fragmentCapacity(c.cfg.PrimaryPacketSize); (n+capacity-1)/capacity > maxFragments {
		return ErrMessageTooLarge
	}
	return nil
}

func (c *realMessageController) submit(m *InputMessage) error {
	if c.IsHalted() {
		return ErrShutdown
	}
	if err := c.check(m); err != nil {
		return err
	}
	c.inflight.Add(1)
	c.input.Push(m)
	return nil
}

func (c *realMessageController) inputWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.input.Signal():
		}
		for {
			v, ok := c.input.Pop()
			if !ok {
				break
			}
			c.process(v.(*InputMessage))
		}
	}
}

func (c *realMessageController) process(m *InputMessage) {
	defer c.inflight.Add(-1)
	id := c.factory.newMessageID()

	if m.IsReply() {
		frag := &Fragment{MessageID: id, Total: 1, Data: encodeMessage(m.data, nil)}
		c.outQueue.Push(&outItem{frag: frag, replySURB: m.replySURB})
		return
	}

	var surb *ReplySURB
	if m.withReplySURB {
		var surbID *replykey.SURBID
		var keys []byte
		var err error
		if surb, surbID, keys, err = c.factory.newReplySURB(); err == nil {
			err = c.replyKeys.Insert(surbID, keys)
		}
		if err != nil {
			c.log.Errorf("Failed to create a reply SURB for message %x: %v", id, err)
			c.acks.fail(&DeliveryFailure{MessageID: id, Recipient: m.recipient, Reason: err})
			return
		}
	}

	frags, err := fragmentMessage(id, encodeMessage(m.data, surb), fragmentCapacity(c.cfg.PrimaryPacketSize))
	if err != nil {
		c.acks.fail(&DeliveryFailure{MessageID: id, Recipient: m.recipient, Reason: err})
		return
	}
	recs := make([]*pendingAck, 0, len(frags))
	for _, f := range frags {
		recs = append(recs, &pendingAck{
			id:        f.ID(),
			fragment:  f,
			recipient: m.recipient,
			size:      c.cfg.PrimaryPacketSize,
		})
	}
	c.acks.insert(recs)
	for _, f := range frags {
		c.outQueue.Push(&outItem{frag: f, recipient: m.recipient})
	}
	c.log.Debugf("Queued message %x as %d fragments", id, len(frags))
}

// idle returns true if nothing submitted is waiting to be sent.
func (c *realMessageController) idle() bool {
	return c.inflight.Load() == 0 && c.outQueue.Len() == 0
}

// next returns the next item to send, retransmissions first.
func (c *realMessageController) next() *outItem {
	for {
		v, ok := c.acks.retransmit.Pop()
		if !ok {
			break
		}
		r := v.(*pendingAck)
		if c.acks.pending.contains(r.id) {
			return &outItem{frag: r.fragment, recipient: r.recipient}
		}
	}
	if v, ok := c.outQueue.Pop(); ok {
		return v.(*outItem)
	}
	return nil
}

func (c *realMessageController) outWorker() {
	paced := c.cfg.SendingDelay != nil
	for {
		if paced {
			if !c.Sleep(c.cfg.SendingDelay.Next()) {
				return
			}
		} else {
			select {
			case <-c.HaltCh():
				return
			case <-c.outQueue.Signal():
			case <-c.acks.retransmit.Signal():
			}
		}

		for {
			item := c.next()
			if item == nil {
				if paced {
					c.sendCover()
				}
				break
			}
			c.send(item)
			if paced || c.IsHalted() {
				break
			}
		}
	}
}

func (c *realMessageController) sendCover() {
	pkt, err := c.factory.newCoverPacket(c.cfg.CoverPacketSize)
	if err != nil {
		c.log.Debugf("Skipping cover packet: %v", err)
		return
	}
	c.sender.Send(pkt, "cover")
}

func (c *realMessageController) send(item *outItem) {
	if item.replySURB != nil {
		pkt, err := c.factory.newReplyPacket(item.frag, item.replySURB, c.cfg.PrimaryPacketSize)
		if err != nil {
			c.log.Warningf("Dropping reply %x: %v", item.frag.MessageID, err)
			return
		}
		c.sender.Send(pkt, "reply")
		return
	}

	id := item.frag.ID()
	if !c.acks.pending.contains(id) {
		// Acknowledged, or given up on while queued.
		return
	}
	p, err := c.factory.newFragmentPacket(item.frag, item.recipient, c.cfg.PrimaryPacketSize)
	if err != nil {
		// Count this as a failed attempt so the retransmission budget
		// still bounds an unroutable message.
		c.log.Warningf("Failed to wrap fragment %d of %x: %v", id.Index, id.MessageID, err)
		c.acks.sent(id, 0)
		return
	}
	c.sender.Send(p.pkt, "real")
	c.acks.sent(id, p.rtt)
}
