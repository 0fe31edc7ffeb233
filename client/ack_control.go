// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/internal/instrument"
)

const (
	ackQueueLength     = 256
	failureQueueLength = 64
)

type ackControllerConfig struct {
	AckKey             *[32]byte
	MaxRetransmissions int
	AckWaitMultiplier  float64
	AckWaitAddition    time.Duration
}

// ackController matches received acks against pending fragments and
// drives retransmission once an ack is overdue.
type ackController struct {
	worker.Worker

	log *logging.Logger
	cfg ackControllerConfig

	pending *pendingAcks
	timers  *timerQueue

	ackCh      chan []byte
	retransmit *fifo
	failureCh  chan *DeliveryFailure
}

func newAckController(cfg ackControllerConfig, logBackend *log.Backend) *ackController {
	a := &ackController{
		log:        logBackend.GetLogger("client/acks"),
		cfg:        cfg,
		pending:    newPendingAcks(),
		ackCh:      make(chan []byte, ackQueueLength),
		retransmit: newFIFO(),
		failureCh:  make(chan *DeliveryFailure, failureQueueLength),
	}
	a.timers = newTimerQueue(a.onTimeout)
	return a
}

func (a *ackController) Start() {
	a.timers.Start()
	a.Go(a.worker)
}

func (a *ackController) Halt() {
	a.Worker.Halt()
	a.timers.Halt()
}

// insert registers the fragments of a message as awaiting their first
// transmission.
func (a *ackController) insert(recs []*pendingAck) {
	for _, r := range recs {
		a.pending.insert(r)
	}
	instrument.PendingAcks(a.pending.Len())
}

// sent arms the retransmission timer of a fragment that was just handed
// to the sender.  rtt is the sum of the sampled hop delays of the packet
// and its ack.
func (a *ackController) sent(id FragmentID, rtt time.Duration) {
	wait := time.Duration(float64(rtt)*a.cfg.AckWaitMultiplier) + a.cfg.AckWaitAddition
	deadline := time.Now().Add(wait)
	a.pending.update(id, func(r *pendingAck) {
		if r.timer == nil {
			r.timer = a.timers.Push(deadline, id)
		}
	})
}

// deliverAck hands a received ack payload to the controller.
func (a *ackController) deliverAck(payload []byte) {
	select {
	case a.ackCh <- payload:
	case <-a.HaltCh():
	}
}

func (a *ackController) worker() {
	for {
		select {
		case <-a.HaltCh():
			a.log.Debugf("Terminating gracefully.")
			return
		case payload := <-a.ackCh:
			a.handleAck(payload)
		}
	}
}

func (a *ackController) handleAck(payload []byte) {
	id, err := openAck(a.cfg.AckKey, payload)
	if err != nil {
		a.log.Debugf("Dropping undecryptable ack: %v", err)
		instrument.PacketDropped("ack")
		return
	}
	if id == coverAckID {
		return
	}
	r := a.pending.remove(id)
	if r == nil {
		// Duplicate, or the message was already given up on.
		instrument.AckReceived(false)
		return
	}
	if r.timer != nil {
		a.timers.Remove(r.timer)
	}
	instrument.AckReceived(true)
	instrument.PendingAcks(a.pending.Len())
	a.log.Debugf("Fragment %d/%d of %x acknowledged", id.Index+1, r.fragment.Total, id.MessageID)
}

func (a *ackController) onTimeout(v interface{}) {
	id := v.(FragmentID)
	var rec *pendingAck
	retry := false
	a.pending.update(id, func(r *pendingAck) {
		r.timer = nil
		rec = r
		if r.retransmissions < a.cfg.MaxRetransmissions {
			r.retransmissions++
			retry = true
		}
	})
	switch {
	case rec == nil:
	case retry:
		instrument.Retransmission()
		a.log.Debugf("Retransmitting fragment %d/%d of %x", id.Index+1, rec.fragment.Total, id.MessageID)
		a.retransmit.Push(rec)
	default:
		a.giveUp(rec)
	}
}

// giveUp drops every outstanding fragment of the message and reports the
// failure.
func (a *ackController) giveUp(rec *pendingAck) {
	for i := 0; i < int(rec.fragment.Total); i++ {
		r := a.pending.remove(FragmentID{MessageID: rec.id.MessageID, Index: uint16(i)})
		if r != nil && r.timer != nil {
			a.timers.Remove(r.timer)
		}
	}
	instrument.MessageFailed()
	instrument.PendingAcks(a.pending.Len())
	a.log.Warningf("Giving up on message %x to %v after %d retransmissions", rec.id.MessageID, rec.recipient, rec.retransmissions)

	a.fail(&DeliveryFailure{
		MessageID: rec.id.MessageID,
		Recipient: rec.recipient,
		Reason:    ErrRetransmissionsExhausted,
	})
}

// fail publishes a delivery failure without blocking.
func (a *ackController) fail(f *DeliveryFailure) {
	select {
	case a.failureCh <- f:
	default:
		a.log.Warningf("Delivery failure queue full, dropping event for %x", f.MessageID)
	}
}
