// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
)

type outboundPacket struct {
	pkt  *gateway.MixPacket
	kind string
}

// mixTrafficSender is the single writer to the gateway session.
type mixTrafficSender struct {
	worker.Worker

	log     *logging.Logger
	session gateway.Session
	queue   *fifo

	warnThreshold int
	warned        bool

	fatalErrCh chan<- error
}

func newMixTrafficSender(session gateway.Session, warnThreshold int, fatalErrCh chan<- error, logBackend *log.Backend) *mixTrafficSender {
	return &mixTrafficSender{
		log:           logBackend.GetLogger("client/sender"),
		session:       session,
		queue:         newFIFO(),
		warnThreshold: warnThreshold,
		fatalErrCh:    fatalErrCh,
	}
}

func (s *mixTrafficSender) Start() {
	s.Go(s.worker)
}

// Send enqueues a packet.  It never blocks.
func (s *mixTrafficSender) Send(pkt *gateway.MixPacket, kind string) {
	n := s.queue.Push(&outboundPacket{pkt: pkt, kind: kind})
	instrument.SenderQueueLength(n)
}

func (s *mixTrafficSender) worker() {
	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-s.queue.Signal():
		}

		for {
			v, ok := s.queue.Pop()
			if !ok {
				break
			}
			n := s.queue.Len()
			instrument.SenderQueueLength(n)
			s.checkDepth(n)

			p := v.(*outboundPacket)
			if err := s.session.Send(p.pkt); err != nil {
				s.log.Errorf("Failed to send packet to the gateway: %v", err)
				select {
				case s.fatalErrCh <- fmt.Errorf("client: gateway send failed: %w", err):
				default:
				}
				return
			}
			instrument.PacketSent(p.kind)

			if s.IsHalted() {
				return
			}
		}
	}
}

func (s *mixTrafficSender) checkDepth(n int) {
	switch {
	case n > s.warnThreshold && !s.warned:
		s.warned = true
		s.log.Warningf("Sender queue has %d packets, the gateway link is not keeping up", n)
	case n <= s.warnThreshold/2:
		s.warned = false
	}
}
