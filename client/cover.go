// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/sphinx"
)

// coverTraffic sends loop cover packets to this client at exponentially
// distributed intervals, independent of real traffic.
type coverTraffic struct {
	worker.Worker

	log     *logging.Logger
	timer   *poisson.Timer
	size    sphinx.PacketSize
	factory *packetFactory
	sender  *mixTrafficSender
}

func newCoverTraffic(timer *poisson.Timer, size sphinx.PacketSize, factory *packetFactory, sender *mixTrafficSender, logBackend *log.Backend) *coverTraffic {
	return &coverTraffic{
		log:     logBackend.GetLogger("client/cover"),
		timer:   timer,
		size:    size,
		factory: factory,
		sender:  sender,
	}
}

func (c *coverTraffic) Start() {
	c.Go(c.worker)
}

func (c *coverTraffic) worker() {
	c.timer.Start()
	defer c.timer.Stop()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case <-c.timer.C():
		}
		if pkt, err := c.factory.newCoverPacket(c.size); err == nil {
			c.sender.Send(pkt, "loop_cover")
		} else {
			c.log.Debugf("Skipping loop cover packet: %v", err)
		}
		c.timer.Next()
	}
}
