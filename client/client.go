// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the core of a mixnet client: real traffic
// with acknowledgements and retransmission, loop cover traffic, and
// reassembly of received messages.
package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/client/config"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/replykey"
	"github.com/katzenpost/mixclient/topology"
)

const replyKeyPruneInterval = time.Hour

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Client is a mixnet client attached to one gateway.
type Client struct {
	worker.Worker

	cfg        *config.Config
	log        *logging.Logger
	logBackend *log.Backend

	keys    *Keys
	address Recipient
	session gateway.Session

	accessor  *topology.Accessor
	refresher *topology.Refresher
	replyKeys *replykey.Store

	factory  *packetFactory
	acks     *ackController
	sender   *mixTrafficSender
	real     *realMessageController
	cover    *coverTraffic
	received *receivedBuffer

	fatalErrCh chan error
	receiving  atomic.Bool

	startOnce    sync.Once
	shutdownOnce sync.Once
	haltedCh     chan interface{}
}

// New builds a client over an established gateway session.  Nothing runs
// until Start.
func New(cfg *config.Config, logBackend *log.Backend, session gateway.Session, fetcher topology.Fetcher, keys *Keys) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		log:        logBackend.GetLogger("client"),
		logBackend: logBackend,
		keys:       keys,
		address:    keys.Address(cfg.Gateway.NodeID()),
		session:    session,
		accessor:   topology.NewAccessor(),
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
	}
	c.refresher = topology.NewRefresher(topology.RefresherConfig{
		Gateway:      cfg.Gateway.NodeID(),
		Interval:     ms(cfg.Directory.RefreshInterval),
		MaxStaleness: ms(cfg.Directory.MaxStaleness),
		FetchTimeout: ms(cfg.Directory.FetchTimeout),
	}, c.accessor, fetcher, logBackend)

	hopDelays, err := poisson.NewSampler(poisson.Descriptor{Average: ms(cfg.Traffic.AveragePacketDelay)})
	if err != nil {
		return nil, err
	}
	ackDelays, err := poisson.NewSampler(poisson.Descriptor{Average: ms(cfg.Acknowledgements.AverageAckDelay)})
	if err != nil {
		return nil, err
	}
	c.factory = newPacketFactory(keys, c.address, c.accessor, hopDelays, ackDelays)

	c.acks = newAckController(ackControllerConfig{
		AckKey:             &keys.AckKey,
		MaxRetransmissions: cfg.Acknowledgements.MaxRetransmissions,
		AckWaitMultiplier:  cfg.Acknowledgements.AckWaitMultiplier,
		AckWaitAddition:    ms(cfg.Acknowledgements.AckWaitAddition),
	}, logBackend)
	c.sender = newMixTrafficSender(session, cfg.Traffic.QueueWarnThreshold, c.fatalErrCh, logBackend)

	realCfg := realMessageConfig{
		PrimaryPacketSize: cfg.Traffic.PrimaryPacketSize,
		CoverPacketSize:   cfg.CoverTraffic.CoverPacketSize,
	}
	if !cfg.Traffic.DisableMainPoissonPacketDistribution {
		if realCfg.SendingDelay, err = poisson.NewSampler(poisson.Descriptor{Average: ms(cfg.Traffic.MessageSendingAverageDelay)}); err != nil {
			return nil, err
		}
	}
	c.real = newRealMessageController(realCfg, c.factory, c.acks, nil, c.sender, logBackend)

	if !cfg.CoverTraffic.DisableLoopCoverTrafficStream {
		timer, err := poisson.NewTimer(poisson.Descriptor{
			Average: ms(cfg.CoverTraffic.LoopCoverTrafficAverageDelay),
			Max:     ms(cfg.CoverTraffic.MaxCoverDelay),
		})
		if err != nil {
			return nil, err
		}
		c.cover = newCoverTraffic(timer, cfg.CoverTraffic.CoverPacketSize, c.factory, c.sender, logBackend)
	}
	return c, nil
}

// Start opens the reply key store, fetches the first topology, and starts
// every component.  A store that cannot be opened or a first topology
// that is not routable is fatal.
func (c *Client) Start(ctx context.Context) error {
	err := ErrShutdown
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Client) start(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.Storage.DataDir, 0700); err != nil {
		return err
	}
	replyKeys, err := replykey.Open(c.cfg.Storage.ReplyKeyPath())
	if err != nil {
		return fmt.Errorf("client: failed to open reply key store: %w", err)
	}
	c.replyKeys = replyKeys
	c.real.replyKeys = replyKeys

	if err = c.refresher.Start(ctx); err != nil {
		c.closeReplyKeys()
		return err
	}

	c.received, err = newReceivedBuffer(receivedBufferConfig{
		EncryptionKey:    c.keys.EncryptionPrivateKey,
		StalenessTimeout: ms(c.cfg.Reassembly.StalenessTimeout),
	}, c.session.Inbound(), c.replyKeys, c.acks, c.fatalErrCh, c.logBackend)
	if err != nil {
		c.refresher.Halt()
		c.closeReplyKeys()
		return err
	}

	c.received.Start()
	c.acks.Start()
	c.sender.Start()
	c.real.Start()
	if c.cover != nil {
		c.cover.Start()
	}
	c.Go(c.pruneWorker)

	c.log.Noticef("Client %v started", c.address)
	return nil
}

func (c *Client) pruneWorker() {
	maxAge := ms(c.cfg.Storage.ReplyKeyMaxAge)
	for {
		n, err := c.replyKeys.Prune(time.Now().Add(-maxAge))
		switch {
		case err != nil:
			c.log.Errorf("Failed to prune reply keys: %v", err)
		case n > 0:
			c.log.Debugf("Pruned %d expired reply keys", n)
		}
		if !c.Sleep(replyKeyPruneInterval) {
			return
		}
	}
}

// Address returns the address other clients use to reach this one.
func (c *Client) Address() Recipient {
	return c.address
}

// Submit queues a message for transmission.  It does not block.
func (c *Client) Submit(m *InputMessage) error {
	return c.real.submit(m)
}

// NextReceived blocks until a message is received.  Only one caller may
// wait at a time.
func (c *Client) NextReceived(ctx context.Context) (*ReconstructedMessage, error) {
	if c.received == nil {
		return nil, ErrShutdown
	}
	if !c.receiving.CompareAndSwap(false, true) {
		return nil, ErrReceiverBusy
	}
	defer c.receiving.Store(false)

	r := c.received.RegisterReceiver()
	defer c.received.DisconnectReceiver(r)
	select {
	case m := <-r.C:
		return m, nil
	case <-r.Done:
		return nil, ErrReceiverBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.HaltCh():
		return nil, ErrShutdown
	}
}

// Idle returns true once every submitted message has been sent, and each
// fragment was either acknowledged or given up on.
func (c *Client) Idle() bool {
	return c.real.idle() && c.acks.pending.Len() == 0 && c.sender.queue.Len() == 0
}

// RotateLog reopens the log file.
func (c *Client) RotateLog() {
	if err := c.logBackend.Rotate(); err != nil {
		c.log.Errorf("Failed to rotate log file: %v", err)
	}
}

// DeliveryFailures returns the channel of messages that were given up on.
func (c *Client) DeliveryFailures() <-chan *DeliveryFailure {
	return c.acks.failureCh
}

// FatalErrCh returns a channel that yields an error if the client can no
// longer operate, after which it must be shut down.
func (c *Client) FatalErrCh() <-chan error {
	return c.fatalErrCh
}

// Shutdown stops every component in reverse start order and closes the
// session and the reply key store.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(c.halt)
}

func (c *Client) halt() {
	c.log.Notice("Starting graceful shutdown.")
	c.startOnce.Do(func() {})

	c.Halt()
	if c.cover != nil {
		c.cover.Halt()
	}
	c.real.Halt()
	c.sender.Halt()
	if c.received != nil {
		c.received.Halt()
	}
	c.acks.Halt()
	c.refresher.Halt()
	if err := c.session.Close(); err != nil {
		c.log.Debugf("Session close: %v", err)
	}
	c.closeReplyKeys()

	c.log.Notice("Shutdown complete.")
	close(c.haltedCh)
}

func (c *Client) closeReplyKeys() {
	if c.replyKeys == nil {
		return
	}
	if err := c.replyKeys.Close(); err != nil {
		c.log.Errorf("Failed to close reply key store: %v", err)
	}
	c.replyKeys = nil
}

// Wait waits till the client is terminated for any reason.
func (c *Client) Wait() {
	<-c.haltedCh
}
