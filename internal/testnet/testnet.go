// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package testnet runs a complete mixnet in process: mix and gateway
// keys, a routable topology, and gateways that unwrap every hop.
package testnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/sphinx"
	"github.com/katzenpost/mixclient/topology"
)

const inboundQueueLength = 1024

// DropFunc decides whether a packet entering the network is lost.
type DropFunc func(pkt *gateway.MixPacket) bool

type node struct {
	desc       *topology.Node
	privateKey []byte
	isGateway  bool
}

// Network is an in process mixnet.
type Network struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend

	topology atomic.Pointer[topology.Topology]
	nodes    map[topology.NodeID]*node

	sync.Mutex
	sessions map[[sphinx.NodeIDLength]byte]*Session
	drop     DropFunc

	injected  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newNode(name string, layer uint8, isGateway bool) (*node, error) {
	identity := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, identity); err != nil {
		return nil, err
	}
	pub, priv, err := sphinx.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &node{
		desc: &topology.Node{
			Name:        name,
			IdentityKey: identity,
			MixKey:      pub,
			Address:     name + ".testnet:4433",
			Layer:       layer,
		},
		privateKey: priv,
		isGateway:  isGateway,
	}, nil
}

// New creates a network of layers mix layers with nodesPerLayer nodes
// each, and nrGateways gateways.
func New(layers, nodesPerLayer, nrGateways int, logBackend *log.Backend) (*Network, error) {
	n := &Network{
		log:        logBackend.GetLogger("testnet"),
		logBackend: logBackend,
		nodes:      make(map[topology.NodeID]*node),
		sessions:   make(map[[sphinx.NodeIDLength]byte]*Session),
	}
	mixes := make([][]*topology.Node, layers)
	for l := 0; l < layers; l++ {
		for i := 0; i < nodesPerLayer; i++ {
			nd, err := newNode(fmt.Sprintf("mix-%d-%d", l, i), uint8(l+1), false)
			if err != nil {
				return nil, err
			}
			mixes[l] = append(mixes[l], nd.desc)
			n.nodes[nd.desc.ID()] = nd
		}
	}
	var gateways []*topology.Node
	for i := 0; i < nrGateways; i++ {
		nd, err := newNode(fmt.Sprintf("gateway-%d", i), 0, true)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, nd.desc)
		n.nodes[nd.desc.ID()] = nd
	}
	t, err := topology.New(1, mixes, gateways)
	if err != nil {
		return nil, err
	}
	n.topology.Store(t)
	return n, nil
}

// Topology returns the topology currently served by Fetcher.
func (n *Network) Topology() *topology.Topology {
	return n.topology.Load()
}

// SetTopology replaces the served topology, e.g. with an unroutable one.
func (n *Network) SetTopology(t *topology.Topology) {
	n.topology.Store(t)
}

// Gateway returns the identifier of gateway i.
func (n *Network) Gateway(i int) topology.NodeID {
	return n.Topology().Gateways()[i].ID()
}

// Fetch implements topology.Fetcher.
func (n *Network) Fetch(ctx context.Context) (*topology.Topology, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := n.topology.Load()
	if t == nil {
		return nil, topology.ErrNoTopology
	}
	return t, nil
}

// SetDropFunc installs f, or removes the drop policy if f is nil.
func (n *Network) SetDropFunc(f DropFunc) {
	n.Lock()
	defer n.Unlock()
	n.drop = f
}

// Stats returns the number of packets injected, delivered to clients and
// dropped.
func (n *Network) Stats() (injected, delivered, dropped uint64) {
	return n.injected.Load(), n.delivered.Load(), n.dropped.Load()
}

// Connect attaches a client to the network and returns its session.
func (n *Network) Connect(clientID [sphinx.NodeIDLength]byte) *Session {
	s := &Session{
		network:   n,
		clientID:  clientID,
		inboundCh: make(chan *gateway.Delivery, inboundQueueLength),
		closeCh:   make(chan struct{}),
	}
	n.Lock()
	old := n.sessions[clientID]
	n.sessions[clientID] = s
	n.Unlock()
	if old != nil {
		old.Close()
	}
	return s
}

func (n *Network) detach(s *Session) {
	n.Lock()
	defer n.Unlock()
	if n.sessions[s.clientID] == s {
		delete(n.sessions, s.clientID)
	}
}

// Inject routes pkt through the network in the background.
func (n *Network) Inject(pkt *gateway.MixPacket) {
	n.injected.Add(1)
	n.Lock()
	drop := n.drop
	n.Unlock()
	if drop != nil && drop(pkt) {
		n.dropped.Add(1)
		return
	}
	n.Go(func() { n.route(pkt) })
}

func (n *Network) route(pkt *gateway.MixPacket) {
	nextHop, b := pkt.NextHop, pkt.Packet
	for hops := 0; hops <= sphinx.NrHops; hops++ {
		select {
		case <-n.HaltCh():
			return
		default:
		}
		nd, ok := n.nodes[nextHop]
		if !ok {
			n.log.Debugf("Dropping packet for unknown node %x", nextHop[:8])
			n.dropped.Add(1)
			return
		}
		res, err := sphinx.Unwrap(nd.privateKey, b)
		if err != nil {
			n.log.Debugf("%v failed to unwrap: %v", nd.desc.Name, err)
			n.dropped.Add(1)
			return
		}
		if !res.Command.Deliver {
			nextHop, b = res.Command.ID, res.Packet
			continue
		}
		if !nd.isGateway {
			n.log.Debugf("Mix %v asked to deliver, dropping", nd.desc.Name)
			n.dropped.Add(1)
			return
		}
		n.deliver(res)
		return
	}
	n.dropped.Add(1)
}

func (n *Network) deliver(res *sphinx.UnwrapResult) {
	d := &gateway.Delivery{Payload: res.Payload}
	if res.Command.SURBID != nil {
		id := *res.Command.SURBID
		d.SURBID = &id
	} else {
		var ack *gateway.MixPacket
		ack, d.Payload = gateway.SplitPayload(res.Payload)
		if ack != nil {
			n.Inject(ack)
		}
	}

	n.Lock()
	s := n.sessions[res.Command.ID]
	n.Unlock()
	if s == nil {
		n.log.Debugf("No session for client %x", res.Command.ID[:8])
		n.dropped.Add(1)
		return
	}
	if s.deliver(d, n.HaltCh()) {
		n.delivered.Add(1)
	}
}

// Serve exposes the network over QUIC, so that real gateway sessions can
// attach.
func (n *Network) Serve(address string, tlsConf *tls.Config) (*gateway.Listener, error) {
	return gateway.Listen(address, tlsConf, nil, n.serveConn, n.logBackend)
}

func (n *Network) serveConn(c *gateway.ServerConn) {
	s := n.Connect(c.ClientID)
	defer s.Close()

	n.Go(func() {
		for {
			select {
			case <-s.closeCh:
				return
			case d, ok := <-s.inboundCh:
				if !ok {
					return
				}
				if err := c.Deliver(d); err != nil {
					s.Close()
					return
				}
			}
		}
	})
	for {
		pkt, err := c.Recv()
		if err != nil {
			return
		}
		if err = s.Send(pkt); err != nil {
			return
		}
	}
}

// Close halts all routing.
func (n *Network) Close() {
	n.Halt()
}

// Session is an in process gateway.Session.
type Session struct {
	network  *Network
	clientID [sphinx.NodeIDLength]byte

	sync.RWMutex
	inboundCh chan *gateway.Delivery
	closeOnce sync.Once
	closeCh   chan struct{}

	sendErr atomic.Value
}

// FailSends makes every following Send fail with err.
func (s *Session) FailSends(err error) {
	s.sendErr.Store(err)
}

// Send implements gateway.Session.
func (s *Session) Send(pkt *gateway.MixPacket) error {
	select {
	case <-s.closeCh:
		return gateway.ErrSessionClosed
	default:
	}
	if err, ok := s.sendErr.Load().(error); ok {
		return err
	}
	s.network.Inject(pkt)
	return nil
}

// Inbound implements gateway.Session.  The channel is closed by Close.
func (s *Session) Inbound() <-chan *gateway.Delivery {
	return s.inboundCh
}

// Close implements gateway.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.network.detach(s)

		// Pending deliveries observe closeCh and release the read lock.
		s.Lock()
		close(s.inboundCh)
		s.Unlock()
	})
	return nil
}

func (s *Session) deliver(d *gateway.Delivery, haltCh <-chan interface{}) bool {
	s.RLock()
	defer s.RUnlock()
	select {
	case <-s.closeCh:
		return false
	default:
	}
	select {
	case s.inboundCh <- d:
		return true
	case <-s.closeCh:
	case <-haltCh:
	}
	return false
}
