// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/replykey"
	"github.com/katzenpost/mixclient/sphinx"
	"github.com/katzenpost/mixclient/topology"
)

const (
	kindReal  byte = 0x01
	kindCover byte = 0x02
	kindReply byte = 0x03

	kindLength = 1
)

// coverAckID is acknowledged by loop cover packets.  Real messages never
// use message id 0.
var coverAckID = FragmentID{}

// sealedLength is the length of the sealed part of a forward payload.
func sealedLength(size sphinx.PacketSize) int {
	return size.PayloadLength() - gateway.AckRegionLength
}

// fragmentCapacity is the number of message bytes a forward fragment of
// the given size carries.
func fragmentCapacity(size sphinx.PacketSize) int {
	return sealedLength(size) - sealOverhead - kindLength - fragmentHeaderLength
}

// replyCapacity is the number of message bytes a SURB reply carries.
func replyCapacity(size sphinx.PacketSize) int {
	return size.PayloadLength() - kindLength - fragmentHeaderLength
}

type preparedPacket struct {
	pkt *gateway.MixPacket

	// rtt is the sum of the sampled hop delays of the packet and its ack.
	rtt time.Duration
}

// packetFactory wraps fragments, covers, replies and SURBs into Sphinx
// packets over freshly selected routes.
type packetFactory struct {
	keys      *Keys
	self      Recipient
	topology  *topology.Accessor
	hopDelays *poisson.Sampler
	ackDelays *poisson.Sampler
	entropy   io.Reader

	rngLock sync.Mutex
	rng     *mrand.Rand
}

func newPacketFactory(keys *Keys, self Recipient, accessor *topology.Accessor, hopDelays, ackDelays *poisson.Sampler) *packetFactory {
	return &packetFactory{
		keys:      keys,
		self:      self,
		topology:  accessor,
		hopDelays: hopDelays,
		ackDelays: ackDelays,
		entropy:   rand.Reader,
		rng:       rand.NewMath(),
	}
}

func (f *packetFactory) route(top *topology.Topology, dest topology.NodeID, delays *poisson.Sampler) ([]*sphinx.PathHop, time.Duration, error) {
	f.rngLock.Lock()
	route, err := top.RandomRoute(f.rng, dest)
	f.rngLock.Unlock()
	if err != nil {
		return nil, 0, err
	}
	path, delay := topology.Path(route, delays)
	return path, delay, nil
}

func (f *packetFactory) newAck(top *topology.Topology, id FragmentID) ([]byte, time.Duration, error) {
	path, delay, err := f.route(top, f.self.Gateway, f.ackDelays)
	if err != nil {
		return nil, 0, err
	}
	body, err := sealAck(f.entropy, &f.keys.AckKey, id)
	if err != nil {
		return nil, 0, err
	}
	pkt, err := sphinx.NewSphinx(sphinx.AckPacket).NewPacket(f.entropy, path, &f.self.ClientID, body)
	if err != nil {
		return nil, 0, err
	}
	region := make([]byte, 0, gateway.AckRegionLength)
	region = append(region, path[0].ID[:]...)
	return append(region, pkt...), delay, nil
}

func (f *packetFactory) newForwardPacket(kind byte, body []byte, to Recipient, ackID FragmentID, size sphinx.PacketSize) (*preparedPacket, error) {
	top := f.topology.Current()
	if err := top.IsRoutable(f.self.Gateway); err != nil {
		return nil, err
	}
	ack, ackDelay, err := f.newAck(top, ackID)
	if err != nil {
		return nil, err
	}
	path, fwdDelay, err := f.route(top, to.Gateway, f.hopDelays)
	if err != nil {
		return nil, err
	}

	pt := make([]byte, sealedLength(size)-sealOverhead)
	pt[0] = kind
	copy(pt[kindLength:], body)
	sealed, err := seal(f.entropy, to.EncryptionKey[:], pt)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, size.PayloadLength())
	payload = append(payload, ack...)
	payload = append(payload, sealed...)

	pkt, err := sphinx.NewSphinx(size).NewPacket(f.entropy, path, &to.ClientID, payload)
	if err != nil {
		return nil, err
	}
	return &preparedPacket{
		pkt: &gateway.MixPacket{NextHop: path[0].ID, Packet: pkt},
		rtt: fwdDelay + ackDelay,
	}, nil
}

func (f *packetFactory) newFragmentPacket(frag *Fragment, to Recipient, size sphinx.PacketSize) (*preparedPacket, error) {
	return f.newForwardPacket(kindReal, frag.marshal(fragmentCapacity(size)), to, frag.ID(), size)
}

func (f *packetFactory) newCoverPacket(size sphinx.PacketSize) (*gateway.MixPacket, error) {
	p, err := f.newForwardPacket(kindCover, nil, f.self, coverAckID, size)
	if err != nil {
		return nil, err
	}
	return p.pkt, nil
}

func (f *packetFactory) newReplyPacket(frag *Fragment, surb *ReplySURB, size sphinx.PacketSize) (*gateway.MixPacket, error) {
	body := make([]byte, 0, size.PayloadLength())
	body = append(body, kindReply)
	body = append(body, frag.marshal(replyCapacity(size))...)
	pkt, firstHop, err := sphinx.NewSphinx(size).NewPacketFromSURB(surb.SURB, body)
	if err != nil {
		return nil, fmt.Errorf("client: bad reply SURB: %w", err)
	}
	return &gateway.MixPacket{NextHop: *firstHop, Packet: pkt}, nil
}

// newReplySURB creates a reply block to this client and returns it with
// the identifier and keys needed to decrypt the reply.
func (f *packetFactory) newReplySURB() (*ReplySURB, *replykey.SURBID, []byte, error) {
	top, err := f.topology.Routable(f.self.Gateway)
	if err != nil {
		return nil, nil, nil, err
	}
	path, _, err := f.route(top, f.self.Gateway, f.hopDelays)
	if err != nil {
		return nil, nil, nil, err
	}
	id := new(replykey.SURBID)
	if _, err = io.ReadFull(f.entropy, id[:]); err != nil {
		return nil, nil, nil, err
	}
	surb, keys, err := sphinx.NewSphinx(sphinx.RegularPacket).NewSURB(f.entropy, path, &f.self.ClientID, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return &ReplySURB{SURB: surb}, id, keys, nil
}

// newMessageID returns a random non zero message identifier.
func (f *packetFactory) newMessageID() uint64 {
	f.rngLock.Lock()
	defer f.rngLock.Unlock()
	for {
		if id := f.rng.Uint64(); id != coverAckID.MessageID {
			return id
		}
	}
}
