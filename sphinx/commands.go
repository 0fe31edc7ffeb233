// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"encoding/binary"
	"errors"
)

const (
	relayCommand   = 0x01
	deliverCommand = 0x02
)

var errInvalidCommand = errors.New("sphinx: invalid routing command")

// RoutingCommand is the per hop routing information recovered by Unwrap.
type RoutingCommand struct {
	// Deliver is set on the terminal hop.
	Deliver bool

	// ID is the next hop for relayed packets, or the recipient identifier
	// for delivered packets.
	ID [NodeIDLength]byte

	// Delay is how long the hop should hold the packet, in milliseconds.
	Delay uint32

	// SURBID is set when the delivered payload is a SURB reply.
	SURBID *[SURBIDLength]byte
}

func (c *RoutingCommand) toBytes() []byte {
	b := make([]byte, routingCommandLength)
	if c.Deliver {
		b[0] = deliverCommand
	} else {
		b[0] = relayCommand
	}
	copy(b[1:], c.ID[:])
	off := 1 + NodeIDLength
	binary.BigEndian.PutUint32(b[off:], c.Delay)
	off += 4
	if c.SURBID != nil {
		b[off] = 1
		copy(b[off+1:], c.SURBID[:])
	}
	return b
}

func routingCommandFromBytes(b []byte) (*RoutingCommand, error) {
	if len(b) != routingCommandLength {
		return nil, errInvalidCommand
	}
	c := new(RoutingCommand)
	switch b[0] {
	case relayCommand:
	case deliverCommand:
		c.Deliver = true
	default:
		return nil, errInvalidCommand
	}
	copy(c.ID[:], b[1:])
	off := 1 + NodeIDLength
	c.Delay = binary.BigEndian.Uint32(b[off:])
	off += 4
	switch b[off] {
	case 0:
	case 1:
		if !c.Deliver {
			return nil, errInvalidCommand
		}
		c.SURBID = new([SURBIDLength]byte)
		copy(c.SURBID[:], b[off+1:])
	default:
		return nil, errInvalidCommand
	}
	return c, nil
}
