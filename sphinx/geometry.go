// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"fmt"
	"strings"

	"github.com/katzenpost/chacha20poly1305"
)

const (
	// NodeIDLength is the length of a node or client identifier in bytes.
	NodeIDLength = 32

	// SURBIDLength is the length of a SURB identifier in bytes.
	SURBIDLength = 16

	// NrHops is the maximum number of hops a packet can traverse, and
	// determines the (constant) header length.
	NrHops = 5

	// PayloadTagLength is the length of the zero tag that authenticates
	// the payload at the final hop.
	PayloadTagLength = 16

	publicKeyLength = 32

	// cmdType(1) | id | delay(4) | hasSURB(1) | surbID
	routingCommandLength = 1 + NodeIDLength + 4 + 1 + SURBIDLength
	sealedCommandLength  = routingCommandLength + chacha20poly1305.Overhead
	slotLength           = publicKeyLength + sealedCommandLength

	// HeaderLength is the length of every packet header in bytes.
	HeaderLength = NrHops * slotLength

	sprpKeyLength = 48
	sprpIVLength  = 16

	// SURBKeyLength is the length of one SURB decryption key.
	SURBKeyLength = sprpKeyLength + sprpIVLength

	// SURBLength is the length of a serialized SURB.
	SURBLength = HeaderLength + NodeIDLength + SURBKeyLength
)

// PacketSize is the closed set of packet sizes.
type PacketSize uint8

const (
	// RegularPacket is the default size for real and cover traffic.
	RegularPacket PacketSize = iota

	// AckPacket is the size of the acknowledgements that are embedded in
	// every fragment.
	AckPacket

	// ExtendedPacket trades anonymity set size for bulk throughput.
	ExtendedPacket
)

var packetSizes = [...]struct {
	name          string
	payloadLength int
}{
	RegularPacket:  {"regular", 2 * 1024},
	AckPacket:      {"ack", 48},
	ExtendedPacket: {"extended", 32 * 1024},
}

// Valid returns true if s is one of the defined sizes.
func (s PacketSize) Valid() bool {
	return int(s) < len(packetSizes)
}

func (s PacketSize) String() string {
	if !s.Valid() {
		return fmt.Sprintf("[invalid packet size: %d]", s)
	}
	return packetSizes[s].name
}

// PayloadLength returns the usable payload length of a packet of this size.
func (s PacketSize) PayloadLength() int {
	return packetSizes[s].payloadLength
}

// ForwardPayloadLength returns the encrypted payload length, including the
// authentication tag.
func (s PacketSize) ForwardPayloadLength() int {
	return PayloadTagLength + s.PayloadLength()
}

// PacketLength returns the length on the wire of a packet of this size.
func (s PacketSize) PacketLength() int {
	return HeaderLength + s.ForwardPayloadLength()
}

// ParsePacketSize returns the PacketSize named n.  The ack size is not
// selectable.
func ParsePacketSize(n string) (PacketSize, error) {
	switch strings.ToLower(n) {
	case "", "regular":
		return RegularPacket, nil
	case "extended":
		return ExtendedPacket, nil
	default:
		return 0, fmt.Errorf("sphinx: unknown packet size '%v'", n)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PacketSize) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("sphinx: invalid packet size %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PacketSize) UnmarshalText(b []byte) error {
	v, err := ParsePacketSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Geometry describes the geometry of a Sphinx packet.
type Geometry struct {
	// Size is the packet size variant.
	Size PacketSize

	// PacketLength is the length of a packet.
	PacketLength int

	// NrHops is the maximum number of hops.
	NrHops int

	// HeaderLength is the length of the Sphinx packet header in bytes.
	HeaderLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the encrypted payload.
	ForwardPayloadLength int

	// UserForwardPayloadLength is the size of the usable payload.
	UserForwardPayloadLength int

	// SURBLength is the length of a SURB.
	SURBLength int

	// SURBIDLength is the length of a SURB ID.
	SURBIDLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int
}

// GeometryFromPacketSize returns the geometry of packets of size s.
func GeometryFromPacketSize(s PacketSize) *Geometry {
	return &Geometry{
		Size:                     s,
		PacketLength:             s.PacketLength(),
		NrHops:                   NrHops,
		HeaderLength:             HeaderLength,
		PerHopRoutingInfoLength:  slotLength,
		PayloadTagLength:         PayloadTagLength,
		ForwardPayloadLength:     s.ForwardPayloadLength(),
		UserForwardPayloadLength: s.PayloadLength(),
		SURBLength:               SURBLength,
		SURBIDLength:             SURBIDLength,
		NodeIDLength:             NodeIDLength,
	}
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("sphinx_packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size class: %s\n", g.Size))
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("number of hops: %d\n", g.NrHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("user forward payload size: %d\n", g.UserForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("surb size: %d\n", g.SURBLength))
	return b.String()
}
