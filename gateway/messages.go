// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway implements the client side of the gateway link and a
// minimal gateway listener.
package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/mixclient/sphinx"
)

const (
	// ProtocolVersion is the link protocol version sent in the hello.
	ProtocolVersion = 1

	// MaxFrameLength bounds a single length prefixed frame.
	MaxFrameLength = 1 << 20

	frameHeaderLength = 4
)

var (
	// ErrAuthenticationFailed is returned when the gateway rejects the hello.
	ErrAuthenticationFailed = errors.New("gateway: authentication failed")

	// ErrSessionClosed is returned by Send after the session has gone away.
	ErrSessionClosed = errors.New("gateway: session closed")

	errFrameTooLarge = errors.New("gateway: frame too large")
)

// MixPacket is a fully wrapped Sphinx packet and the first hop it must be
// handed to.
type MixPacket struct {
	NextHop [32]byte
	Packet  []byte
}

// Delivery is a packet body the gateway delivered to this client.  SURBID
// is set when the body arrived on a reply block.
type Delivery struct {
	SURBID  *[sphinx.SURBIDLength]byte `cbor:",omitempty"`
	Payload []byte
}

// AckRegionLength is the length of the SURB-ack at the head of every
// forward payload: the ack's first hop followed by a complete ack packet.
var AckRegionLength = sphinx.NodeIDLength + sphinx.AckPacket.PacketLength()

// SplitPayload separates a forward payload delivered by the terminal hop
// into the embedded SURB-ack, which the gateway injects into the network,
// and the body handed to the client.  Acks themselves carry no SURB-ack.
func SplitPayload(payload []byte) (*MixPacket, []byte) {
	if len(payload) <= AckRegionLength {
		return nil, payload
	}
	ack := &MixPacket{Packet: payload[sphinx.NodeIDLength:AckRegionLength]}
	copy(ack.NextHop[:], payload[:sphinx.NodeIDLength])
	return ack, payload[AckRegionLength:]
}

type hello struct {
	Version  int
	ClientID [32]byte
}

type welcome struct {
	OK     bool
	Reason string `cbor:",omitempty"`
}

func writeFrame(w io.Writer, v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameLength {
		return errFrameTooLarge
	}
	buf := make([]byte, frameHeaderLength+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[frameHeaderLength:], b)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLength {
		return errFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("gateway: malformed frame: %w", err)
	}
	return nil
}
