// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sphinx implements the layered packet format carried by the
// mixnet.  Every hop peels one header slot, sealed with ChaCha20-Poly1305
// under an x25519 derived key, and one AEZ layer of the payload.
package sphinx

import (
	"errors"
	"io"
)

var (
	errInvalidPath       = errors.New("sphinx: invalid path")
	errInvalidPayload    = errors.New("sphinx: oversized payload")
	errTruncatedPacket   = errors.New("sphinx: truncated packet")
	errInvalidHeader     = errors.New("sphinx: header authentication failed")
	errInvalidTag        = errors.New("sphinx: payload auth failed")
	errInvalidSURB       = errors.New("sphinx: invalid SURB")
	errInvalidSURBKeys   = errors.New("sphinx: invalid SURB decryption keys")
	errMissingRecipient  = errors.New("sphinx: missing recipient")
	errInvalidPathHopKey = errors.New("sphinx: invalid path hop public key")
)

// PathHop describes a hop that a Sphinx Packet will traverse.
type PathHop struct {
	// ID is the node identifier.
	ID [NodeIDLength]byte

	// PublicKey is the node's raw x25519 mix key.
	PublicKey []byte

	// Delay is the time the node holds the packet, in milliseconds.
	Delay uint32
}

// Sphinx creates packets of one PacketSize.
type Sphinx struct {
	geometry *Geometry
}

// NewSphinx creates a new instance of Sphinx.
func NewSphinx(size PacketSize) *Sphinx {
	return &Sphinx{
		geometry: GeometryFromPacketSize(size),
	}
}

// Geometry returns the Sphinx packet geometry.
func (s *Sphinx) Geometry() *Geometry {
	return s.geometry
}

func createHeader(r io.Reader, path []*PathHop, terminal *RoutingCommand) ([]byte, []*hopKeys, error) {
	nrHops := len(path)
	if nrHops == 0 || nrHops > NrHops {
		return nil, nil, errInvalidPath
	}

	keys := make([]*hopKeys, nrHops)
	ephemeral := make([][]byte, nrHops)
	for i, hop := range path {
		pub, err := nikeScheme.UnmarshalBinaryPublicKey(hop.PublicKey)
		if err != nil {
			return nil, nil, errInvalidPathHopKey
		}
		ephPub, ephPriv, err := nikeScheme.GenerateKeyPairFromEntropy(r)
		if err != nil {
			return nil, nil, err
		}
		sharedSecret := nikeScheme.DeriveSecret(ephPriv, pub)
		keys[i] = deriveHopKeys(sharedSecret)
		ephemeral[i] = ephPub.Bytes()
		explicitBzero(sharedSecret)
		ephPriv.Reset()
	}

	cmds := make([]*RoutingCommand, nrHops)
	for i := 0; i < nrHops-1; i++ {
		cmds[i] = &RoutingCommand{
			ID:    path[i+1].ID,
			Delay: path[i].Delay,
		}
	}
	last := *terminal
	last.Deliver = true
	last.Delay = path[nrHops-1].Delay
	cmds[nrHops-1] = &last

	slot := func(i int) []byte {
		b := make([]byte, 0, slotLength)
		b = append(b, ephemeral[i]...)
		return append(b, keys[i].sealCommand(cmds[i].toBytes())...)
	}

	// The filler is what each hop's keystream leaves at the tail of the
	// header once the preceding hops have shifted it.
	var filler []byte
	for i := 0; i < nrHops-1; i++ {
		filler = append(filler, make([]byte, slotLength)...)
		ks := keys[i].keyStream(HeaderLength)
		xorBytes(filler, filler, ks[HeaderLength-len(filler):])
	}

	hdr := make([]byte, HeaderLength)
	copy(hdr, slot(nrHops-1))
	padEnd := HeaderLength - len(filler)
	if _, err := io.ReadFull(r, hdr[slotLength:padEnd]); err != nil {
		return nil, nil, err
	}
	copy(hdr[padEnd:], filler)

	for i := nrHops - 2; i >= 0; i-- {
		ks := keys[i].keyStream(HeaderLength)
		prev := make([]byte, HeaderLength)
		copy(prev, slot(i))
		xorBytes(prev[slotLength:], hdr[:HeaderLength-slotLength], ks[:HeaderLength-slotLength])
		hdr = prev
	}
	return hdr, keys, nil
}

func resetKeys(keys []*hopKeys) {
	for _, k := range keys {
		k.Reset()
	}
}

// NewPacket creates a forward Sphinx packet with the provided path and
// payload, delivered to recipient at the terminal hop.  Payloads shorter
// than the geometry's user payload length are zero padded.
func (s *Sphinx) NewPacket(r io.Reader, path []*PathHop, recipient *[NodeIDLength]byte, payload []byte) ([]byte, error) {
	if recipient == nil {
		return nil, errMissingRecipient
	}
	if len(payload) > s.geometry.UserForwardPayloadLength {
		return nil, errInvalidPayload
	}
	hdr, keys, err := createHeader(r, path, &RoutingCommand{ID: *recipient})
	if err != nil {
		return nil, err
	}
	defer resetKeys(keys)

	body := make([]byte, s.geometry.ForwardPayloadLength)
	copy(body[PayloadTagLength:], payload)
	for i := len(keys) - 1; i >= 0; i-- {
		body = sprpEncrypt(keys[i].sprpKey[:], keys[i].sprpIV[:], body)
	}

	pkt := make([]byte, 0, s.geometry.PacketLength)
	pkt = append(pkt, hdr...)
	return append(pkt, body...), nil
}

// UnwrapResult is the outcome of one hop's processing of a packet.
type UnwrapResult struct {
	// Command is the hop's routing command.
	Command *RoutingCommand

	// Packet is the packet to relay to Command.ID, set if the hop is not
	// the terminal hop.
	Packet []byte

	// Payload is the delivered payload, set on the terminal hop.  For SURB
	// replies it is still encrypted under the SURB's keys.
	Payload []byte
}

// Unwrap processes one layer of pkt with the hop's raw x25519 private key.
// Packets of every size share the header format.
func Unwrap(privateKey []byte, pkt []byte) (*UnwrapResult, error) {
	if len(pkt) < HeaderLength+AckPacket.ForwardPayloadLength() {
		return nil, errTruncatedPacket
	}
	hdr, payload := pkt[:HeaderLength], pkt[HeaderLength:]

	sharedSecret, err := SharedSecret(privateKey, hdr[:publicKeyLength])
	if err != nil {
		return nil, errInvalidHeader
	}
	keys := deriveHopKeys(sharedSecret)
	explicitBzero(sharedSecret)
	defer keys.Reset()

	raw, err := keys.openCommand(hdr[publicKeyLength:slotLength])
	if err != nil {
		return nil, errInvalidHeader
	}
	cmd, err := routingCommandFromBytes(raw)
	if err != nil {
		return nil, err
	}

	body := sprpDecrypt(keys.sprpKey[:], keys.sprpIV[:], payload)
	res := &UnwrapResult{Command: cmd}
	switch {
	case !cmd.Deliver:
		ks := keys.keyStream(HeaderLength)
		next := make([]byte, len(pkt))
		xorBytes(next[:HeaderLength-slotLength], hdr[slotLength:], ks[:HeaderLength-slotLength])
		copy(next[HeaderLength-slotLength:HeaderLength], ks[HeaderLength-slotLength:])
		copy(next[HeaderLength:], body)
		res.Packet = next
	case cmd.SURBID != nil:
		res.Payload = body
	default:
		if !isZero(body[:PayloadTagLength]) {
			return nil, errInvalidTag
		}
		res.Payload = body[PayloadTagLength:]
	}
	return res, nil
}
