// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/hash"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	id         [NodeIDLength]byte
	publicKey  []byte
	privateKey []byte
}

func newTestNodes(t *testing.T, n int) []*testNode {
	nodes := make([]*testNode, n)
	for i := range nodes {
		pub, priv, err := NewKeypair(rand.Reader)
		require.NoError(t, err)
		nodes[i] = &testNode{
			id:         hash.Sum256(pub),
			publicKey:  pub,
			privateKey: priv,
		}
	}
	return nodes
}

func newTestPath(nodes []*testNode) []*PathHop {
	path := make([]*PathHop, len(nodes))
	for i, n := range nodes {
		path[i] = &PathHop{
			ID:        n.id,
			PublicKey: n.publicKey,
			Delay:     uint32(i * 10),
		}
	}
	return path
}

func TestPacketSizes(t *testing.T) {
	require := require.New(t)

	for _, s := range []PacketSize{RegularPacket, AckPacket, ExtendedPacket} {
		require.True(s.Valid())
		geo := GeometryFromPacketSize(s)
		require.Equal(HeaderLength+PayloadTagLength+s.PayloadLength(), geo.PacketLength)
		require.Contains(geo.String(), s.String())
	}
	require.False(PacketSize(9).Valid())

	s, err := ParsePacketSize("Extended")
	require.NoError(err)
	require.Equal(ExtendedPacket, s)
	_, err = ParsePacketSize("ack")
	require.Error(err)

	var u PacketSize
	require.NoError(u.UnmarshalText([]byte("regular")))
	require.Equal(RegularPacket, u)
	b, err := ExtendedPacket.MarshalText()
	require.NoError(err)
	require.Equal("extended", string(b))
}

func TestForwardPacket(t *testing.T) {
	for _, size := range []PacketSize{RegularPacket, AckPacket, ExtendedPacket} {
		for nrHops := 1; nrHops <= NrHops; nrHops++ {
			t.Run(size.String(), func(t *testing.T) {
				testForwardPacket(t, size, nrHops)
			})
		}
	}
}

func testForwardPacket(t *testing.T, size PacketSize, nrHops int) {
	require := require.New(t)

	s := NewSphinx(size)
	nodes := newTestNodes(t, nrHops)
	path := newTestPath(nodes)
	recipient := [NodeIDLength]byte{0x42}

	payload := make([]byte, s.Geometry().UserForwardPayloadLength-7)
	_, err := rand.Read(payload)
	require.NoError(err)

	pkt, err := s.NewPacket(rand.Reader, path, &recipient, payload)
	require.NoError(err)
	require.Len(pkt, s.Geometry().PacketLength)

	for i, n := range nodes {
		res, err := Unwrap(n.privateKey, pkt)
		require.NoError(err, "hop %d", i)
		require.Equal(uint32(i*10), res.Command.Delay)
		if i < len(nodes)-1 {
			require.False(res.Command.Deliver)
			require.Equal(nodes[i+1].id, res.Command.ID)
			require.Len(res.Packet, len(pkt), "packet length must be constant")
			require.Nil(res.Payload)
			pkt = res.Packet
			continue
		}
		require.True(res.Command.Deliver)
		require.Nil(res.Command.SURBID)
		require.Equal(recipient, res.Command.ID)
		require.Len(res.Payload, s.Geometry().UserForwardPayloadLength)
		require.Equal(payload, res.Payload[:len(payload)])
		require.True(isZero(res.Payload[len(payload):]))
	}
}

func TestUnwrapRejects(t *testing.T) {
	require := require.New(t)

	s := NewSphinx(RegularPacket)
	nodes := newTestNodes(t, 3)
	recipient := [NodeIDLength]byte{1}
	pkt, err := s.NewPacket(rand.Reader, newTestPath(nodes), &recipient, []byte("hello"))
	require.NoError(err)

	_, err = Unwrap(nodes[1].privateKey, pkt)
	require.ErrorIs(err, errInvalidHeader, "wrong hop key")

	tampered := bytes.Clone(pkt)
	tampered[publicKeyLength+3] ^= 0xff
	_, err = Unwrap(nodes[0].privateKey, tampered)
	require.ErrorIs(err, errInvalidHeader)

	_, err = Unwrap(nodes[0].privateKey, pkt[:HeaderLength])
	require.ErrorIs(err, errTruncatedPacket)

	// Payload tampering is caught by the tag at the terminal hop.
	tampered = bytes.Clone(pkt)
	tampered[len(tampered)-1] ^= 0x01
	for i, n := range nodes {
		res, err := Unwrap(n.privateKey, tampered)
		if i < len(nodes)-1 {
			require.NoError(err)
			tampered = res.Packet
			continue
		}
		require.ErrorIs(err, errInvalidTag)
	}
}

func TestNewPacketErrors(t *testing.T) {
	require := require.New(t)

	s := NewSphinx(AckPacket)
	recipient := [NodeIDLength]byte{}
	nodes := newTestNodes(t, NrHops+1)

	_, err := s.NewPacket(rand.Reader, newTestPath(nodes), &recipient, nil)
	require.ErrorIs(err, errInvalidPath)
	_, err = s.NewPacket(rand.Reader, nil, &recipient, nil)
	require.ErrorIs(err, errInvalidPath)
	_, err = s.NewPacket(rand.Reader, newTestPath(nodes[:2]), nil, nil)
	require.ErrorIs(err, errMissingRecipient)
	_, err = s.NewPacket(rand.Reader, newTestPath(nodes[:2]), &recipient, make([]byte, AckPacket.PayloadLength()+1))
	require.ErrorIs(err, errInvalidPayload)

	bad := newTestPath(nodes[:2])
	bad[1].PublicKey = []byte{1, 2, 3}
	_, err = s.NewPacket(rand.Reader, bad, &recipient, nil)
	require.ErrorIs(err, errInvalidPathHopKey)
}

func TestSURB(t *testing.T) {
	require := require.New(t)

	s := NewSphinx(RegularPacket)
	nodes := newTestNodes(t, 4)
	recipient := [NodeIDLength]byte{7}
	surbID := [SURBIDLength]byte{1, 2, 3}

	surb, keys, err := s.NewSURB(rand.Reader, newTestPath(nodes), &recipient, &surbID)
	require.NoError(err)
	require.Len(surb, SURBLength)
	require.Len(keys, (len(nodes)+1)*SURBKeyLength)

	reply := []byte("a reply that nobody can trace back")
	pkt, firstHop, err := s.NewPacketFromSURB(surb, reply)
	require.NoError(err)
	require.Equal(nodes[0].id, *firstHop)
	require.Len(pkt, RegularPacket.PacketLength())

	var delivered []byte
	for i, n := range nodes {
		res, err := Unwrap(n.privateKey, pkt)
		require.NoError(err)
		if i < len(nodes)-1 {
			pkt = res.Packet
			continue
		}
		require.True(res.Command.Deliver)
		require.NotNil(res.Command.SURBID)
		require.Equal(surbID, *res.Command.SURBID)
		require.Equal(recipient, res.Command.ID)
		delivered = res.Payload
	}

	plaintext, err := DecryptSURBPayload(delivered, keys)
	require.NoError(err)
	require.Equal(reply, plaintext[:len(reply)])

	// Keys from another SURB do not decrypt the payload.
	_, otherKeys, err := s.NewSURB(rand.Reader, newTestPath(nodes), &recipient, &surbID)
	require.NoError(err)
	_, err = DecryptSURBPayload(delivered, otherKeys)
	require.ErrorIs(err, errInvalidTag)

	_, err = DecryptSURBPayload(delivered, keys[:SURBKeyLength])
	require.ErrorIs(err, errInvalidSURBKeys)
	_, _, err = s.NewPacketFromSURB(surb[1:], reply)
	require.ErrorIs(err, errInvalidSURB)
}

func TestRoutingCommandEncoding(t *testing.T) {
	require := require.New(t)

	surbID := [SURBIDLength]byte{9}
	cmd := &RoutingCommand{Deliver: true, ID: [NodeIDLength]byte{3}, Delay: 1234, SURBID: &surbID}
	got, err := routingCommandFromBytes(cmd.toBytes())
	require.NoError(err)
	require.Equal(cmd, got)

	raw := (&RoutingCommand{ID: [NodeIDLength]byte{4}}).toBytes()
	raw[0] = 0x7f
	_, err = routingCommandFromBytes(raw)
	require.ErrorIs(err, errInvalidCommand)

	// A relay hop can not carry a SURB ID.
	raw = (&RoutingCommand{ID: [NodeIDLength]byte{4}}).toBytes()
	raw[1+NodeIDLength+4] = 1
	_, err = routingCommandFromBytes(raw)
	require.ErrorIs(err, errInvalidCommand)
}
