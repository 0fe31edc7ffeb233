// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package testnet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/sphinx"
	"github.com/katzenpost/mixclient/topology"
)

func newTestNetwork(t *testing.T) (*Network, *log.Backend) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	n, err := New(3, 2, 2, logBackend)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n, logBackend
}

func testPath(t *testing.T, n *Network, gw topology.NodeID) []*sphinx.PathHop {
	delays, err := poisson.NewSampler(poisson.Descriptor{Average: time.Millisecond})
	require.NoError(t, err)
	route, err := n.Topology().RandomRoute(rand.NewMath(), gw)
	require.NoError(t, err)
	path, _ := topology.Path(route, delays)
	return path
}

func forwardPacket(t *testing.T, n *Network, client [32]byte, body []byte) *gateway.MixPacket {
	require := require.New(t)
	gw := n.Gateway(0)

	ackPath := testPath(t, n, gw)
	ack, err := sphinx.NewSphinx(sphinx.AckPacket).NewPacket(rand.Reader, ackPath, &client, []byte("ack"))
	require.NoError(err)

	payload := append([]byte{}, ackPath[0].ID[:]...)
	payload = append(payload, ack...)
	payload = append(payload, body...)

	path := testPath(t, n, gw)
	pkt, err := sphinx.NewSphinx(sphinx.RegularPacket).NewPacket(rand.Reader, path, &client, payload)
	require.NoError(err)
	return &gateway.MixPacket{NextHop: path[0].ID, Packet: pkt}
}

func receive(t *testing.T, ch <-chan *gateway.Delivery) *gateway.Delivery {
	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func TestForwardWithAck(t *testing.T) {
	require := require.New(t)
	n, _ := newTestNetwork(t)

	client := [32]byte{1}
	s := n.Connect(client)
	require.NoError(s.Send(forwardPacket(t, n, client, []byte("hello"))))

	var gotAck, gotBody bool
	for i := 0; i < 2; i++ {
		d := receive(t, s.Inbound())
		require.Nil(d.SURBID)
		switch len(d.Payload) {
		case sphinx.AckPacket.PayloadLength():
			require.True(bytes.HasPrefix(d.Payload, []byte("ack")))
			gotAck = true
		case sphinx.RegularPacket.PayloadLength() - gateway.AckRegionLength:
			require.True(bytes.HasPrefix(d.Payload, []byte("hello")))
			gotBody = true
		default:
			t.Fatalf("unexpected delivery length %d", len(d.Payload))
		}
	}
	require.True(gotAck)
	require.True(gotBody)

	require.Eventually(func() bool {
		injected, delivered, dropped := n.Stats()
		return injected == 2 && delivered == 2 && dropped == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSURBDelivery(t *testing.T) {
	require := require.New(t)
	n, _ := newTestNetwork(t)

	client := [32]byte{2}
	s := n.Connect(client)

	surbID := [sphinx.SURBIDLength]byte{9}
	sph := sphinx.NewSphinx(sphinx.RegularPacket)
	surb, keys, err := sph.NewSURB(rand.Reader, testPath(t, n, n.Gateway(0)), &client, &surbID)
	require.NoError(err)
	pkt, firstHop, err := sph.NewPacketFromSURB(surb, []byte("reply"))
	require.NoError(err)
	require.NoError(s.Send(&gateway.MixPacket{NextHop: *firstHop, Packet: pkt}))

	d := receive(t, s.Inbound())
	require.NotNil(d.SURBID)
	require.Equal(surbID, *d.SURBID)
	pt, err := sphinx.DecryptSURBPayload(d.Payload, keys)
	require.NoError(err)
	require.True(bytes.HasPrefix(pt, []byte("reply")))
}

func TestDropAndClose(t *testing.T) {
	require := require.New(t)
	n, _ := newTestNetwork(t)

	client := [32]byte{3}
	s := n.Connect(client)
	n.SetDropFunc(func(*gateway.MixPacket) bool { return true })
	require.NoError(s.Send(forwardPacket(t, n, client, []byte("lost"))))
	_, _, dropped := n.Stats()
	require.Equal(uint64(1), dropped)

	// Reconnecting replaces, and closes, the previous session.
	s2 := n.Connect(client)
	_, ok := <-s.Inbound()
	require.False(ok)
	require.ErrorIs(s.Send(&gateway.MixPacket{}), gateway.ErrSessionClosed)

	n.SetDropFunc(nil)
	require.NoError(s2.Send(forwardPacket(t, n, client, []byte("kept"))))
	receive(t, s2.Inbound())
	require.NoError(s2.Close())
}

func TestServeQUIC(t *testing.T) {
	require := require.New(t)
	n, logBackend := newTestNetwork(t)

	tlsConf, err := gateway.GenerateTLSConfig()
	require.NoError(err)
	l, err := n.Serve("127.0.0.1:0", tlsConf)
	require.NoError(err)
	defer l.Close()

	client := [32]byte{4}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := gateway.Dial(ctx, &gateway.DialConfig{Address: l.Addr().String(), ClientID: client}, logBackend)
	require.NoError(err)
	defer s.Close()

	require.NoError(s.Send(forwardPacket(t, n, client, []byte("over quic"))))
	for i := 0; i < 2; i++ {
		d := receive(t, s.Inbound())
		if len(d.Payload) != sphinx.AckPacket.PayloadLength() {
			require.True(bytes.HasPrefix(d.Payload, []byte("over quic")))
		}
	}
}
