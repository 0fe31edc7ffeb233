// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/client/config"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/testnet"
	"github.com/katzenpost/mixclient/sphinx"
	"github.com/katzenpost/mixclient/topology"
)

func newTestNetwork(t *testing.T) *testnet.Network {
	n, err := testnet.New(3, 2, 1, newTestLogBackend(t))
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

// testConfig is tuned for a network that does not delay packets: short
// ack timeouts and no pacing.
func testConfig(t *testing.T, n *testnet.Network) *config.Config {
	gw := n.Gateway(0)
	cfg := &config.Config{
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		Gateway: &config.Gateway{
			Address: "127.0.0.1:4433",
			ID:      base64.RawURLEncoding.EncodeToString(gw[:]),
		},
		Directory: &config.Directory{File: "unused"},
		Traffic: &config.Traffic{
			AveragePacketDelay:                   1,
			DisableMainPoissonPacketDistribution: true,
		},
		CoverTraffic: &config.CoverTraffic{DisableLoopCoverTrafficStream: true},
		Acknowledgements: &config.Acknowledgements{
			AverageAckDelay:    1,
			AckWaitMultiplier:  1,
			AckWaitAddition:    300,
			MaxRetransmissions: 5,
		},
		Storage: &config.Storage{DataDir: t.TempDir()},
	}
	return cfg
}

func newTestClient(t *testing.T, n *testnet.Network, cfg *config.Config) (*Client, *testnet.Session) {
	require.NoError(t, cfg.FixupAndValidate())
	keys, err := NewKeys(rand.Reader)
	require.NoError(t, err)
	session := n.Connect(keys.ClientID)
	c, err := New(cfg, newTestLogBackend(t), session, n, keys)
	require.NoError(t, err)
	return c, session
}

func startTestClient(t *testing.T, n *testnet.Network, cfg *config.Config) (*Client, *testnet.Session) {
	c, session := newTestClient(t, n, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Shutdown)
	return c, session
}

func nextReceived(t *testing.T, c *Client) *ReconstructedMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, err := c.NextReceived(ctx)
	require.NoError(t, err)
	return m
}

func isRegularPacket(pkt *gateway.MixPacket) bool {
	return len(pkt.Packet) == sphinx.RegularPacket.PacketLength()
}

func TestMessageWithReply(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	alice, _ := startTestClient(t, n, testConfig(t, n))
	bob, _ := startTestClient(t, n, testConfig(t, n))

	// Three fragments worth of message.
	msg := make([]byte, 2*fragmentCapacity(sphinx.RegularPacket)+100)
	_, err := rand.Reader.Read(msg)
	require.NoError(err)
	require.NoError(alice.Submit(NewFreshMessage(bob.Address(), msg, true)))

	m := nextReceived(t, bob)
	require.Equal(msg, m.Data)
	require.False(m.IsReply)
	require.NotNil(m.ReplySURB)

	// Every fragment is acknowledged.
	require.Eventually(func() bool { return alice.acks.pending.Len() == 0 }, 10*time.Second, 10*time.Millisecond)

	reply := []byte("the reply")
	require.NoError(bob.Submit(NewReplyMessage(m.ReplySURB, reply)))
	m = nextReceived(t, alice)
	require.Equal(reply, m.Data)
	require.True(m.IsReply)
	require.Nil(m.ReplySURB)

	// The reply key was consumed.
	require.Eventually(func() bool {
		l, err := alice.replyKeys.Len()
		return err == nil && l == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitRegistersState(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	cfg := testConfig(t, n)
	cfg.Acknowledgements.AckWaitAddition = 60 * 1000
	c, _ := startTestClient(t, n, cfg)

	// Nothing gets through, so the state stays put.
	n.SetDropFunc(isRegularPacket)

	msg := make([]byte, 2*fragmentCapacity(sphinx.RegularPacket))
	require.NoError(c.Submit(NewFreshMessage(c.Address(), msg, true)))

	require.Eventually(func() bool {
		_, _, dropped := n.Stats()
		return dropped == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(3, c.acks.pending.Len())
	require.Eventually(func() bool { return c.acks.timers.Len() == 3 }, time.Second, time.Millisecond)
	l, err := c.replyKeys.Len()
	require.NoError(err)
	require.Equal(1, l)
	require.False(c.Idle())
}

func TestSubmitValidation(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	c, _ := startTestClient(t, n, testConfig(t, n))

	big := make([]byte, replyCapacity(sphinx.RegularPacket))
	require.ErrorIs(c.Submit(NewReplyMessage(&ReplySURB{SURB: make([]byte, sphinx.SURBLength)}, big)), ErrReplyTooLarge)
	require.ErrorIs(c.Submit(NewReplyMessage(&ReplySURB{SURB: []byte("short")}, nil)), ErrInvalidMessage)

	huge := make([]byte, (maxFragments+1)*fragmentCapacity(sphinx.RegularPacket))
	require.ErrorIs(c.Submit(NewFreshMessage(c.Address(), huge, false)), ErrMessageTooLarge)
}

func TestRetransmission(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	alice, _ := startTestClient(t, n, testConfig(t, n))
	bob, _ := startTestClient(t, n, testConfig(t, n))

	// The first two attempts are lost.
	var lost atomic.Int32
	n.SetDropFunc(func(pkt *gateway.MixPacket) bool {
		return isRegularPacket(pkt) && lost.Add(1) <= 2
	})

	require.NoError(alice.Submit(NewFreshMessage(bob.Address(), []byte("eventually"), false)))
	m := nextReceived(t, bob)
	require.Equal([]byte("eventually"), m.Data)
	require.GreaterOrEqual(lost.Load(), int32(3))
	require.Eventually(alice.Idle, 10*time.Second, 10*time.Millisecond)

	select {
	case f := <-alice.DeliveryFailures():
		t.Fatalf("unexpected delivery failure: %v", f)
	default:
	}
}

func TestLostAcksAreHarmless(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	alice, _ := startTestClient(t, n, testConfig(t, n))
	bob, _ := startTestClient(t, n, testConfig(t, n))

	// Drop the first ack, so the fragment is delivered twice.
	var lost atomic.Int32
	n.SetDropFunc(func(pkt *gateway.MixPacket) bool {
		return len(pkt.Packet) == sphinx.AckPacket.PacketLength() && lost.Add(1) == 1
	})

	require.NoError(alice.Submit(NewFreshMessage(bob.Address(), []byte("once"), false)))
	require.Equal([]byte("once"), nextReceived(t, bob).Data)
	require.Eventually(func() bool { return alice.acks.pending.Len() == 0 }, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := bob.NextReceived(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestGiveUp(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	cfg := testConfig(t, n)
	cfg.Acknowledgements.MaxRetransmissions = 2
	cfg.Acknowledgements.AckWaitAddition = 50
	alice, _ := startTestClient(t, n, cfg)
	bob, _ := startTestClient(t, n, testConfig(t, n))

	n.SetDropFunc(isRegularPacket)

	msg := make([]byte, fragmentCapacity(sphinx.RegularPacket)+1)
	require.NoError(alice.Submit(NewFreshMessage(bob.Address(), msg, false)))

	select {
	case f := <-alice.DeliveryFailures():
		require.Equal(bob.Address(), f.Recipient)
		require.ErrorIs(f.Reason, ErrRetransmissionsExhausted)
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery failure")
	}
	require.Zero(alice.acks.pending.Len())

	// Giving up is not fatal.
	select {
	case err := <-alice.FatalErrCh():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
	n.SetDropFunc(nil)
	require.NoError(alice.Submit(NewFreshMessage(bob.Address(), []byte("still alive"), false)))
	require.Equal([]byte("still alive"), nextReceived(t, bob).Data)
}

func TestSendFailureIsFatal(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	c, session := startTestClient(t, n, testConfig(t, n))

	errBroken := errors.New("link broken")
	session.FailSends(errBroken)
	require.NoError(c.Submit(NewFreshMessage(c.Address(), []byte("doomed"), false)))

	select {
	case err := <-c.FatalErrCh():
		require.ErrorIs(err, errBroken)
	case <-time.After(10 * time.Second):
		t.Fatal("send failure was not reported")
	}
}

func TestSessionLossIsFatal(t *testing.T) {
	n := newTestNetwork(t)
	c, session := startTestClient(t, n, testConfig(t, n))

	session.Close()
	select {
	case err := <-c.FatalErrCh():
		require.ErrorIs(t, err, errSessionLost)
	case <-time.After(10 * time.Second):
		t.Fatal("session loss was not reported")
	}
}

func TestUnroutableStartup(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)

	top := n.Topology()
	layers := [][]*topology.Node{top.Layer(0), {}, top.Layer(2)}
	broken, err := topology.New(top.Epoch()+1, layers, top.Gateways())
	require.NoError(err)
	n.SetTopology(broken)

	c, _ := newTestClient(t, n, testConfig(t, n))
	err = c.Start(context.Background())
	require.ErrorIs(err, topology.ErrNotRoutable)
	c.Shutdown()
	c.Wait()

	require.ErrorIs(c.Submit(NewFreshMessage(c.Address(), nil, false)), ErrShutdown)
}

func TestReceiverBusy(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	c, _ := startTestClient(t, n, testConfig(t, n))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.NextReceived(context.Background())
		errCh <- err
	}()
	require.Eventually(c.receiving.Load, time.Second, time.Millisecond)

	_, err := c.NextReceived(context.Background())
	require.ErrorIs(err, ErrReceiverBusy)

	c.Shutdown()
	select {
	case err = <-errCh:
		require.ErrorIs(err, ErrShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver was not released on shutdown")
	}
}

func TestPacedStream(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)
	cfg := testConfig(t, n)
	cfg.Traffic.DisableMainPoissonPacketDistribution = false
	cfg.Traffic.MessageSendingAverageDelay = 5
	c, _ := startTestClient(t, n, cfg)

	// With nothing to send the paced stream still emits cover.
	require.Eventually(func() bool {
		injected, _, _ := n.Stats()
		return injected > 10
	}, 5*time.Second, 10*time.Millisecond)

	msg := make([]byte, 3*fragmentCapacity(sphinx.RegularPacket))
	require.NoError(c.Submit(NewFreshMessage(c.Address(), msg, false)))
	m := nextReceived(t, c)
	require.True(bytes.Equal(msg, m.Data))
}

func TestLoopCoverRate(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)

	var sent atomic.Int64
	n.SetDropFunc(func(pkt *gateway.MixPacket) bool {
		if isRegularPacket(pkt) {
			sent.Add(1)
		}
		return false
	})

	const average = 10 * time.Millisecond
	const window = 2 * time.Second
	cfg := testConfig(t, n)
	cfg.CoverTraffic.DisableLoopCoverTrafficStream = false
	cfg.CoverTraffic.LoopCoverTrafficAverageDelay = int(average / time.Millisecond)
	startTestClient(t, n, cfg)

	time.Sleep(window)
	expected := int64(window / average)
	got := sent.Load()
	require.Greater(got, expected/3, "loop cover rate too low")
	require.Less(got, expected*3, "loop cover rate too high")
}

func TestOverQUIC(t *testing.T) {
	require := require.New(t)
	n := newTestNetwork(t)

	tlsConf, err := gateway.GenerateTLSConfig()
	require.NoError(err)
	l, err := n.Serve("127.0.0.1:0", tlsConf)
	require.NoError(err)
	defer l.Close()

	cfg := testConfig(t, n)
	cfg.Gateway.Address = l.Addr().String()
	require.NoError(cfg.FixupAndValidate())
	keys, err := NewKeys(rand.Reader)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session, err := gateway.Dial(ctx, &gateway.DialConfig{
		Address:  cfg.Gateway.Address,
		ClientID: keys.ClientID,
	}, newTestLogBackend(t))
	require.NoError(err)

	c, err := New(cfg, newTestLogBackend(t), session, n, keys)
	require.NoError(err)
	require.NoError(c.Start(ctx))
	defer c.Shutdown()

	require.NoError(c.Submit(NewFreshMessage(c.Address(), []byte("over the wire"), true)))
	m := nextReceived(t, c)
	require.Equal([]byte("over the wire"), m.Data)
	require.NotNil(m.ReplySURB)
}
