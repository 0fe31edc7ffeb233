// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"crypto/rand"
	"fmt"
	"strings"
	"testing"
	"time"

	hpqcrand "github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/sphinx"
)

func newTestNode(t *testing.T, name string) *Node {
	pub, _, err := sphinx.NewKeypair(rand.Reader)
	require.NoError(t, err)
	id := make([]byte, 32)
	_, err = rand.Read(id)
	require.NoError(t, err)
	return &Node{
		Name:        name,
		IdentityKey: id,
		MixKey:      pub,
		Address:     "127.0.0.1:0",
	}
}

func newTestTopology(t *testing.T, epoch uint64, nrLayers, perLayer int) *Topology {
	layers := make([][]*Node, nrLayers)
	for l := range layers {
		for i := 0; i < perLayer; i++ {
			layers[l] = append(layers[l], newTestNode(t, fmt.Sprintf("e%d-mix-%d-%d", epoch, l, i)))
		}
	}
	gateways := []*Node{
		newTestNode(t, fmt.Sprintf("e%d-gateway-0", epoch)),
		newTestNode(t, fmt.Sprintf("e%d-gateway-1", epoch)),
	}
	topo, err := New(epoch, layers, gateways)
	require.NoError(t, err)
	return topo
}

func TestIsRoutable(t *testing.T) {
	require := require.New(t)

	topo := newTestTopology(t, 1, 3, 2)
	gw := topo.Gateways()[0].ID()
	require.NoError(topo.IsRoutable(gw))

	err := topo.IsRoutable(NodeID{0xde, 0xad})
	require.ErrorIs(err, ErrNotRoutable)

	empty, err := New(1, [][]*Node{{newTestNode(t, "a")}, {}}, topo.Gateways())
	require.NoError(err)
	require.ErrorIs(empty.IsRoutable(gw), ErrNotRoutable)

	noLayers, err := New(1, nil, topo.Gateways())
	require.NoError(err)
	require.ErrorIs(noLayers.IsRoutable(gw), ErrNotRoutable)

	var nilTopo *Topology
	require.ErrorIs(nilTopo.IsRoutable(gw), ErrNoTopology)
}

func TestNewRejectsBadNodes(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "dup")
	_, err := New(1, [][]*Node{{n, n}}, nil)
	require.Error(err)

	_, err = New(1, [][]*Node{{nil}}, nil)
	require.Error(err)

	bad := newTestNode(t, "badkey")
	bad.MixKey = bad.MixKey[:5]
	_, err = New(1, nil, []*Node{bad})
	require.Error(err)
}

func TestSnapshotIsImmutable(t *testing.T) {
	require := require.New(t)

	n := newTestNode(t, "mix")
	gw := newTestNode(t, "gw")
	layers := [][]*Node{{n}}
	topo, err := New(3, layers, []*Node{gw})
	require.NoError(err)

	// Mutating the caller's nodes must not leak into the snapshot.
	n.Name = "changed"
	layers[0] = nil
	require.Equal("mix", topo.Layer(0)[0].Name)
	require.NoError(topo.IsRoutable(gw.ID()))
}

func TestMarshalRoundTrip(t *testing.T) {
	require := require.New(t)

	topo := newTestTopology(t, 42, 3, 3)
	b, err := topo.Marshal()
	require.NoError(err)

	got, err := Unmarshal(b)
	require.NoError(err)
	require.Equal(topo.Epoch(), got.Epoch())
	require.Equal(topo.NrLayers(), got.NrLayers())
	for i, n := range topo.Nodes() {
		require.Equal(n.ID(), got.Nodes()[i].ID())
		require.Equal(n.MixKey, got.Nodes()[i].MixKey)
	}

	_, err = Unmarshal([]byte("not cbor"))
	require.Error(err)
}

func TestRandomRoute(t *testing.T) {
	require := require.New(t)

	topo := newTestTopology(t, 1, 3, 4)
	gw := topo.Gateways()[1]
	rng := hpqcrand.NewMath()
	delays, err := poisson.NewSampler(poisson.Descriptor{Average: 50 * time.Millisecond})
	require.NoError(err)

	seen := make(map[NodeID]bool)
	for i := 0; i < 200; i++ {
		route, err := topo.RandomRoute(rng, gw.ID())
		require.NoError(err)
		require.Len(route, 4)
		for l := 0; l < 3; l++ {
			require.Equal(uint8(l), route[l].Layer)
			seen[route[l].ID()] = true
		}
		require.Equal(gw.ID(), route[3].ID())

		path, total := Path(route, delays)
		require.Len(path, 4)
		var sum time.Duration
		for j, hop := range path {
			require.Equal(route[j].ID(), hop.ID)
			sum += time.Duration(hop.Delay) * time.Millisecond
		}
		require.Equal(sum, total)
	}
	require.Len(seen, 12, "every mix should eventually be selected")

	_, err = topo.RandomRoute(rng, NodeID{})
	require.ErrorIs(err, ErrNotRoutable)
}

func TestAccessorAtomicity(t *testing.T) {
	require := require.New(t)

	a := NewAccessor()
	require.Nil(a.Current())
	require.Zero(a.Age())
	_, err := a.Routable(NodeID{})
	require.ErrorIs(err, ErrNoTopology)

	const nrSnapshots = 32
	snapshots := make([]*Topology, nrSnapshots)
	for i := range snapshots {
		snapshots[i] = newTestTopology(t, uint64(i+1), 3, 3)
	}
	a.Swap(snapshots[0])

	done := make(chan struct{})
	errCh := make(chan error, 8)
	for r := 0; r < 8; r++ {
		go func() {
			for {
				select {
				case <-done:
					errCh <- nil
					return
				default:
				}
				topo := a.Current()
				prefix := fmt.Sprintf("e%d-", topo.Epoch())
				for _, n := range topo.Nodes() {
					if !strings.HasPrefix(n.Name, prefix) {
						errCh <- fmt.Errorf("node %s in snapshot %d", n.Name, topo.Epoch())
						return
					}
				}
			}
		}()
	}

	for i := 1; i < nrSnapshots; i++ {
		prev := a.Swap(snapshots[i])
		require.Equal(snapshots[i-1], prev)
		time.Sleep(time.Millisecond)
	}
	close(done)
	for r := 0; r < 8; r++ {
		require.NoError(<-errCh)
	}
	require.Equal(uint64(nrSnapshots), a.Current().Epoch())
}
