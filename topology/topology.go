// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package topology holds immutable snapshots of the mix network, the
// accessor through which they are published, and the refresher which
// polls the directory service for them.
package topology

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/mixclient/sphinx"
)

// NodeID is a node identifier, the hash of the node's identity key.
type NodeID = [sphinx.NodeIDLength]byte

var (
	// ErrNotRoutable is wrapped by every routability failure.
	ErrNotRoutable = errors.New("topology: not routable")

	// ErrNoTopology is returned when no snapshot has been installed yet.
	ErrNoTopology = errors.New("topology: no topology available")

	errNoLayers       = fmt.Errorf("%w: no mix layers", ErrNotRoutable)
	errGatewayMissing = fmt.Errorf("%w: gateway not present", ErrNotRoutable)
)

// Node describes one mix node or gateway.
type Node struct {
	// Name is the human readable node name.
	Name string

	// IdentityKey is the node's identity public key.
	IdentityKey []byte

	// MixKey is the node's raw x25519 packet processing key.
	MixKey []byte

	// Address is where the node accepts connections.
	Address string

	// Layer is the mix layer the node belongs to, ignored for gateways.
	Layer uint8
}

// ID returns the node identifier.
func (n *Node) ID() NodeID {
	return hash.Sum256(n.IdentityKey)
}

func (n *Node) String() string {
	id := n.ID()
	return fmt.Sprintf("%s (%x)", n.Name, id[:6])
}

func (n *Node) clone() *Node {
	return &Node{
		Name:        n.Name,
		IdentityKey: append([]byte(nil), n.IdentityKey...),
		MixKey:      append([]byte(nil), n.MixKey...),
		Address:     n.Address,
		Layer:       n.Layer,
	}
}

// Topology is an immutable snapshot of the mix network.  Snapshots are
// never mutated once constructed, so they may be shared freely between
// readers.
type Topology struct {
	epoch    uint64
	layers   [][]*Node
	gateways []*Node

	byID map[NodeID]*Node
}

// New validates and copies the provided nodes into a new snapshot.
func New(epoch uint64, layers [][]*Node, gateways []*Node) (*Topology, error) {
	t := &Topology{
		epoch:    epoch,
		layers:   make([][]*Node, len(layers)),
		gateways: make([]*Node, 0, len(gateways)),
		byID:     make(map[NodeID]*Node),
	}
	add := func(n *Node) (*Node, error) {
		if n == nil {
			return nil, errors.New("topology: nil node")
		}
		if len(n.IdentityKey) == 0 {
			return nil, fmt.Errorf("topology: node '%s' has no identity key", n.Name)
		}
		if len(n.MixKey) != 32 {
			return nil, fmt.Errorf("topology: node '%s' has an invalid mix key", n.Name)
		}
		c := n.clone()
		id := c.ID()
		if _, ok := t.byID[id]; ok {
			return nil, fmt.Errorf("topology: duplicate node '%s'", n.Name)
		}
		t.byID[id] = c
		return c, nil
	}
	for l, layer := range layers {
		t.layers[l] = make([]*Node, 0, len(layer))
		for _, n := range layer {
			c, err := add(n)
			if err != nil {
				return nil, err
			}
			c.Layer = uint8(l)
			t.layers[l] = append(t.layers[l], c)
		}
	}
	for _, n := range gateways {
		c, err := add(n)
		if err != nil {
			return nil, err
		}
		t.gateways = append(t.gateways, c)
	}
	return t, nil
}

// Epoch returns the directory epoch the snapshot was published for.
func (t *Topology) Epoch() uint64 {
	return t.epoch
}

// NrLayers returns the number of mix layers.
func (t *Topology) NrLayers() int {
	return len(t.layers)
}

// Layer returns a copy of the nodes of mix layer l.
func (t *Topology) Layer(l int) []*Node {
	return append([]*Node(nil), t.layers[l]...)
}

// Gateways returns a copy of the gateway list.
func (t *Topology) Gateways() []*Node {
	return append([]*Node(nil), t.gateways...)
}

// Node returns the node with the given identifier.
func (t *Topology) Node(id NodeID) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Gateway returns the gateway with the given identifier.
func (t *Topology) Gateway(id NodeID) (*Node, bool) {
	for _, g := range t.gateways {
		if g.ID() == id {
			return g, true
		}
	}
	return nil, false
}

// Nodes returns every node, mixes first.
func (t *Topology) Nodes() []*Node {
	nodes := make([]*Node, 0, len(t.byID))
	for _, layer := range t.layers {
		nodes = append(nodes, layer...)
	}
	return append(nodes, t.gateways...)
}

// IsRoutable returns nil iff every mix layer has at least one node and the
// target gateway is present.
func (t *Topology) IsRoutable(gateway NodeID) error {
	if t == nil {
		return ErrNoTopology
	}
	if len(t.layers) == 0 {
		return errNoLayers
	}
	if len(t.layers) > sphinx.NrHops-1 {
		return fmt.Errorf("%w: %d layers exceed the packet's hop limit", ErrNotRoutable, len(t.layers))
	}
	for l, layer := range t.layers {
		if len(layer) == 0 {
			return fmt.Errorf("%w: mix layer %d is empty", ErrNotRoutable, l)
		}
	}
	if _, ok := t.Gateway(gateway); !ok {
		return errGatewayMissing
	}
	return nil
}

type document struct {
	Epoch    uint64
	Layers   [][]*Node
	Gateways []*Node
}

// Marshal serializes the snapshot as CBOR, the directory wire format.
func (t *Topology) Marshal() ([]byte, error) {
	return cbor.Marshal(&document{
		Epoch:    t.epoch,
		Layers:   t.layers,
		Gateways: t.gateways,
	})
}

// Unmarshal parses and validates a CBOR encoded snapshot.
func Unmarshal(b []byte) (*Topology, error) {
	d := new(document)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("topology: failed to decode document: %w", err)
	}
	return New(d.Epoch, d.Layers, d.Gateways)
}
