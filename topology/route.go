// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	mrand "math/rand"
	"time"

	"github.com/katzenpost/mixclient/poisson"
	"github.com/katzenpost/mixclient/sphinx"
)

// RandomRoute selects one node uniformly at random from every mix layer,
// followed by the destination gateway.
func (t *Topology) RandomRoute(rng *mrand.Rand, gateway NodeID) ([]*Node, error) {
	if err := t.IsRoutable(gateway); err != nil {
		return nil, err
	}
	route := make([]*Node, 0, len(t.layers)+1)
	for _, layer := range t.layers {
		route = append(route, layer[rng.Intn(len(layer))])
	}
	g, _ := t.Gateway(gateway)
	return append(route, g), nil
}

// Path converts a route to Sphinx path hops, drawing each hop's delay from
// delays.  It returns the sum of the hop delays along with the path.
func Path(route []*Node, delays *poisson.Sampler) ([]*sphinx.PathHop, time.Duration) {
	var total time.Duration
	path := make([]*sphinx.PathHop, len(route))
	for i, n := range route {
		d := delays.NextMillis()
		total += time.Duration(d) * time.Millisecond
		path[i] = &sphinx.PathHop{
			ID:        n.ID(),
			PublicKey: n.MixKey,
			Delay:     d,
		}
	}
	return path, total
}
