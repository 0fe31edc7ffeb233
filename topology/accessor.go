// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"sync/atomic"
	"time"
)

type snapshot struct {
	topology  *Topology
	installed time.Time
}

// Accessor publishes the current topology snapshot.  There is a single
// writer, the Refresher, and any number of readers.  Readers never observe
// a partially installed snapshot.
type Accessor struct {
	current atomic.Pointer[snapshot]
}

// NewAccessor returns an empty Accessor.
func NewAccessor() *Accessor {
	return new(Accessor)
}

// Current returns the current snapshot, or nil if none was installed.
func (a *Accessor) Current() *Topology {
	s := a.current.Load()
	if s == nil {
		return nil
	}
	return s.topology
}

// Routable returns the current snapshot if it can route to gateway.
func (a *Accessor) Routable(gateway NodeID) (*Topology, error) {
	t := a.Current()
	if t == nil {
		return nil, ErrNoTopology
	}
	if err := t.IsRoutable(gateway); err != nil {
		return nil, err
	}
	return t, nil
}

// Swap installs t as the current snapshot and returns the previous one.
func (a *Accessor) Swap(t *Topology) *Topology {
	prev := a.current.Swap(&snapshot{
		topology:  t,
		installed: time.Now(),
	})
	if prev == nil {
		return nil
	}
	return prev.topology
}

// Age returns the time since the current snapshot was installed, or zero
// if none was.
func (a *Accessor) Age() time.Duration {
	s := a.current.Load()
	if s == nil {
		return 0
	}
	return time.Since(s.installed)
}
