// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/worker"
	"github.com/katzenpost/mixclient/internal/instrument"
)

// RefresherConfig parameterizes a Refresher.
type RefresherConfig struct {
	// Gateway is the gateway every snapshot must contain.
	Gateway NodeID

	// Interval is the time between periodic refreshes.
	Interval time.Duration

	// MaxStaleness is the snapshot age past which each failed refresh is
	// logged as a warning rather than at notice level.
	MaxStaleness time.Duration

	// FetchTimeout bounds each fetch.
	FetchTimeout time.Duration
}

// Refresher periodically polls the directory service and publishes the
// result through an Accessor.  It is the Accessor's only writer.
type Refresher struct {
	worker.Worker

	cfg      RefresherConfig
	accessor *Accessor
	fetcher  Fetcher
	log      *logging.Logger
}

// NewRefresher returns a Refresher.  Start must be called to perform the
// initial refresh and start the periodic one.
func NewRefresher(cfg RefresherConfig, accessor *Accessor, fetcher Fetcher, logBackend *log.Backend) *Refresher {
	return &Refresher{
		cfg:      cfg,
		accessor: accessor,
		fetcher:  fetcher,
		log:      logBackend.GetLogger("topology/refresher"),
	}
}

// Refresh fetches the topology and installs it if it is routable.  On
// failure the previous snapshot is left in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}
	t, err := r.fetcher.Fetch(ctx)
	if err != nil {
		instrument.TopologyRefresh(false)
		return err
	}
	if err := t.IsRoutable(r.cfg.Gateway); err != nil {
		instrument.TopologyRefresh(false)
		return err
	}
	prev := r.accessor.Swap(t)
	instrument.TopologyRefresh(true)
	instrument.TopologyAge(0)
	if prev == nil || prev.Epoch() != t.Epoch() {
		r.log.Noticef("Installed topology for epoch %d: %d layers, %d nodes", t.Epoch(), t.NrLayers(), len(t.Nodes()))
	} else {
		r.log.Debugf("Refreshed topology for epoch %d", t.Epoch())
	}
	return nil
}

// Start performs the initial refresh synchronously, and returns an error
// if it fails to produce a routable topology.  No traffic can be sent
// without one, so the caller must treat the error as fatal.  On success
// the periodic refresh is started.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("topology: initial refresh failed: %w", err)
	}
	r.Go(r.worker)
	return nil
}

func (r *Refresher) worker() {
	r.log.Debug("Starting worker")
	defer r.log.Debug("Halting worker")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.HaltCh():
			return
		case <-ticker.C:
		}

		ctx, cancel := r.HaltContext(context.Background())
		err := r.Refresh(ctx)
		cancel()
		if err == nil {
			continue
		}
		if r.IsHalted() {
			return
		}

		age := r.accessor.Age()
		instrument.TopologyAge(age)
		if r.cfg.MaxStaleness > 0 && age > r.cfg.MaxStaleness {
			r.log.Warningf("Topology refresh failed, snapshot is stale (%v old): %v", age.Round(time.Second), err)
		} else {
			r.log.Noticef("Topology refresh failed, keeping last known good snapshot: %v", err)
		}
	}
}
