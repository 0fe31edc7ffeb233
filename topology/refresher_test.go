// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/core/log"
)

// scriptedFetcher returns its results in order, repeating the last one.
type scriptedFetcher struct {
	sync.Mutex

	results []fetchResult
	calls   int
}

type fetchResult struct {
	topo *Topology
	err  error
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (*Topology, error) {
	f.Lock()
	defer f.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i].topo, f.results[i].err
}

func (f *scriptedFetcher) Calls() int {
	f.Lock()
	defer f.Unlock()
	return f.calls
}

func newTestLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func TestRefresherInitialFailureIsFatal(t *testing.T) {
	require := require.New(t)

	good := newTestTopology(t, 1, 3, 2)
	gw := good.Gateways()[0].ID()
	unroutable, err := New(1, [][]*Node{{}}, good.Gateways())
	require.NoError(err)

	for _, f := range []*scriptedFetcher{
		{results: []fetchResult{{err: errors.New("directory unreachable")}}},
		{results: []fetchResult{{topo: unroutable}}},
	} {
		a := NewAccessor()
		r := NewRefresher(RefresherConfig{Gateway: gw, Interval: time.Millisecond}, a, f, newTestLogBackend(t))
		require.Error(r.Start(context.Background()))
		require.Nil(a.Current())
		time.Sleep(10 * time.Millisecond)
		require.Equal(1, f.Calls(), "the initial refresh is not retried")
		r.Halt()
	}
}

func TestRefresherKeepsLastKnownGood(t *testing.T) {
	require := require.New(t)

	first := newTestTopology(t, 1, 3, 2)
	gw := first.Gateways()[0].ID()
	unroutable, err := New(2, [][]*Node{{}}, first.Gateways())
	require.NoError(err)
	second, err := New(3, [][]*Node{first.Layer(0), first.Layer(1), first.Layer(2)}, first.Gateways())
	require.NoError(err)

	f := &scriptedFetcher{results: []fetchResult{
		{topo: first},
		{err: errors.New("timeout")},
		{topo: unroutable},
		{err: errors.New("timeout")},
		{topo: second},
	}}
	a := NewAccessor()
	r := NewRefresher(RefresherConfig{
		Gateway:      gw,
		Interval:     5 * time.Millisecond,
		MaxStaleness: time.Millisecond,
	}, a, f, newTestLogBackend(t))
	require.NoError(r.Start(context.Background()))
	defer r.Halt()
	require.Equal(first, a.Current())

	require.Eventually(func() bool {
		return f.Calls() >= 4
	}, 5*time.Second, time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for a.Current().Epoch() != 3 {
		require.NotEqual(uint64(2), a.Current().Epoch(), "an unroutable snapshot must never be installed")
		require.True(time.Now().Before(deadline), "refresher never installed the new snapshot")
		time.Sleep(time.Millisecond)
	}
}

func TestHTTPFetcher(t *testing.T) {
	require := require.New(t)

	a := NewAccessor()
	srv := httptest.NewServer(Handler(a.Current))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, time.Second)
	_, err := f.Fetch(context.Background())
	require.Error(err, "no topology served yet")

	topo := newTestTopology(t, 7, 3, 2)
	a.Swap(topo)
	got, err := f.Fetch(context.Background())
	require.NoError(err)
	require.Equal(uint64(7), got.Epoch())
	require.NoError(got.IsRoutable(topo.Gateways()[0].ID()))

	resp, err := http.Post(srv.URL, "text/plain", nil)
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFileFetcher(t *testing.T) {
	require := require.New(t)

	p := filepath.Join(t.TempDir(), "topology.cbor")
	f := NewFileFetcher(p)
	_, err := f.Fetch(context.Background())
	require.Error(err)

	topo := newTestTopology(t, 9, 2, 2)
	b, err := topo.Marshal()
	require.NoError(err)
	require.NoError(os.WriteFile(p, b, 0600))

	got, err := f.Fetch(context.Background())
	require.NoError(err)
	require.Equal(uint64(9), got.Epoch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx)
	require.ErrorIs(err, context.Canceled)
}
