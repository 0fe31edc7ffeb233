// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package topology

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// maxDocumentSize bounds the directory response read into memory.
const maxDocumentSize = 16 << 20

// Fetcher retrieves the current topology from the directory service.
type Fetcher interface {
	Fetch(ctx context.Context) (*Topology, error)
}

// HTTPFetcher fetches a CBOR encoded topology document over HTTP.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher returns a fetcher for the document served at url.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*Topology, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentType)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("topology: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topology: directory returned %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("topology: failed to read document: %w", err)
	}
	return Unmarshal(b)
}

// FileFetcher loads a CBOR encoded topology document from disk, re-reading
// it on every fetch.
type FileFetcher struct {
	path string
}

// NewFileFetcher returns a fetcher for the document at path.
func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{path: path}
}

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context) (*Topology, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	return Unmarshal(b)
}

const contentType = "application/cbor"

// Handler serves the snapshot returned by current as a directory document,
// for test networks and local deployments.
func Handler(current func() *Topology) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		t := current()
		if t == nil {
			http.Error(w, "no topology", http.StatusServiceUnavailable)
			return
		}
		b, err := t.Marshal()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	})
}
