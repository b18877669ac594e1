package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPStore fetches raster files from a remote HTTP server, keyed by path
// relative to a base URL. Responses are size-capped so a misbehaving origin
// cannot exhaust memory.
type HTTPStore struct {
	base     string
	client   *http.Client
	maxBytes int64
}

// NewHTTPStore creates a store rooted at baseURL. A nil client uses
// http.DefaultClient; maxBytes <= 0 disables the size cap.
func NewHTTPStore(baseURL string, client *http.Client, maxBytes int64) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{
		base:     strings.TrimSuffix(baseURL, "/"),
		client:   client,
		maxBytes: maxBytes,
	}
}

// Fetch downloads the complete file for the given key.
func (s *HTTPStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	u := s.base + "/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", u, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed for %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("bad status fetching %s: %s", u, resp.Status)
	}

	if s.maxBytes > 0 && resp.ContentLength > s.maxBytes {
		return nil, fmt.Errorf("object %s exceeds size limit (%d bytes)", key, resp.ContentLength)
	}

	body := io.Reader(resp.Body)
	if s.maxBytes > 0 {
		body = io.LimitReader(resp.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body for %s: %w", u, err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("object %s exceeds size limit (%d bytes)", key, s.maxBytes)
	}
	return data, nil
}
