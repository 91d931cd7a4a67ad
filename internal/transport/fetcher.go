// Package transport fetches raw bytes for repository indexes and content
// from http(s), file, s3 and gs URLs.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// DefaultMaxBytes bounds a single fetch when no limit is configured.
const DefaultMaxBytes int64 = 64 << 20

var errTooLarge = stderrors.New("response too large")

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}

// Mux dispatches fetches by URL scheme.
type Mux struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewMux returns a Mux serving http, https and file URLs.
func NewMux(web *HTTPFetcher, maxBytes int64) *Mux {
	m := &Mux{fetchers: make(map[string]Fetcher)}
	if web == nil {
		web = NewHTTPFetcher(nil, maxBytes)
	}
	m.Handle("http", web)
	m.Handle("https", web)
	m.Handle("file", NewFileFetcher(maxBytes))
	return m
}

// Handle registers f for scheme, replacing any previous fetcher.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes.
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.fetchers))
	for s := range m.fetchers {
		out = append(out, s)
	}
	return out
}

// Fetch routes rawURL to the fetcher for its scheme. Unparsable URLs and
// unknown schemes are MalformedSource errors.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.MalformedSource(rawURL, err)
	}
	if u.Scheme == "" {
		return nil, errors.MalformedSource(rawURL, fmt.Errorf("missing scheme"))
	}

	m.mu.RLock()
	f, ok := m.fetchers[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.MalformedSource(rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return f.Fetch(ctx, rawURL)
}

// readLimited reads r fully, failing when more than maxBytes are available.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errTooLarge
	}
	return data, nil
}

// ResolveReference resolves ref against the directory holding indexURL.
// Each path segment of ref is percent-encoded; absolute refs are returned as is.
func ResolveReference(indexURL, ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
		return ref, nil
	}
	slash := strings.LastIndex(indexURL, "/")
	if slash < 0 {
		return "", errors.MalformedSource(indexURL, fmt.Errorf("no directory component"))
	}
	base := indexURL[:slash+1]

	segments := strings.Split(strings.TrimPrefix(strings.ReplaceAll(ref, "\\", "/"), "/"), "/")
	for i, seg := range segments {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		segments[i] = url.PathEscape(seg)
	}
	return base + strings.Join(segments, "/"), nil
}
