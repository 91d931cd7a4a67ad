package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

const userAgent = "assetstore/1"

// NewHTTPClient creates an HTTP client with safe defaults.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return stderrors.New("too many redirects")
			}
			return nil
		},
	}
}

// HTTPFetcher fetches http and https URLs.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher wraps client (or a default one) with a response size limit.
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// Fetch performs a GET; non-2xx responses are Transport errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, errors.MalformedSource(rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Transport(rawURL, fmt.Errorf("HTTP %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	return data, nil
}
