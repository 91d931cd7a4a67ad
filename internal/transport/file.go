package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// FileFetcher reads file:// URLs from the local filesystem.
type FileFetcher struct {
	maxBytes int64
}

// NewFileFetcher returns a FileFetcher bounded by maxBytes.
func NewFileFetcher(maxBytes int64) *FileFetcher {
	return &FileFetcher{maxBytes: maxBytes}
}

// Fetch reads the file named by rawURL.
func (f *FileFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, errors.MalformedSource(rawURL, fmt.Errorf("not a file URL"))
	}
	if u.Host != "" && u.Host != "localhost" {
		return nil, errors.MalformedSource(rawURL, fmt.Errorf("remote file host %q", u.Host))
	}

	// #nosec G304 -- repository URLs are operator supplied
	fh, err := os.Open(filepath.FromSlash(u.Path))
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	defer func() {
		_ = fh.Close()
	}()

	data, err := readLimited(fh, f.maxBytes)
	if err != nil {
		return nil, errors.Transport(rawURL, err)
	}
	return data, nil
}

// FileURL converts an absolute filesystem path to a file:// URL.
func FileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
