package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("payload"))
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(srv.Client(), 32)

	data, err := f.Fetch(t.Context(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = f.Fetch(t.Context(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))
	assert.True(t, errors.IsRetryable(err))

	_, err = f.Fetch(t.Context(), srv.URL+"/big")
	require.Error(t, err)
	assert.ErrorIs(t, err, errTooLarge)
}

func TestHTTPFetcher_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewHTTPFetcher(srv.Client(), 0).Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "index.gz")
	require.NoError(t, os.WriteFile(p, []byte("gz bytes"), 0o600))

	f := NewFileFetcher(0)
	data, err := f.Fetch(t.Context(), FileURL(p))
	require.NoError(t, err)
	assert.Equal(t, "gz bytes", string(data))

	_, err = f.Fetch(t.Context(), FileURL(filepath.Join(dir, "missing")))
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))

	_, err = f.Fetch(t.Context(), "file://otherhost/etc/passwd")
	assert.True(t, errors.IsCategory(err, errors.CategorySource))
}

func TestMux(t *testing.T) {
	m := NewMux(nil, 0)
	m.Handle("mem", FetcherFunc(func(_ context.Context, rawURL string) ([]byte, error) {
		return []byte(rawURL), nil
	}))

	data, err := m.Fetch(t.Context(), "MEM://x/y")
	require.NoError(t, err)
	assert.Equal(t, "MEM://x/y", string(data))
	assert.ElementsMatch(t, []string{"http", "https", "file", "mem"}, m.Schemes())

	for _, bad := range []string{"ftp://host/index.gz", "relative/index.gz", "http://[::1"} {
		_, err := m.Fetch(t.Context(), bad)
		require.Error(t, err, bad)
		assert.True(t, errors.IsCategory(err, errors.CategorySource), bad)
	}
}

func TestResolveReference(t *testing.T) {
	tests := []struct {
		index string
		ref   string
		want  string
	}{
		{"http://repo.example/maps/index.gz", "token.png", "http://repo.example/maps/token.png"},
		{"http://repo.example/maps/index.gz", "monsters/big orc.png", "http://repo.example/maps/monsters/big%20orc.png"},
		{"http://repo.example/maps/index.gz", "monsters/big%20orc.png", "http://repo.example/maps/monsters/big%20orc.png"},
		{"http://repo.example/index.gz", "/abs/a.png", "http://repo.example/abs/a.png"},
		{"s3://bucket/lib/index.gz", "a b/c.png", "s3://bucket/lib/a%20b/c.png"},
		{"http://repo.example/index.gz", "https://cdn.example/x.png", "https://cdn.example/x.png"},
	}
	for _, tt := range tests {
		got, err := ResolveReference(tt.index, tt.ref)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ResolveReference("index.gz", "a.png")
	assert.True(t, errors.IsCategory(err, errors.CategorySource))
}

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestS3Fetcher(t *testing.T) {
	f := NewS3FetcherWithClient(&fakeS3{objects: map[string]string{"assets/maps/index.gz": "s3 data"}}, 0)

	data, err := f.Fetch(t.Context(), "s3://assets/maps/index.gz")
	require.NoError(t, err)
	assert.Equal(t, "s3 data", string(data))

	_, err = f.Fetch(t.Context(), "s3://assets/other")
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))

	_, err = f.Fetch(t.Context(), "s3://assets/")
	assert.True(t, errors.IsCategory(err, errors.CategorySource))
}

func TestGCSFetcher(t *testing.T) {
	var gotBucket, gotObject string
	f := NewGCSFetcherWithOpener(func(_ context.Context, bucket, object string) (io.ReadCloser, error) {
		gotBucket, gotObject = bucket, object
		if object == "missing" {
			return nil, fmt.Errorf("storage: object doesn't exist")
		}
		return io.NopCloser(bytes.NewReader([]byte("gcs data"))), nil
	}, 0)

	data, err := f.Fetch(t.Context(), "gs://tokens/set/a.png")
	require.NoError(t, err)
	assert.Equal(t, "gcs data", string(data))
	assert.Equal(t, "tokens", gotBucket)
	assert.Equal(t, "set/a.png", gotObject)

	_, err = f.Fetch(t.Context(), "gs://tokens/missing")
	assert.True(t, errors.IsCategory(err, errors.CategoryTransport))
	assert.NoError(t, f.Close())
}
