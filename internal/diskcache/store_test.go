package diskcache

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return s
}

func mustAsset(t *testing.T, name, body string, kind asset.Kind) *asset.Asset {
	t.Helper()
	a, err := asset.Create(name, []byte(body), kind)
	require.NoError(t, err)
	return a
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	a := mustAsset(t, "stat-block", `{"hp": 7}`, asset.KindJSON)

	require.NoError(t, s.Put(a))
	assert.True(t, s.Has(a.Digest()))

	for _, suffix := range []string{"", ".info"} {
		_, err := os.Stat(filepath.Join(s.Dir(), a.Digest().String()+suffix))
		require.NoError(t, err, "expected file %q", suffix)
	}

	got, ok := s.Get(a.Digest())
	require.True(t, ok)
	assert.True(t, a.Equal(got))
	assert.Equal(t, "json", got.Extension())

	info, err := s.Info(a.Digest())
	require.NoError(t, err)
	assert.Equal(t, Info{Name: "stat-block", Kind: "Json", Extension: "json"}, info)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newStore(t)
	a := mustAsset(t, "first", "same bytes", asset.KindText)

	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(a))

	renamed := mustAsset(t, "second", "same bytes", asset.KindText)
	require.NoError(t, s.Put(renamed))

	got, ok := s.Get(a.Digest())
	require.True(t, ok)
	assert.Equal(t, "second", got.Name(), "info record is last-write-wins")

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []asset.Digest{a.Digest()}, list)
}

func TestConcurrentPutSameDigest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shared")
	a := mustAsset(t, "map", "shared bytes", asset.KindGenericData)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate Store values model separate processes on one directory.
			s, err := New(dir)
			if err != nil {
				t.Error(err)
				return
			}
			if err := s.Put(a); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	s, err := New(dir)
	require.NoError(t, err)
	got, ok := s.Get(a.Digest())
	require.True(t, ok)
	assert.True(t, a.Equal(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestBrokenIsNeverPersisted(t *testing.T) {
	s := newStore(t)
	d := asset.Of([]byte("unobtainable"))

	require.NoError(t, s.Put(asset.Broken(d)))
	assert.False(t, s.Has(d))

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGetMissesAndCorruption(t *testing.T) {
	s := newStore(t)
	d := asset.Of([]byte("real content"))

	_, ok := s.Get(d)
	assert.False(t, ok)
	_, err := s.Load(d)
	assert.True(t, stderrors.Is(err, ErrNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), d.String()), []byte("tampered"), 0o600))
	_, ok = s.Get(d)
	assert.False(t, ok, "bytes that do not hash to the key are a miss")
	_, err = s.Load(d)
	assert.True(t, errors.IsCategory(err, errors.CategoryCache))

	good := mustAsset(t, "n", "real content", asset.KindText)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), d.String()), good.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), d.String()+".info"), []byte("name: [unterminated"), 0o600))
	_, err = s.Load(d)
	assert.True(t, errors.IsCategory(err, errors.CategoryCache))

	_, ok = s.Get("not-a-digest")
	assert.False(t, ok)
}

func TestGetWithoutInfoFallsBackToSniffing(t *testing.T) {
	s := newStore(t)
	body := []byte("just some words")
	d := asset.Of(body)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), d.String()), body, 0o600))

	got, ok := s.Get(d)
	require.True(t, ok)
	assert.Equal(t, asset.KindText, got.Kind())
	assert.Equal(t, d.String(), got.Name())
}

func TestLocalPaths(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "a.png")
	second := filepath.Join(dir, "b.png")
	body := []byte("image bytes")
	require.NoError(t, os.WriteFile(first, body, 0o600))
	require.NoError(t, os.WriteFile(second, body, 0o600))

	d, err := s.RememberFile(first)
	require.NoError(t, err)
	assert.Equal(t, asset.Of(body), d)
	require.NoError(t, s.RememberLocalPath(d, second))
	require.NoError(t, s.RememberLocalPath(d, first), "duplicates are ignored")

	paths, err := s.LocalPaths(d)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, paths)

	p, ok := s.ResolveLocalPath(d)
	require.True(t, ok)
	assert.Equal(t, first, p)

	require.NoError(t, os.Remove(first))
	p, ok = s.ResolveLocalPath(d)
	require.True(t, ok)
	assert.Equal(t, second, p, "first surviving path wins")

	require.NoError(t, os.Remove(second))
	_, ok = s.ResolveLocalPath(d)
	assert.False(t, ok)
	assert.False(t, s.Has(d), "a link file alone does not make the bytes present")
}

func TestRemoveAndClear(t *testing.T) {
	s := newStore(t)
	a := mustAsset(t, "a", "alpha", asset.KindText)
	b := mustAsset(t, "b", "beta", asset.KindText)
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))
	require.NoError(t, s.RememberLocalPath(b.Digest(), "/tmp/beta.txt"))

	unrelated := filepath.Join(s.Dir(), "README")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep me"), 0o600))

	require.NoError(t, s.Remove(a.Digest()))
	assert.False(t, s.Has(a.Digest()))
	_, err := s.Info(a.Digest())
	assert.True(t, stderrors.Is(err, ErrNotFound))

	require.NoError(t, s.Clear())
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
	paths, err := s.LocalPaths(b.Digest())
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = os.Stat(unrelated)
	assert.NoError(t, err)
}
