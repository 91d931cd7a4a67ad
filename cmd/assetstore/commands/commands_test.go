package commands

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

// run parses args like main does and returns what the command printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("assetstore"),
		kong.Exit(func(int) {}),
		kong.Vars{"version": "test"},
	)
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = kctx.Run(&Global{Out: &out}, &cli)
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readIndex(t *testing.T, path string) repoindex.Entries {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return repoindex.Parse(strings.Split(strings.TrimSpace(string(raw)), "\n"))
}

func TestInitCommand(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "assetstore.yaml")

	out, err := run(t, "-c", cfgPath, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "initialized successfully")
	assert.FileExists(t, cfgPath)

	_, err = run(t, "-c", cfgPath, "init")
	require.Error(t, err, "a second init without --force must refuse to overwrite")

	_, err = run(t, "-c", cfgPath, "init", "--force")
	require.NoError(t, err)
}

func TestManifestCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "maps", "cave.txt"), "a dark cave")
	writeFile(t, filepath.Join(dir, "tokens", "goblin.txt"), "a goblin")

	out, err := run(t, "-c", filepath.Join(dir, "missing.yaml"), "manifest", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 files")

	entries := readIndex(t, filepath.Join(dir, "index.gz"))
	assert.Equal(t, repoindex.Entries{
		asset.Of([]byte("a dark cave")): "maps/cave.txt",
		asset.Of([]byte("a goblin")):    "tokens/goblin.txt",
	}, entries)

	// Rebuilding skips the index it wrote the first time.
	out, err = run(t, "-c", filepath.Join(dir, "missing.yaml"), "manifest", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 files")
}

func TestImportAndScanCommands(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	cfg := filepath.Join(dir, "missing.yaml")
	file := filepath.Join(dir, "notes.txt")
	writeFile(t, file, "campaign notes")

	out, err := run(t, "-c", cfg, "-d", data, "import", file)
	require.NoError(t, err)
	d := asset.Of([]byte("campaign notes"))
	assert.Contains(t, out, d.String())
	assert.Contains(t, out, "Text")
	assert.FileExists(t, filepath.Join(data, "cache", d.String()))

	loose := filepath.Join(dir, "loose")
	writeFile(t, filepath.Join(loose, "a.txt"), "first")
	writeFile(t, filepath.Join(loose, "sub", "b.txt"), "second")
	writeFile(t, filepath.Join(loose, "skip.bin"), "ignored")

	out, err = run(t, "-c", cfg, "-d", data, "scan", "-e", "txt", loose)
	require.NoError(t, err)
	assert.Contains(t, out, "2 files remembered")
}

func TestScanWithoutDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "assetstore.yaml")
	writeFile(t, cfg, "watch:\n  extensions: [txt]\n")

	_, err := run(t, "-c", cfg, "-d", filepath.Join(dir, "data"), "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.dirs")
}

func TestGetAndHistoryCommands(t *testing.T) {
	published := t.TempDir()
	writeFile(t, filepath.Join(published, "tokens", "goblin.txt"), "a goblin")
	_, err := run(t, "-c", filepath.Join(published, "missing.yaml"), "manifest", published)
	require.NoError(t, err)

	srv := httptest.NewServer(http.FileServer(http.Dir(published)))
	defer srv.Close()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "assetstore.yaml")
	writeFile(t, cfg, fmt.Sprintf("repositories:\n  - %s/index.gz\n", srv.URL))
	data := filepath.Join(dir, "data")
	target := filepath.Join(dir, "goblin.txt")
	d := asset.Of([]byte("a goblin"))

	out, err := run(t, "-c", cfg, "-d", data, "get", d.String(), "-o", target, "-t", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, target)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "a goblin", string(got))

	out, err = run(t, "-c", cfg, "-d", data, "get", d.String(), "--output=-")
	require.NoError(t, err)
	assert.Equal(t, "a goblin", out, "a second get is served from the cache")

	out, err = run(t, "-c", cfg, "-d", data, "history", d.String())
	require.NoError(t, err)
	assert.Contains(t, out, "delivered")
	assert.Contains(t, out, srv.URL)

	out, err = run(t, "-c", cfg, "-d", data, "history", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, d.String())

	_, err = run(t, "-c", cfg, "-d", data, "get", "not-a-digest")
	require.Error(t, err)
}

func TestRepoCheckCommand(t *testing.T) {
	published := t.TempDir()
	writeFile(t, filepath.Join(published, "a.txt"), "alpha")
	_, err := run(t, "-c", filepath.Join(published, "missing.yaml"), "manifest", published)
	require.NoError(t, err)

	srv := httptest.NewServer(http.FileServer(http.Dir(published)))
	defer srv.Close()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "missing.yaml")
	data := filepath.Join(dir, "data")
	good := srv.URL + "/index.gz"

	out, err := run(t, "-c", cfg, "-d", data, "repo", "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "active")
	assert.Contains(t, out, good)

	out, err = run(t, "-c", cfg, "-d", data, "repo", "check", good, srv.URL+"/nothing.gz")
	require.Error(t, err)
	assert.Contains(t, out, "unavailable")

	_, err = run(t, "-c", cfg, "-d", data, "repo", "check")
	require.Error(t, err, "no repositories configured or given")
}
