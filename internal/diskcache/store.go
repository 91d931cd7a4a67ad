// Package diskcache persists assets on disk keyed by digest.
//
// For digest D the cache directory holds up to three independent files:
//
//	D       raw bytes
//	D.info  YAML metadata (display name, kind, extension)
//	D.lnk   newline-separated absolute paths known to hold the same bytes
//
// Writers go through a temp file and rename, so several processes may share
// one directory: concurrent writers for the same digest only waste effort.
package diskcache

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
)

const (
	infoSuffix = ".info"
	linkSuffix = ".lnk"
	tmpPrefix  = ".tmp-"
)

// ErrNotFound is returned by Load when no bytes are stored for a digest.
var ErrNotFound = stderrors.New("diskcache: entry not found")

// Info is the metadata record stored next to the bytes.
type Info struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind,omitempty"`
	Extension string `yaml:"extension,omitempty"`
}

// Store is a filesystem-backed asset cache.
type Store struct {
	dir    string
	mu     sync.RWMutex
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache misses caused by corrupt entries.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates the cache directory if needed and returns a Store over it.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	s := &Store{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Has reports whether a non-empty bytes file exists for d.
func (s *Store) Has(d asset.Digest) bool {
	if !d.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.dataPath(d))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Get loads the asset for d. Absent, unreadable or mismatching entries are
// reported as a miss; corrupt ones are logged.
func (s *Store) Get(d asset.Digest) (*asset.Asset, bool) {
	a, err := s.Load(d)
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			s.logger.Warn("Treating corrupt cache entry as miss",
				logfields.Digest(d.String()),
				logfields.Error(err))
		}
		return nil, false
	}
	return a, true
}

// Load is Get with the failure cause: ErrNotFound, or a CorruptCacheEntry error.
func (s *Store) Load(d asset.Digest) (*asset.Asset, error) {
	if !d.Valid() {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// #nosec G304 -- path is built from a validated digest
	data, err := os.ReadFile(s.dataPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.CorruptCacheEntry(d.String(), err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	if got := asset.Of(data); got != d {
		return nil, errors.CorruptCacheEntry(d.String(), fmt.Errorf("stored bytes hash to %s", got))
	}

	info, err := s.readInfo(d)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.CorruptCacheEntry(d.String(), err)
	}

	kind := asset.ParseKind(info.Kind)
	if kind == asset.KindInvalid {
		kind = asset.Classify(asset.DetectMediaType(data, info.Name+"."+info.Extension), info.Name)
		if kind == asset.KindInvalid {
			kind = asset.KindGenericData
		}
	}
	name := info.Name
	if name == "" {
		name = d.String()
	}

	a, err := asset.CreateWithExtension(name, info.Extension, data, kind)
	if err != nil {
		return nil, errors.CorruptCacheEntry(d.String(), err)
	}
	return a, nil
}

// Put persists a. Broken placeholders are never stored. Bytes are written
// only if absent; the info record is rewritten (last write wins).
func (s *Store) Put(a *asset.Asset) error {
	if a == nil || a.IsBroken() {
		return nil
	}
	d := a.Digest()
	if !d.Valid() {
		return fmt.Errorf("refusing to store asset with invalid digest %q", d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(s.dataPath(d), a.Bytes(), true); err != nil {
		return fmt.Errorf("write bytes for %s: %w", d, err)
	}

	info, err := yaml.Marshal(Info{Name: a.Name(), Kind: a.Kind().String(), Extension: a.Extension()})
	if err != nil {
		return fmt.Errorf("marshal info for %s: %w", d, err)
	}
	if err := s.writeAtomic(s.infoPath(d), info, false); err != nil {
		return fmt.Errorf("write info for %s: %w", d, err)
	}
	return nil
}

// Info returns the stored metadata record for d.
func (s *Store) Info(d asset.Digest) (Info, error) {
	if !d.Valid() {
		return Info{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.readInfo(d)
	if os.IsNotExist(err) {
		return Info{}, ErrNotFound
	}
	return info, err
}

// RememberLocalPath records that p holds the bytes of d, unless already known.
func (s *Store) RememberLocalPath(d asset.Digest, p string) error {
	if !d.Valid() {
		return fmt.Errorf("invalid digest %q", d)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.readLinks(d)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read links for %s: %w", d, err)
	}
	for _, known := range paths {
		if known == abs {
			return nil
		}
	}
	paths = append(paths, abs)
	return s.writeAtomic(s.linkPath(d), []byte(strings.Join(paths, "\n")+"\n"), false)
}

// RememberFile hashes the file at p and remembers it as a local copy.
func (s *Store) RememberFile(p string) (asset.Digest, error) {
	// #nosec G304 -- callers choose which local files to remember
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	d := asset.Of(data)
	if err := s.RememberLocalPath(d, p); err != nil {
		return "", err
	}
	return d, nil
}

// LocalPaths returns every remembered path for d, in the order they were added.
func (s *Store) LocalPaths(d asset.Digest) ([]string, error) {
	if !d.Valid() {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths, err := s.readLinks(d)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return paths, err
}

// ResolveLocalPath returns the first remembered path that still exists.
func (s *Store) ResolveLocalPath(d asset.Digest) (string, bool) {
	paths, err := s.LocalPaths(d)
	if err != nil {
		s.logger.Warn("Unreadable link file", logfields.Digest(d.String()), logfields.Error(err))
		return "", false
	}
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// Remove deletes every file stored for d.
func (s *Store) Remove(d asset.Digest) error {
	if !d.Valid() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeUnlocked(d)
}

// Clear deletes every cache entry, leaving unrelated files in the directory alone.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digests, err := s.digestsUnlocked(true)
	if err != nil {
		return err
	}
	for _, d := range digests {
		if err := s.removeUnlocked(d); err != nil {
			return err
		}
	}
	return nil
}

// List returns the sorted digests that have stored bytes.
func (s *Store) List() ([]asset.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.digestsUnlocked(false)
}

func (s *Store) removeUnlocked(d asset.Digest) error {
	var errs []error
	for _, p := range []string{s.dataPath(d), s.infoPath(d), s.linkPath(d)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// digestsUnlocked lists digests with a bytes file, or with any side file when all is set.
func (s *Store) digestsUnlocked(all bool) ([]asset.Digest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}
	seen := make(map[asset.Digest]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if all {
			name = strings.TrimSuffix(strings.TrimSuffix(name, infoSuffix), linkSuffix)
		}
		if d := asset.Digest(name); d.Valid() {
			seen[d] = true
		}
	}
	out := make([]asset.Digest, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) readInfo(d asset.Digest) (Info, error) {
	// #nosec G304 -- path is built from a validated digest
	data, err := os.ReadFile(s.infoPath(d))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("unmarshal info: %w", err)
	}
	return info, nil
}

func (s *Store) readLinks(d asset.Digest) ([]string, error) {
	// #nosec G304 -- path is built from a validated digest
	data, err := os.ReadFile(s.linkPath(d))
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		if p := strings.TrimSpace(string(line)); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// writeAtomic writes data through a temp file renamed into place. With
// ifAbsent set an existing target is left untouched.
func (s *Store) writeAtomic(target string, data []byte, ifAbsent bool) error {
	if ifAbsent {
		if fi, err := os.Stat(target); err == nil && fi.Size() > 0 {
			return nil
		}
	}

	tmp, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if ifAbsent {
		// Another process may have won the race since the stat above.
		if fi, err := os.Stat(target); err == nil && fi.Size() > 0 {
			return nil
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	success = true
	return nil
}

func (s *Store) dataPath(d asset.Digest) string { return filepath.Join(s.dir, d.String()) }
func (s *Store) infoPath(d asset.Digest) string { return s.dataPath(d) + infoSuffix }
func (s *Store) linkPath(d asset.Digest) string { return s.dataPath(d) + linkSuffix }
