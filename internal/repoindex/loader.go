// Package repoindex loads and caches repository indexes: gzip text
// manifests mapping a digest to a reference relative to the index URL.
package repoindex

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/observability"
	"git.home.luguber.info/inful/assetstore/internal/transport"
)

// DefaultLifespan is how long a local index copy is trusted before refetching.
const DefaultLifespan = 24 * time.Hour

const registerConcurrency = 4

// State is the health of a registered repository.
type State int

const (
	StateActive State = iota
	StateBadURL
	StateBadIndexFormat
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateBadURL:
		return "bad_url"
	case StateBadIndexFormat:
		return "bad_index_format"
	default:
		return "unavailable"
	}
}

// Status describes one registered repository.
type Status struct {
	URL         string    `json:"url"`
	State       string    `json:"state"`
	Entries     int       `json:"entries"`
	LastFetched time.Time `json:"last_fetched"`
}

type repository struct {
	url         string
	entries     Entries
	state       State
	lastFetched time.Time
}

// Loader tracks registered repositories, their parsed indexes and health.
// Failures never surface as errors from Register; they become a State.
type Loader struct {
	mu    sync.RWMutex
	repos map[string]*repository
	order []string
	// epoch and removals invalidate loads that were in flight when a
	// repository was unregistered.
	epoch    uint64
	removals map[string]uint64

	fetcher  transport.Fetcher
	indexDir string
	lifespan time.Duration
	clock    clockwork.Clock
	group    singleflight.Group
	logger   *slog.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer
}

// Option configures a Loader.
type Option func(*Loader)

func WithClock(c clockwork.Clock) Option { return func(l *Loader) { l.clock = c } }

func WithLifespan(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.lifespan = d
		}
	}
}

func WithLogger(lg *slog.Logger) Option { return func(l *Loader) { l.logger = lg } }

func WithRecorder(r metrics.Recorder) Option { return func(l *Loader) { l.recorder = r } }

func WithTracer(t trace.Tracer) Option { return func(l *Loader) { l.tracer = t } }

// NewLoader creates indexDir if needed.
func NewLoader(fetcher transport.Fetcher, indexDir string, opts ...Option) (*Loader, error) {
	if err := os.MkdirAll(indexDir, 0o750); err != nil {
		return nil, fmt.Errorf("create index directory %s: %w", indexDir, err)
	}
	l := &Loader{
		repos:    make(map[string]*repository),
		removals: make(map[string]uint64),
		fetcher:  fetcher,
		indexDir: indexDir,
		lifespan: DefaultLifespan,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracer == nil {
		l.tracer = (*observability.TracerProvider)(nil).Tracer()
	}
	return l, nil
}

// Register loads the index for rawURL (from a fresh local copy or the
// network) and records the result. It reports whether the repository is Active.
// Concurrent registrations of one URL share a single load.
func (l *Loader) Register(ctx context.Context, rawURL string) bool {
	l.mu.RLock()
	gen := l.generationLocked(rawURL)
	l.mu.RUnlock()
	return l.register(ctx, rawURL, gen)
}

// generation identifies the registration lifetime of a URL. Unregister and
// UnregisterAll move it on, so results of older loads are discarded.
type generation struct {
	epoch   uint64
	removal uint64
}

func (l *Loader) generationLocked(rawURL string) generation {
	return generation{epoch: l.epoch, removal: l.removals[rawURL]}
}

func (l *Loader) register(ctx context.Context, rawURL string, gen generation) bool {
	key := fmt.Sprintf("%s\x00%d.%d", rawURL, gen.epoch, gen.removal)
	v, _, _ := l.group.Do(key, func() (any, error) {
		repo := l.load(ctx, rawURL)

		l.mu.Lock()
		if l.generationLocked(rawURL) != gen {
			l.mu.Unlock()
			l.logger.Debug("Repository removed while loading, result dropped", logfields.Repository(rawURL))
			return false, nil
		}
		if _, known := l.repos[rawURL]; !known {
			l.order = append(l.order, rawURL)
		}
		l.repos[rawURL] = repo
		l.mu.Unlock()

		l.recorder.IncRepositoryRefresh(repo.state.String())
		return repo.state == StateActive, nil
	})
	active, _ := v.(bool)
	return active
}

// RegisterAll registers urls concurrently while keeping their order as the
// consultation order. It returns how many became Active.
func (l *Loader) RegisterAll(ctx context.Context, urls []string) int {
	gens := make([]generation, len(urls))
	l.mu.Lock()
	for i, u := range urls {
		gens[i] = l.generationLocked(u)
		if _, known := l.repos[u]; known {
			continue
		}
		l.order = append(l.order, u)
		l.repos[u] = &repository{url: u, state: StateUnavailable}
	}
	l.mu.Unlock()

	var active atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(registerConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			if l.register(gctx, u, gens[i]) {
				active.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(active.Load())
}

// Unregister drops the index and state of rawURL.
func (l *Loader) Unregister(rawURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.repos, rawURL)
	l.removals[rawURL]++
	l.order = slices.DeleteFunc(l.order, func(u string) bool { return u == rawURL })
}

// UnregisterAll drops every repository.
func (l *Loader) UnregisterAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.repos = make(map[string]*repository)
	l.order = nil
	l.epoch++
}

// State returns the state of rawURL and whether it is registered.
func (l *Loader) State(rawURL string) (State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	repo, ok := l.repos[rawURL]
	if !ok {
		return StateUnavailable, false
	}
	return repo.state, true
}

// Index returns a copy of the entries of rawURL, or nil when unknown.
func (l *Loader) Index(rawURL string) Entries {
	l.mu.RLock()
	defer l.mu.RUnlock()

	repo, ok := l.repos[rawURL]
	if !ok {
		return nil
	}
	return repo.entries.Clone()
}

// Repositories lists registered URLs in registration order.
func (l *Loader) Repositories() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.order)
}

// Statuses describes every registered repository in registration order.
func (l *Loader) Statuses() []Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Status, 0, len(l.order))
	for _, u := range l.order {
		repo := l.repos[u]
		out = append(out, Status{URL: u, State: repo.state.String(), Entries: len(repo.entries), LastFetched: repo.lastFetched})
	}
	return out
}

// Candidates lists, in registration order, the Active repositories whose index holds d.
func (l *Loader) Candidates(d asset.Digest) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for _, u := range l.order {
		repo := l.repos[u]
		if repo.state != StateActive {
			continue
		}
		if _, ok := repo.entries[d]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Lookup returns the reference for d in rawURL, trusted only while the repository is Active.
func (l *Loader) Lookup(rawURL string, d asset.Digest) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	repo, ok := l.repos[rawURL]
	if !ok || repo.state != StateActive {
		return "", false
	}
	ref, ok := repo.entries[d]
	return ref, ok
}

// Contains reports whether any Active repository lists d.
func (l *Loader) Contains(d asset.Digest) bool {
	return len(l.Candidates(d)) > 0
}

// Stale reports whether the local index copy of rawURL is missing or expired.
func (l *Loader) Stale(rawURL string) bool {
	_, fresh := l.freshCopy(rawURL)
	return !fresh
}

// Refresh re-registers every repository that is not Active or whose local
// copy has expired. It returns how many were reloaded.
func (l *Loader) Refresh(ctx context.Context) int {
	refreshed := 0
	for _, u := range l.Repositories() {
		if err := ctx.Err(); err != nil {
			return refreshed
		}
		state, ok := l.State(u)
		if !ok {
			continue
		}
		if state == StateActive && !l.Stale(u) {
			continue
		}
		l.Register(ctx, u)
		refreshed++
	}
	return refreshed
}

// Update merges add into the index of a registered repository, stores the
// merged index as the local copy and returns the merged manifest text.
func (l *Loader) Update(rawURL string, add Entries) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	repo, ok := l.repos[rawURL]
	if !ok {
		return nil, fmt.Errorf("repository %s is not registered", rawURL)
	}
	merged := repo.entries.Clone()
	for d, ref := range add {
		merged[d] = ref
	}
	manifest := BuildManifest(merged)
	compressed, err := Compress(manifest)
	if err != nil {
		return nil, err
	}
	if err := l.storeCopy(rawURL, compressed); err != nil {
		return nil, err
	}
	repo.entries = merged
	repo.state = StateActive
	repo.lastFetched = l.clock.Now()
	return manifest, nil
}

func (l *Loader) load(ctx context.Context, rawURL string) *repository {
	ctx, span := l.tracer.Start(ctx, "repoindex.load")
	span.SetAttributes(observability.AttrRepository.String(rawURL))

	repo := &repository{url: rawURL, entries: Entries{}, state: StateActive}
	logger := l.logger.With(logfields.Repository(rawURL))

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme")
		}
		repo.state = StateBadURL
		logger.Warn("Invalid repository URL", logfields.Error(err))
		observability.EndSpan(span, err)
		return repo
	}

	data, fetchedAt, cached, err := l.indexBytes(ctx, rawURL)
	if err != nil {
		if errors.IsCategory(err, errors.CategorySource) {
			repo.state = StateBadURL
		} else {
			repo.state = StateUnavailable
		}
		logger.Warn("Repository index unavailable", logfields.State(repo.state.String()), logfields.Error(err))
		observability.EndSpan(span, err)
		return repo
	}
	repo.lastFetched = fetchedAt

	if len(data) == 0 {
		repo.state = StateBadURL
		err := errors.MalformedSource(rawURL, fmt.Errorf("empty or inaccessible repository index"))
		logger.Warn("Empty repository index", logfields.Error(err))
		observability.EndSpan(span, err)
		return repo
	}

	lines, err := Decode(data)
	if err != nil {
		repo.state = StateBadIndexFormat
		if cached {
			if rmErr := os.Remove(l.localPath(rawURL)); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("Could not drop unreadable local index copy", logfields.Error(rmErr))
			}
		}
		logger.Warn("Repository index is not a gzip text index", logfields.Error(err))
		observability.EndSpan(span, err)
		return repo
	}
	if !cached {
		if err := l.storeCopy(rawURL, data); err != nil {
			logger.Warn("Could not store local index copy", logfields.Error(err))
		}
	}

	entries, skipped := parseLines(lines)
	repo.entries = entries
	if skipped > 0 {
		logger.Debug("Skipped malformed index lines", slog.Int("skipped", skipped))
	}
	logger.Info("Repository index loaded", logfields.Entries(len(entries)))
	observability.EndSpan(span, nil)
	return repo
}

// indexBytes returns the compressed index, from the local copy when fresh.
// cached reports whether the bytes came from that copy. Fetched bytes are not
// stored here; load keeps them only once they decode.
func (l *Loader) indexBytes(ctx context.Context, rawURL string) (data []byte, fetchedAt time.Time, cached bool, err error) {
	if modTime, fresh := l.freshCopy(rawURL); fresh {
		// #nosec G304 -- path derives from the digest of the URL
		copyData, readErr := os.ReadFile(l.localPath(rawURL))
		if readErr == nil {
			return copyData, modTime, true, nil
		}
		l.logger.Warn("Unreadable local index copy, refetching", logfields.Repository(rawURL), logfields.Error(readErr))
	}

	start := l.clock.Now()
	data, err = l.fetcher.Fetch(ctx, rawURL)
	l.recorder.ObserveFetchDuration("index", l.clock.Since(start), err == nil)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return data, l.clock.Now(), false, nil
}

func (l *Loader) freshCopy(rawURL string) (time.Time, bool) {
	fi, err := os.Stat(l.localPath(rawURL))
	if err != nil || !fi.Mode().IsRegular() {
		return time.Time{}, false
	}
	return fi.ModTime(), l.clock.Since(fi.ModTime()) < l.lifespan
}

func (l *Loader) storeCopy(rawURL string, data []byte) error {
	target := l.localPath(rawURL)
	tmp, err := os.CreateTemp(l.indexDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store index copy: %w", err)
	}
	now := l.clock.Now()
	return os.Chtimes(target, now, now)
}

// localPath is index_dir/<md5 of the URL>.
func (l *Loader) localPath(rawURL string) string {
	return filepath.Join(l.indexDir, asset.Of([]byte(rawURL)).String())
}
