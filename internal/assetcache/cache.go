// Package assetcache is the single entry point collaborators use to obtain
// assets. Lookups go memory → disk → remembered local file and never touch
// the network; misses are handed to a Requester and completed through Put.
package assetcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/diskcache"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/workers"
)

const (
	DefaultMemoryEntries = 1024
	DefaultPollInterval  = 100 * time.Millisecond
)

// Requester schedules network retrieval of digests the local tiers lack.
type Requester interface {
	Request(d asset.Digest) bool
	IsRequested(d asset.Digest) bool
	Complete(d asset.Digest)
}

// Callback receives a stored asset. It never runs on the goroutine that
// registered it.
type Callback func(a *asset.Asset)

// waiter collects the callbacks of one unresolved digest.
type waiter struct {
	callbacks []registration
}

type registration struct {
	id uint64
	fn Callback
}

func (w *waiter) funcs() []Callback {
	out := make([]Callback, len(w.callbacks))
	for i, r := range w.callbacks {
		out[i] = r.fn
	}
	return out
}

// Cache combines the memory tier, the disk store and the waiters of
// unresolved digests.
type Cache struct {
	memory *lru.Cache[asset.Digest, *asset.Asset]
	disk   *diskcache.Store

	mu        sync.Mutex
	waiters   map[asset.Digest]*waiter
	nextID    uint64
	requester Requester

	reencode []string
	poll     time.Duration
	hub      workers.Group
	logger   *slog.Logger
	recorder metrics.Recorder
}

type settings struct {
	entries  int
	reencode []string
	poll     time.Duration
	logger   *slog.Logger
	recorder metrics.Recorder
}

// Option configures a Cache.
type Option func(*settings)

// WithMemoryEntries bounds the memory tier.
func WithMemoryEntries(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.entries = n
		}
	}
}

// WithReencode lists image formats converted to PNG by ImportFile.
func WithReencode(formats ...string) Option {
	return func(s *settings) { s.reencode = formats }
}

// WithPollInterval sets how often WaitFor re-checks the local tiers.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

func WithRecorder(r metrics.Recorder) Option { return func(s *settings) { s.recorder = r } }

// New creates a cache over disk.
func New(disk *diskcache.Store, opts ...Option) (*Cache, error) {
	s := settings{
		entries:  DefaultMemoryEntries,
		poll:     DefaultPollInterval,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	memory, err := lru.New[asset.Digest, *asset.Asset](s.entries)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	return &Cache{
		memory:   memory,
		disk:     disk,
		waiters:  make(map[asset.Digest]*waiter),
		reencode: s.reencode,
		poll:     s.poll,
		logger:   s.logger,
		recorder: s.recorder,
	}, nil
}

// SetRequester attaches the retrieval side. Without one, misses only wait
// for a later Put.
func (c *Cache) SetRequester(r Requester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requester = r
}

func (c *Cache) currentRequester() Requester {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requester
}

// Disk exposes the persistent tier.
func (c *Cache) Disk() *diskcache.Store { return c.disk }

// Get returns the asset from memory, disk or a remembered local file,
// promoting disk and local hits into memory. It never blocks on the network.
func (c *Cache) Get(d asset.Digest) (*asset.Asset, bool) {
	if a, ok := c.memory.Get(d); ok {
		c.recorder.IncCacheLookup(metrics.TierMemory, true)
		return a, true
	}
	c.recorder.IncCacheLookup(metrics.TierMemory, false)

	if a, ok := c.disk.Get(d); ok {
		c.recorder.IncCacheLookup(metrics.TierDisk, true)
		c.memory.Add(d, a)
		return a, true
	}
	c.recorder.IncCacheLookup(metrics.TierDisk, false)

	a, ok := c.fromLocalPath(d)
	c.recorder.IncCacheLookup(metrics.TierLocal, ok)
	if !ok {
		return nil, false
	}
	c.memory.Add(d, a)
	if err := c.disk.Put(a); err != nil {
		c.logger.Warn("Could not persist asset from local file", logfields.Digest(d.String()), logfields.Error(err))
	}
	return a, true
}

func (c *Cache) fromLocalPath(d asset.Digest) (*asset.Asset, bool) {
	p, ok := c.disk.ResolveLocalPath(d)
	if !ok {
		return nil, false
	}
	// #nosec G304 -- p was remembered for this digest by the operator
	data, err := os.ReadFile(p)
	if err != nil {
		c.logger.Warn("Remembered local file unreadable", logfields.Digest(d.String()), logfields.Path(p), logfields.Error(err))
		return nil, false
	}
	if asset.Of(data) != d {
		c.logger.Warn("Remembered local file changed", logfields.Digest(d.String()), logfields.Path(p))
		return nil, false
	}

	base := filepath.Base(p)
	kind := asset.Classify(asset.DetectMediaType(data, base), base)
	if kind == asset.KindInvalid {
		kind = asset.KindGenericData
	}
	a, err := asset.CreateWithExtension(asset.NameFromReference(base), filepath.Ext(base), data, kind)
	if err != nil {
		c.logger.Warn("Remembered local file not decodable", logfields.Digest(d.String()), logfields.Path(p), logfields.Error(err))
		return nil, false
	}
	return a, true
}

// GetAsync delivers the asset to fn once it is available. A local hit is
// delivered right away; otherwise fn waits for Put and a retrieval is requested.
// Callbacks for one digest run once each, in registration order.
func (c *Cache) GetAsync(d asset.Digest, fn Callback) {
	c.subscribe(d, fn)
}

// subscribe is GetAsync returning a function that withdraws fn while it
// still waits. Withdrawing after delivery is a no-op.
func (c *Cache) subscribe(d asset.Digest, fn Callback) func() {
	if fn == nil {
		return func() {}
	}
	if a, ok := c.Get(d); ok {
		c.dispatch(d, a, []Callback{fn})
		return func() {}
	}

	c.mu.Lock()
	// Put adds to memory under mu, so a concurrent Put is seen here.
	if a, ok := c.memory.Peek(d); ok {
		c.mu.Unlock()
		c.dispatch(d, a, []Callback{fn})
		return func() {}
	}
	c.nextID++
	id := c.nextID
	w := c.waiterLocked(d)
	w.callbacks = append(w.callbacks, registration{id: id, fn: fn})
	requester := c.requester
	c.mu.Unlock()

	if requester != nil {
		requester.Request(d)
	}
	return func() { c.withdraw(d, id) }
}

func (c *Cache) withdraw(d asset.Digest, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[d]
	if !ok {
		return
	}
	w.callbacks = slices.DeleteFunc(w.callbacks, func(r registration) bool { return r.id == id })
	if len(w.callbacks) == 0 {
		delete(c.waiters, d)
	}
}

func (c *Cache) waiterLocked(d asset.Digest) *waiter {
	w, ok := c.waiters[d]
	if !ok {
		w = &waiter{}
		c.waiters[d] = w
	}
	return w
}

// Await returns a channel that receives the asset once it is available, and
// a cancel function that stops waiting. Callers that give up must call it.
func (c *Cache) Await(d asset.Digest) (<-chan *asset.Asset, func()) {
	ch := make(chan *asset.Asset, 1)
	cancel := c.subscribe(d, func(a *asset.Asset) { ch <- a })
	return ch, cancel
}

// Put stores a into memory, persists it unless it is broken or already on
// disk, releases its pending marker and fires its waiting callbacks.
func (c *Cache) Put(a *asset.Asset) error {
	if a == nil {
		return fmt.Errorf("nil asset")
	}
	d := a.Digest()

	c.mu.Lock()
	c.memory.Add(d, a)
	w := c.waiters[d]
	delete(c.waiters, d)
	requester := c.requester
	c.mu.Unlock()

	var err error
	if !a.IsBroken() && !c.disk.Has(d) {
		if err = c.disk.Put(a); err != nil {
			c.logger.Warn("Could not persist asset", logfields.Digest(d.String()), logfields.Error(err))
		}
	}
	if requester != nil {
		requester.Complete(d)
	}
	if w != nil {
		c.dispatch(d, a, w.funcs())
	}
	return err
}

// dispatch runs callbacks in order on a hub goroutine.
func (c *Cache) dispatch(d asset.Digest, a *asset.Asset, callbacks []Callback) {
	if len(callbacks) == 0 {
		return
	}
	started := c.hub.Go(func() {
		for _, fn := range callbacks {
			c.invoke(d, a, fn)
		}
	})
	if !started {
		c.logger.Debug("Cache closed, callbacks dropped", logfields.Digest(d.String()), slog.Int("callbacks", len(callbacks)))
	}
}

func (c *Cache) invoke(d asset.Digest, a *asset.Asset, fn Callback) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Asset callback panicked", logfields.Digest(d.String()), slog.Any("panic", r))
		}
	}()
	fn(a)
}

// Has reports whether d is available without the network.
func (c *Cache) Has(d asset.Digest) bool {
	if c.memory.Contains(d) || c.disk.Has(d) {
		return true
	}
	_, ok := c.disk.ResolveLocalPath(d)
	return ok
}

// HasInMemory reports whether d is in the memory tier.
func (c *Cache) HasInMemory(d asset.Digest) bool {
	return c.memory.Contains(d)
}

// IsRequested reports whether a retrieval of d is in flight.
func (c *Cache) IsRequested(d asset.Digest) bool {
	r := c.currentRequester()
	return r != nil && r.IsRequested(d)
}

// Waiting reports how many callbacks wait for d.
func (c *Cache) Waiting(d asset.Digest) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[d]; ok {
		return len(w.callbacks)
	}
	return 0
}

// Remove evicts d from memory.
func (c *Cache) Remove(d asset.Digest) {
	c.memory.Remove(d)
}

// Clear empties the memory tier. Disk and waiters are untouched.
func (c *Cache) Clear() {
	c.memory.Purge()
}

// Snapshot lists the digests held in memory, sorted.
func (c *Cache) Snapshot() []asset.Digest {
	keys := c.memory.Keys()
	slices.Sort(keys)
	return keys
}

// WaitFor blocks until d is available or timeout elapses. It requests d and
// re-checks the local tiers every poll interval, so it also notices files
// written by other processes sharing the cache directory.
func (c *Cache) WaitFor(ctx context.Context, d asset.Digest, timeout time.Duration) (*asset.Asset, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("wait for %s: timeout must be positive", d)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a, ok := c.Get(d); ok {
		return a, nil
	}
	ready, stop := c.Await(d)
	defer stop()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case a := <-ready:
			return a, nil
		case <-ticker.C:
			if a, ok := c.Get(d); ok {
				return a, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", d, ctx.Err())
		}
	}
}

// ImportFile stores a local file and remembers its path under the digest of
// the file itself. Images in the configured re-encode formats are stored as PNG.
func (c *Cache) ImportFile(path string) (*asset.Asset, error) {
	a, err := asset.FromFile(path, asset.WithReencode(c.reencode...))
	if err != nil {
		return nil, err
	}
	if a.IsBroken() {
		return nil, fmt.Errorf("import %s: unsupported content type", path)
	}
	if err := c.Put(a); err != nil {
		return nil, err
	}
	if _, err := c.disk.RememberFile(path); err != nil {
		c.logger.Warn("Could not remember local path", logfields.Path(path), logfields.Error(err))
	}
	return a, nil
}

// Close waits for running callbacks, bounded by ctx. Later callbacks are dropped.
func (c *Cache) Close(ctx context.Context) error {
	return c.hub.StopAndWait(ctx)
}
