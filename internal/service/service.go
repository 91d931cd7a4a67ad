// Package service assembles the asset store from its parts: disk cache,
// repository indexes, retrieval workers, the NATS peer, the journal, local
// file watchers and the periodic index refresh.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/assetstore/internal/assetcache"
	"git.home.luguber.info/inful/assetstore/internal/config"
	"git.home.luguber.info/inful/assetstore/internal/diskcache"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/journal"
	"git.home.luguber.info/inful/assetstore/internal/localscan"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/observability"
	"git.home.luguber.info/inful/assetstore/internal/peer"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
	"git.home.luguber.info/inful/assetstore/internal/retrieval"
	"git.home.luguber.info/inful/assetstore/internal/retry"
	"git.home.luguber.info/inful/assetstore/internal/transport"
	"git.home.luguber.info/inful/assetstore/internal/workers"
)

// Status represents the lifecycle state of the service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Service owns every component of one asset store instance.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock
	status atomic.Value // Status

	// Core components
	disk      *diskcache.Store
	fetcher   *transport.Mux
	gcs       *transport.GCSFetcher
	loader    *repoindex.Loader
	cache     *assetcache.Cache
	coord     *retrieval.Coordinator
	peer      *peer.Peer
	journal   journal.Journal
	watcher   *localscan.Watcher
	scheduler *Scheduler

	// Observability
	registry *prom.Registry
	recorder *metrics.PrometheusRecorder
	tracing  *observability.TracerProvider

	bus       peer.Bus
	cancel    context.CancelFunc
	scans     workers.Group
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock drives index freshness, escalation backoff and the refresh schedule.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prom.Registry) Option { return func(s *Service) { s.registry = reg } }

func WithTracerProvider(tp *observability.TracerProvider) Option {
	return func(s *Service) { s.tracing = tp }
}

// WithJournal replaces the journal selected by configuration.
func WithJournal(j journal.Journal) Option { return func(s *Service) { s.journal = j } }

// WithPeerBus uses bus for the peer instead of dialing Peer.NATSURL.
func WithPeerBus(bus peer.Bus) Option { return func(s *Service) { s.bus = bus } }

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.ConfigInvalid("config", "configuration is required")
	}
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status.Store(StatusStopped)

	if err := s.build(ctx); err != nil {
		_ = s.release(context.WithoutCancel(ctx))
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg

	if s.registry == nil {
		s.registry = prom.NewRegistry()
	}
	s.recorder = metrics.NewPrometheusRecorder(s.registry)
	if s.tracing == nil {
		tp, err := observability.NewTracerProvider(cfg.Tracing.Enabled, os.Stderr)
		if err != nil {
			return err
		}
		s.tracing = tp
	}
	tracer := s.tracing.Tracer()

	disk, err := diskcache.New(cfg.CacheDir, diskcache.WithLogger(s.logger))
	if err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityFatal, "failed to open disk cache")
	}
	s.disk = disk

	if err := s.buildTransport(ctx); err != nil {
		return err
	}

	s.loader, err = repoindex.NewLoader(s.fetcher, cfg.IndexDir,
		repoindex.WithClock(s.clock),
		repoindex.WithLifespan(cfg.IndexLifespanDuration()),
		repoindex.WithLogger(s.logger),
		repoindex.WithRecorder(s.recorder),
		repoindex.WithTracer(tracer),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityFatal, "failed to open index directory")
	}

	s.cache, err = assetcache.New(disk,
		assetcache.WithMemoryEntries(cfg.MemoryEntries),
		assetcache.WithReencode(cfg.Images.Reencode...),
		assetcache.WithLogger(s.logger),
		assetcache.WithRecorder(s.recorder),
	)
	if err != nil {
		return err
	}

	if s.journal == nil {
		if err := s.openJournal(); err != nil {
			return err
		}
	}

	if err := s.buildPeer(); err != nil {
		return err
	}
	var escalation retrieval.Peer = retrieval.NewLogPeer(s.logger)
	if s.peer != nil {
		escalation = s.peer
	}

	coordOpts := []retrieval.Option{
		retrieval.WithPeer(escalation),
		retrieval.WithJournal(s.journal),
		retrieval.WithLogger(s.logger),
		retrieval.WithRecorder(s.recorder),
		retrieval.WithTracer(tracer),
		retrieval.WithClock(s.clock),
		retrieval.WithWorkers(cfg.Workers),
		retrieval.WithQueueSize(cfg.QueueSize),
	}
	if policy, ok := retry.FromEscalation(cfg.Escalation); ok {
		coordOpts = append(coordOpts, retrieval.WithEscalationBackoff(policy))
	}
	s.coord = retrieval.New(s.loader, s.fetcher, s.cache, coordOpts...)
	s.cache.SetRequester(s.coord)

	if len(cfg.Watch.Dirs) > 0 {
		s.watcher, err = localscan.NewWatcher(disk, localscan.NewFilter(cfg.Watch.Extensions),
			localscan.WithLogger(s.logger))
		if err != nil {
			return err
		}
	}

	s.scheduler, err = NewScheduler(s.clock, s.logger)
	if err != nil {
		return err
	}
	_, err = s.scheduler.SchedulePeriodic("repository-refresh", cfg.RefreshIntervalDuration(), s.refresh)
	return err
}

func (s *Service) buildTransport(ctx context.Context) error {
	cfg := s.cfg
	maxBytes := cfg.Fetch.MaxBytes
	web := transport.NewHTTPFetcher(transport.NewHTTPClient(cfg.FetchTimeout()), maxBytes)
	s.fetcher = transport.NewMux(web, maxBytes)

	if cfg.S3.Enabled {
		f, err := transport.NewS3Fetcher(ctx, transport.S3Options{Region: cfg.S3.Region, Endpoint: cfg.S3.Endpoint}, maxBytes)
		if err != nil {
			return errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to configure s3 repositories")
		}
		s.fetcher.Handle("s3", f)
	}
	if cfg.GCS.Enabled {
		f, err := transport.NewGCSFetcher(ctx, maxBytes)
		if err != nil {
			return errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to configure gs repositories")
		}
		s.gcs = f
		s.fetcher.Handle("gs", f)
	}
	return nil
}

func (s *Service) openJournal() error {
	if s.cfg.Journal.Path == "" {
		s.journal = journal.Nop{}
		return nil
	}
	if dir := filepath.Dir(s.cfg.Journal.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	j, err := journal.NewSQLiteJournal(s.cfg.Journal.Path)
	if err != nil {
		return err
	}
	s.journal = j
	return nil
}

func (s *Service) buildPeer() error {
	cfg := s.cfg.Peer
	opts := []peer.Option{
		peer.WithSubjectPrefix(cfg.SubjectPrefix),
		peer.WithRate(cfg.RatePerSecond),
		peer.WithLogger(s.logger),
	}
	if host, err := os.Hostname(); err == nil {
		opts = append(opts, peer.WithOrigin(host))
	}

	switch {
	case s.bus != nil:
		s.peer = peer.New(s.bus, opts...)
	case cfg.NATSURL != "":
		p, err := peer.Connect(cfg.NATSURL, opts...)
		if err != nil {
			return errors.Transport(cfg.NATSURL, err)
		}
		s.peer = p
	}
	return nil
}

// Start registers the configured repositories and starts the retrieval
// workers, peer subscriptions, file watchers and the refresh schedule.
// Background work runs until Close or until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if !s.status.CompareAndSwap(StatusStopped, StatusStarting) {
		return fmt.Errorf("service cannot start while %s", s.Status())
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	active := s.loader.RegisterAll(runCtx, s.cfg.Repositories)
	s.logger.Info("Repositories registered",
		slog.Int("configured", len(s.cfg.Repositories)),
		slog.Int("active", active))

	s.coord.Start(runCtx)

	if s.peer != nil {
		if err := s.peer.Subscribe(s.cache); err != nil {
			s.status.Store(StatusStopped)
			return err
		}
		if s.cfg.Peer.Serve {
			if err := s.peer.Serve(s.cache); err != nil {
				s.status.Store(StatusStopped)
				return err
			}
		}
	}

	if s.watcher != nil {
		s.startWatching(runCtx)
	}

	s.scheduler.Start(runCtx)
	s.status.Store(StatusRunning)
	s.logger.Info("Asset store started", logfields.Path(s.cfg.CacheDir))
	return nil
}

// startWatching scans each watched directory once in the background and
// then follows it for new files.
func (s *Service) startWatching(ctx context.Context) {
	filter := localscan.NewFilter(s.cfg.Watch.Extensions)
	for _, dir := range s.cfg.Watch.Dirs {
		if err := s.watcher.Add(dir); err != nil {
			s.logger.Warn("Could not watch directory", logfields.Path(dir), logfields.Error(err))
			continue
		}
		s.scans.Go(func() {
			n, err := localscan.Scan(ctx, dir, filter, s.disk, s.logger)
			if err != nil {
				s.logger.Warn("Initial scan incomplete", logfields.Path(dir), logfields.Error(err))
			}
			s.logger.Info("Initial scan finished", logfields.Path(dir), logfields.Entries(n))
		})
	}
	s.watcher.Start(ctx)
}

func (s *Service) refresh(ctx context.Context) {
	if n := s.loader.Refresh(ctx); n > 0 {
		s.logger.Info("Refreshed repository indexes", logfields.Entries(n))
	}
}

// Close stops every component in reverse start order. It is safe to call
// more than once; later calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.status.Store(StatusStopping)
		s.closeErr = s.release(ctx)
		s.status.Store(StatusStopped)
		s.logger.Info("Asset store stopped")
	})
	return s.closeErr
}

func (s *Service) release(ctx context.Context) error {
	var errs []error
	if s.scheduler != nil {
		errs = append(errs, s.scheduler.Stop(ctx))
	}
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.cancel != nil {
		s.cancel()
	}
	errs = append(errs, s.scans.StopAndWait(ctx))
	if s.peer != nil {
		errs = append(errs, s.peer.Close())
	}
	if s.coord != nil {
		errs = append(errs, s.coord.Stop(ctx))
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close(ctx))
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.gcs != nil {
		errs = append(errs, s.gcs.Close())
	}
	if s.tracing != nil {
		errs = append(errs, s.tracing.Shutdown(ctx))
	}
	return stderrors.Join(errs...)
}

// Status returns the lifecycle state.
func (s *Service) Status() Status {
	st, _ := s.status.Load().(Status)
	return st
}

func (s *Service) Config() *config.Config { return s.cfg }

// Cache is the facade callers read and write assets through.
func (s *Service) Cache() *assetcache.Cache { return s.cache }

func (s *Service) Loader() *repoindex.Loader { return s.loader }

func (s *Service) Coordinator() *retrieval.Coordinator { return s.coord }

func (s *Service) Journal() journal.Journal { return s.journal }

// Peer is nil when no peer transport is configured.
func (s *Service) Peer() *peer.Peer { return s.peer }

// Registry holds the service metrics for exposition.
func (s *Service) Registry() *prom.Registry { return s.registry }
