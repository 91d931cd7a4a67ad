// Package retrieval resolves digests that no local tier holds by walking the
// repositories whose index lists them, verifying every download, and
// escalating to the authoritative peer when no repository delivers.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/journal"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/observability"
	"git.home.luguber.info/inful/assetstore/internal/retry"
	"git.home.luguber.info/inful/assetstore/internal/transport"
	"git.home.luguber.info/inful/assetstore/internal/workers"
)

const (
	DefaultWorkers   = 3
	DefaultQueueSize = 256
)

// Index is the part of the repository index loader the coordinator reads.
type Index interface {
	// Candidates lists Active repositories holding d, in registration order.
	Candidates(d asset.Digest) []string
	// Lookup returns the reference of d in repository, if it is still Active.
	Lookup(repository string, d asset.Digest) (string, bool)
}

// Sink receives verified assets.
type Sink interface {
	Put(a *asset.Asset) error
}

// Peer is the authoritative source asked once every repository failed.
// Fulfillment, if any, arrives later through Sink.Put.
type Peer interface {
	RequestAsset(ctx context.Context, d asset.Digest) error
}

type task struct {
	id       string
	digest   asset.Digest
	enqueued time.Time
	phase    Phase
}

type escalation struct {
	attempts int
	next     time.Time
}

// Coordinator owns the pending set and the worker pool. At most one
// retrieval per digest is in flight.
type Coordinator struct {
	index   Index
	fetcher transport.Fetcher
	sink    Sink
	peer    Peer
	journal journal.Journal

	workers   int
	queueSize int
	tasks     chan *task

	mu          sync.Mutex
	pending     map[asset.Digest]*task
	escalations map[asset.Digest]*escalation
	started     bool

	backoff  bool
	policy   retry.Policy
	stopCh   chan struct{}
	stopOnce sync.Once
	group    workers.Group
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder metrics.Recorder
	tracer   trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithPeer(p Peer) Option { return func(c *Coordinator) { c.peer = p } }

func WithJournal(j journal.Journal) Option { return func(c *Coordinator) { c.journal = j } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithRecorder(r metrics.Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

func WithTracer(t trace.Tracer) Option { return func(c *Coordinator) { c.tracer = t } }

func WithClock(clock clockwork.Clock) Option { return func(c *Coordinator) { c.clock = clock } }

// WithWorkers sets the pool size; values below one keep the default.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithQueueSize bounds how many digests may wait for a worker.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithEscalationBackoff suppresses repeated escalations of a digest until
// the policy delay has passed, and stops escalating once the policy is exhausted.
func WithEscalationBackoff(p retry.Policy) Option {
	return func(c *Coordinator) {
		c.backoff = true
		c.policy = p
	}
}

// New creates a coordinator. Start must be called before queued requests run.
func New(index Index, fetcher transport.Fetcher, sink Sink, opts ...Option) *Coordinator {
	c := &Coordinator{
		index:       index,
		fetcher:     fetcher,
		sink:        sink,
		journal:     journal.Nop{},
		workers:     DefaultWorkers,
		queueSize:   DefaultQueueSize,
		pending:     make(map[asset.Digest]*task),
		escalations: make(map[asset.Digest]*escalation),
		stopCh:      make(chan struct{}),
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		recorder:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.peer == nil {
		c.peer = NewLogPeer(c.logger)
	}
	if c.tracer == nil {
		c.tracer = (*observability.TracerProvider)(nil).Tracer()
	}
	c.tasks = make(chan *task, c.queueSize)
	return c
}

// Start launches the worker pool. Calling it twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("Starting retrieval workers", slog.Int("workers", c.workers), slog.Int("queue_size", c.queueSize))
	for i := range c.workers {
		workerID := fmt.Sprintf("worker-%d", i)
		c.group.Go(func() { c.worker(ctx, workerID) })
	}
}

// Stop signals the workers and waits for in-flight tasks, bounded by ctx.
// Queued tasks are abandoned; nothing partial is persisted.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping retrieval workers")
		close(c.stopCh)
	})
	return c.group.StopAndWait(ctx)
}

// Request schedules a retrieval for d and reports whether a new task was
// queued. A digest already in flight is not queued twice.
func (c *Coordinator) Request(d asset.Digest) bool {
	if !d.Valid() {
		return false
	}
	select {
	case <-c.stopCh:
		return false
	default:
	}

	c.mu.Lock()
	if _, inFlight := c.pending[d]; inFlight {
		c.mu.Unlock()
		return false
	}
	t := &task{id: uuid.NewString(), digest: d, enqueued: c.clock.Now(), phase: PhaseRequested}
	c.pending[d] = t
	n := len(c.pending)
	c.mu.Unlock()

	c.record(context.Background(), t, PhaseRequested, "", "")
	select {
	case c.tasks <- t:
	default:
		c.finish(t)
		c.record(context.Background(), t, PhaseIdle, "", "queue full")
		c.logger.Warn("Retrieval queue full, request dropped", logfields.Digest(d.String()))
		return false
	}

	c.recorder.SetPending(n)
	c.logger.Debug("Retrieval requested", logfields.Digest(d.String()), logfields.RequestID(t.id))
	return true
}

// IsRequested reports whether d is in flight.
func (c *Coordinator) IsRequested(d asset.Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[d]
	return ok
}

// Complete releases the pending marker of d and forgets its escalation
// history. The cache calls it whenever d is stored, whatever the source.
func (c *Coordinator) Complete(d asset.Digest) {
	c.mu.Lock()
	delete(c.escalations, d)
	c.mu.Unlock()
	c.release(d)
}

// Phase returns the lifecycle phase of d; Idle when nothing is in flight.
func (c *Coordinator) Phase(d asset.Digest) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pending[d]; ok {
		return t.phase
	}
	return PhaseIdle
}

// Pending lists the digests in flight, sorted.
func (c *Coordinator) Pending() []asset.Digest {
	c.mu.Lock()
	out := make([]asset.Digest, 0, len(c.pending))
	for d := range c.pending {
		out = append(out, d)
	}
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

func (c *Coordinator) release(d asset.Digest) {
	c.mu.Lock()
	delete(c.pending, d)
	n := len(c.pending)
	c.mu.Unlock()
	c.recorder.SetPending(n)
}

// finish releases t's marker unless a newer task already took its place.
func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	if c.pending[t.digest] == t {
		delete(c.pending, t.digest)
	}
	n := len(c.pending)
	c.mu.Unlock()
	c.recorder.SetPending(n)
}

func (c *Coordinator) setPhase(t *task, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.phase = p
}

func (c *Coordinator) worker(ctx context.Context, workerID string) {
	c.logger.Debug("Retrieval worker started", logfields.WorkerID(workerID))
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Retrieval worker stopped by context", logfields.WorkerID(workerID))
			return
		case <-c.stopCh:
			c.logger.Debug("Retrieval worker stopped by stop signal", logfields.WorkerID(workerID))
			return
		case t := <-c.tasks:
			if t != nil {
				c.run(ctx, t, workerID)
			}
		}
	}
}

// run walks the candidates of one digest in order and stops at the first
// verified download. Every failure along the way is logged and skipped.
func (c *Coordinator) run(ctx context.Context, t *task, workerID string) {
	ctx, span := c.tracer.Start(ctx, "retrieval.run")
	defer span.End()

	logger := c.logger.With(logfields.Digest(t.digest.String()), logfields.RequestID(t.id), logfields.WorkerID(workerID))
	candidates := c.index.Candidates(t.digest)
	span.SetAttributes(
		observability.AttrDigest.String(t.digest.String()),
		observability.AttrRequestID.String(t.id),
		observability.AttrCandidates.Int(len(candidates)),
	)
	waited := c.clock.Since(t.enqueued)
	logger.Debug("Retrieval started", logfields.Candidates(len(candidates)), logfields.DurationMS(float64(waited.Milliseconds())))

	for _, repo := range candidates {
		if ctx.Err() != nil {
			c.finish(t)
			c.recorder.IncRetrievalOutcome(metrics.OutcomeCanceled)
			span.SetAttributes(observability.AttrOutcome.String(string(metrics.OutcomeCanceled)))
			return
		}

		a, err := c.try(ctx, t, repo, logger)
		if err != nil {
			logger.Warn("Repository candidate skipped", logfields.Repository(repo), logfields.Error(err))
			continue
		}

		c.setPhase(t, PhaseVerified)
		c.record(ctx, t, PhaseVerified, repo, "")
		if err := c.sink.Put(a); err != nil {
			logger.Warn("Verified asset not persisted", logfields.Error(err))
		}
		c.setPhase(t, PhaseDelivered)
		c.record(ctx, t, PhaseDelivered, repo, "")
		c.finish(t)

		c.recorder.IncRetrievalOutcome(metrics.OutcomeFetched)
		span.SetAttributes(
			observability.AttrOutcome.String(string(metrics.OutcomeFetched)),
			observability.AttrRepository.String(repo),
			observability.AttrSize.Int(a.Size()),
		)
		logger.Info("Asset retrieved", logfields.Repository(repo), logfields.Name(a.Name()), logfields.Size(a.Size()))
		return
	}

	c.setPhase(t, PhaseExhausted)
	c.record(ctx, t, PhaseExhausted, "", fmt.Sprintf("%d candidates", len(candidates)))
	c.finish(t)

	outcome := c.escalate(ctx, t, logger)
	c.recorder.IncRetrievalOutcome(outcome)
	span.SetAttributes(observability.AttrOutcome.String(string(outcome)))
}

// try downloads d from one repository and verifies it.
func (c *Coordinator) try(ctx context.Context, t *task, repo string, logger *slog.Logger) (*asset.Asset, error) {
	c.setPhase(t, PhaseTryingRepo)
	c.record(ctx, t, PhaseTryingRepo, repo, "")

	// The index may have changed since the candidate list was built.
	ref, ok := c.index.Lookup(repo, t.digest)
	if !ok {
		return nil, fmt.Errorf("digest no longer listed")
	}
	target, err := transport.ResolveReference(repo, ref)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	data, err := c.fetcher.Fetch(ctx, target)
	c.recorder.ObserveFetchDuration("content", c.clock.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	if got := asset.Of(data); got != t.digest {
		c.recorder.IncIntegrityFailure(repo)
		err := errors.Integrity(t.digest.String(), got.String(), target)
		c.record(ctx, t, PhaseTryingRepo, repo, err.Error())
		return nil, err
	}

	kind := asset.Classify(asset.DetectMediaType(data, ref), ref)
	if kind == asset.KindInvalid {
		kind = asset.KindGenericData
	}
	a, err := asset.CreateWithExtension(asset.NameFromReference(ref), path.Ext(ref), data, kind)
	if err != nil {
		return nil, err
	}
	logger.Debug("Download verified", logfields.URL(target), logfields.Kind(kind.String()))
	return a, nil
}

// escalate asks the peer for the digest unless the backoff window suppresses it.
func (c *Coordinator) escalate(ctx context.Context, t *task, logger *slog.Logger) metrics.OutcomeLabel {
	if c.backoff {
		now := c.clock.Now()
		c.mu.Lock()
		st, ok := c.escalations[t.digest]
		if !ok {
			st = &escalation{}
			c.escalations[t.digest] = st
		}
		suppressed := (ok && now.Before(st.next)) || c.policy.Exhausted(st.attempts)
		if !suppressed {
			st.attempts++
			st.next = now.Add(c.policy.Delay(st.attempts))
		}
		attempts := st.attempts
		c.mu.Unlock()

		if suppressed {
			logger.Info("Escalation suppressed by backoff", slog.Int("attempts", attempts))
			c.record(ctx, t, PhaseExhausted, "", "escalation suppressed")
			return metrics.OutcomeSuppressed
		}
	}

	c.setPhase(t, PhaseEscalated)
	c.record(ctx, t, PhaseEscalated, "", "")
	if err := c.peer.RequestAsset(ctx, t.digest); err != nil {
		logger.Warn("Escalation to peer failed", logfields.Error(err))
	} else {
		logger.Info("Repositories exhausted, escalated to peer")
	}
	return metrics.OutcomeEscalated
}

func (c *Coordinator) record(ctx context.Context, t *task, p Phase, repo, detail string) {
	err := c.journal.Append(context.WithoutCancel(ctx), journal.Event{
		RequestID:  t.id,
		Digest:     t.digest.String(),
		Phase:      p.String(),
		Repository: repo,
		Detail:     detail,
		At:         c.clock.Now(),
	})
	if err != nil {
		c.logger.Debug("Journal append failed", logfields.Digest(t.digest.String()), logfields.Error(err))
	}
}
