package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/config"
	"git.home.luguber.info/inful/assetstore/internal/journal"
	"git.home.luguber.info/inful/assetstore/internal/metrics"
	"git.home.luguber.info/inful/assetstore/internal/observability"
	"git.home.luguber.info/inful/assetstore/internal/retry"
	"git.home.luguber.info/inful/assetstore/internal/transport"
)

const waitTimeout = 5 * time.Second

type fakeIndex struct {
	mu      sync.Mutex
	repos   []string
	entries map[string]map[asset.Digest]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]map[asset.Digest]string)}
}

func (f *fakeIndex) add(repo string, d asset.Digest, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[repo]; !ok {
		f.repos = append(f.repos, repo)
		f.entries[repo] = make(map[asset.Digest]string)
	}
	f.entries[repo][d] = ref
}

func (f *fakeIndex) Candidates(d asset.Digest) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.repos {
		if _, ok := f.entries[r][d]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeIndex) Lookup(repo string, d asset.Digest) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.entries[repo][d]
	return ref, ok
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  []string
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: make(map[string][]byte)}
}

func (f *fakeFetcher) set(url string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	gate := f.gate
	body, ok := f.bodies[url]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("not found: %s", url)
	}
	return body, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memSink struct {
	mu     sync.Mutex
	assets map[asset.Digest]*asset.Asset
	puts   atomic.Int32
}

func newMemSink() *memSink {
	return &memSink{assets: make(map[asset.Digest]*asset.Asset)}
}

func (s *memSink) Put(a *asset.Asset) error {
	s.puts.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.Digest()] = a
	return nil
}

func (s *memSink) get(d asset.Digest) (*asset.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[d]
	return a, ok
}

type outcomeRecorder struct {
	metrics.NoopRecorder
	outcomes  chan metrics.OutcomeLabel
	integrity atomic.Int32
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: make(chan metrics.OutcomeLabel, 32)}
}

func (r *outcomeRecorder) IncRetrievalOutcome(o metrics.OutcomeLabel) { r.outcomes <- o }
func (r *outcomeRecorder) IncIntegrityFailure(string)                  { r.integrity.Add(1) }

func (r *outcomeRecorder) next(t *testing.T) metrics.OutcomeLabel {
	t.Helper()
	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a retrieval outcome")
		return ""
	}
}

func startCoordinator(t *testing.T, idx Index, f transport.Fetcher, sink Sink, opts ...Option) *Coordinator {
	t.Helper()
	c := New(idx, f, sink, opts...)
	c.Start(t.Context())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func TestRequestDeliversVerifiedAsset(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer := NewMockPeer(ctrl) // no escalation expected

	payload := []byte("token image bytes")
	d := asset.Of(payload)
	idx := newFakeIndex()
	idx.add("http://repo.example/maps/index.gz", d, "tokens/Orc Chief.png")
	f := newFakeFetcher()
	f.set("http://repo.example/maps/tokens/Orc%20Chief.png", payload)
	sink := newMemSink()
	rec := newOutcomeRecorder()

	c := startCoordinator(t, idx, f, sink, WithPeer(peer), WithRecorder(rec))
	require.True(t, c.Request(d))

	assert.Equal(t, metrics.OutcomeFetched, rec.next(t))
	a, ok := sink.get(d)
	require.True(t, ok)
	assert.Equal(t, d, a.Digest())
	assert.Equal(t, "Orc Chief", a.Name())
	assert.Equal(t, "png", a.Extension())
	assert.Equal(t, payload, a.Bytes())
	assert.False(t, c.IsRequested(d))
	assert.Equal(t, PhaseIdle, c.Phase(d))
}

func TestMismatchExhaustsAndEscalatesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer := NewMockPeer(ctrl)

	d := asset.Digest(strings.Repeat("a", 32))
	idx := newFakeIndex()
	idx.add("http://repo.example/index.gz", d, "token.png")
	f := newFakeFetcher()
	f.set("http://repo.example/token.png", []byte("bytes that hash elsewhere"))
	sink := newMemSink()
	rec := newOutcomeRecorder()

	var c *Coordinator
	escalated := make(chan bool, 1)
	peer.EXPECT().RequestAsset(gomock.Any(), d).DoAndReturn(func(context.Context, asset.Digest) error {
		// the pending marker is released before escalating
		escalated <- c.IsRequested(d)
		return nil
	}).Times(1)

	c = startCoordinator(t, idx, f, sink, WithPeer(peer), WithRecorder(rec))
	require.True(t, c.Request(d))

	assert.Equal(t, metrics.OutcomeEscalated, rec.next(t))
	assert.False(t, <-escalated)
	_, ok := sink.get(d)
	assert.False(t, ok)
	assert.EqualValues(t, 0, sink.puts.Load())
	assert.EqualValues(t, 1, rec.integrity.Load())
	assert.False(t, c.IsRequested(d))
}

func TestMismatchSkipsToNextRepository(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer := NewMockPeer(ctrl)

	payload := []byte("the real content")
	d := asset.Of(payload)
	idx := newFakeIndex()
	idx.add("http://bad.example/index.gz", d, "x.txt")
	idx.add("http://missing.example/index.gz", d, "x.txt")
	idx.add("http://good.example/index.gz", d, "x.txt")
	f := newFakeFetcher()
	f.set("http://bad.example/x.txt", []byte("tampered"))
	f.set("http://good.example/x.txt", payload)
	sink := newMemSink()
	rec := newOutcomeRecorder()

	c := startCoordinator(t, idx, f, sink, WithPeer(peer), WithRecorder(rec))
	require.True(t, c.Request(d))

	assert.Equal(t, metrics.OutcomeFetched, rec.next(t))
	a, ok := sink.get(d)
	require.True(t, ok)
	assert.Equal(t, asset.KindText, a.Kind())
	assert.Equal(t, []string{"http://bad.example/x.txt", "http://missing.example/x.txt", "http://good.example/x.txt"}, f.calls)
}

func TestNoCandidatesEscalates(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer := NewMockPeer(ctrl)
	d := asset.Of([]byte("nowhere"))
	peer.EXPECT().RequestAsset(gomock.Any(), d).Return(fmt.Errorf("peer offline")).Times(1)
	rec := newOutcomeRecorder()

	c := startCoordinator(t, newFakeIndex(), newFakeFetcher(), newMemSink(), WithPeer(peer), WithRecorder(rec))
	require.True(t, c.Request(d))
	assert.Equal(t, metrics.OutcomeEscalated, rec.next(t))
}

func TestConcurrentRequestsScheduleOnce(t *testing.T) {
	payload := []byte("popular")
	d := asset.Of(payload)
	idx := newFakeIndex()
	idx.add("http://repo.example/index.gz", d, "p.txt")
	f := newFakeFetcher()
	f.set("http://repo.example/p.txt", payload)
	f.gate = make(chan struct{})
	sink := newMemSink()
	rec := newOutcomeRecorder()

	c := startCoordinator(t, idx, f, sink, WithRecorder(rec))

	var scheduled atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Request(d) {
				scheduled.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, scheduled.Load())
	assert.True(t, c.IsRequested(d))
	assert.Equal(t, []asset.Digest{d}, c.Pending())

	close(f.gate)
	assert.Equal(t, metrics.OutcomeFetched, rec.next(t))
	assert.Equal(t, 1, f.callCount())
	assert.EqualValues(t, 1, sink.puts.Load())
	assert.Empty(t, c.Pending())
}

func TestRequestRejectsInvalidAndFullQueue(t *testing.T) {
	c := New(newFakeIndex(), newFakeFetcher(), newMemSink(), WithQueueSize(1))

	assert.False(t, c.Request(asset.Digest("nope")))

	first := asset.Of([]byte("1"))
	second := asset.Of([]byte("2"))
	assert.True(t, c.Request(first))
	assert.Equal(t, PhaseRequested, c.Phase(first))
	assert.False(t, c.Request(second))
	assert.False(t, c.IsRequested(second))

	c.Complete(first)
	assert.False(t, c.IsRequested(first))

	require.NoError(t, c.Stop(t.Context()))
	assert.False(t, c.Request(second))
}

func TestEscalationBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer := NewMockPeer(ctrl)
	d := asset.Of([]byte("unobtainable"))
	peer.EXPECT().RequestAsset(gomock.Any(), d).Return(nil).Times(2)

	clock := clockwork.NewFakeClock()
	rec := newOutcomeRecorder()
	policy := retry.NewPolicy(config.RetryBackoffFixed, time.Minute, time.Hour, 1)
	c := startCoordinator(t, newFakeIndex(), newFakeFetcher(), newMemSink(),
		WithPeer(peer), WithRecorder(rec), WithClock(clock), WithEscalationBackoff(policy))

	steps := []struct {
		advance time.Duration
		want    metrics.OutcomeLabel
	}{
		{0, metrics.OutcomeEscalated},
		{0, metrics.OutcomeSuppressed},            // inside the delay window
		{2 * time.Minute, metrics.OutcomeEscalated}, // window passed, one retry left
		{2 * time.Hour, metrics.OutcomeSuppressed},  // retries exhausted
	}
	for i, step := range steps {
		clock.Advance(step.advance)
		require.True(t, c.Request(d), "step %d", i)
		assert.Equal(t, step.want, rec.next(t), "step %d", i)
	}

	// Storing the digest resets its history.
	c.Complete(d)
	peer.EXPECT().RequestAsset(gomock.Any(), d).Return(nil).Times(1)
	require.True(t, c.Request(d))
	assert.Equal(t, metrics.OutcomeEscalated, rec.next(t))
}

func TestRetrievalJournalAndSpans(t *testing.T) {
	payload := []byte("journaled")
	d := asset.Of(payload)
	idx := newFakeIndex()
	idx.add("http://repo.example/index.gz", d, "j.json")
	f := newFakeFetcher()
	f.set("http://repo.example/j.json", payload)

	j, err := journal.NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	exporter := tracetest.NewInMemoryExporter()
	tp := observability.NewTracerProviderWithExporter(exporter)
	rec := newOutcomeRecorder()

	c := startCoordinator(t, idx, f, newMemSink(), WithJournal(j), WithTracer(tp.Tracer()), WithRecorder(rec))
	require.True(t, c.Request(d))
	require.Equal(t, metrics.OutcomeFetched, rec.next(t))

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 1 }, waitTimeout, 10*time.Millisecond)
	span := exporter.GetSpans()[0]
	assert.Equal(t, "retrieval.run", span.Name)
	var outcome string
	for _, kv := range span.Attributes {
		if kv.Key == observability.AttrOutcome {
			outcome = kv.Value.AsString()
		}
	}
	assert.Equal(t, "fetched", outcome)

	events, err := j.ByDigest(t.Context(), d.String())
	require.NoError(t, err)
	var phases []string
	for _, e := range events {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []string{"requested", "trying_repo", "verified", "delivered"}, phases)
	assert.Equal(t, events[0].RequestID, events[3].RequestID)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "escalated", PhaseEscalated.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
