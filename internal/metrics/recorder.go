package metrics

import "time"

// Tier names a cache lookup layer.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
	TierLocal  Tier = "local"
)

// OutcomeLabel enumerates how a retrieval task finished.
type OutcomeLabel string

const (
	OutcomeFetched    OutcomeLabel = "fetched"    // a repository delivered verified bytes
	OutcomeEscalated  OutcomeLabel = "escalated"  // every candidate failed, peer asked
	OutcomeSuppressed OutcomeLabel = "suppressed" // every candidate failed, escalation backing off
	OutcomeCanceled   OutcomeLabel = "canceled"
)

// Recorder defines observability hooks for cache and retrieval metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for nil receivers
// when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	IncCacheLookup(tier Tier, hit bool)
	ObserveFetchDuration(source string, d time.Duration, success bool)
	IncRetrievalOutcome(outcome OutcomeLabel)
	IncIntegrityFailure(repository string)
	IncRepositoryRefresh(state string)
	SetPending(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncCacheLookup(Tier, bool)                         {}
func (NoopRecorder) ObserveFetchDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncRetrievalOutcome(OutcomeLabel)                 {}
func (NoopRecorder) IncIntegrityFailure(string)                       {}
func (NoopRecorder) IncRepositoryRefresh(string)                      {}
func (NoopRecorder) SetPending(int)                                   {}
