package metrics

import (
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "assetstore"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	cacheLookups      *prom.CounterVec
	fetchDuration     *prom.HistogramVec
	retrievalOutcomes *prom.CounterVec
	integrityFailures *prom.CounterVec
	repoRefreshes     *prom.CounterVec
	pending           prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.cacheLookups = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and hit/miss",
		}, []string{"tier", "hit"})
		pr.fetchDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of remote index and content fetches",
			Buckets:   prom.DefBuckets,
		}, []string{"source", "result"})
		pr.retrievalOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_outcomes_total",
			Help:      "Retrieval task outcomes",
		}, []string{"outcome"})
		pr.integrityFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Downloads rejected because their digest did not match",
		}, []string{"repository"})
		pr.repoRefreshes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "repository_refreshes_total",
			Help:      "Repository index loads by resulting state",
		}, []string{"state"})
		pr.pending = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_retrievals",
			Help:      "Digests currently marked pending",
		})
		reg.MustRegister(pr.cacheLookups, pr.fetchDuration, pr.retrievalOutcomes, pr.integrityFailures, pr.repoRefreshes, pr.pending)
	})
	return pr
}

func (p *PrometheusRecorder) IncCacheLookup(tier Tier, hit bool) {
	if p == nil || p.cacheLookups == nil {
		return
	}
	p.cacheLookups.WithLabelValues(string(tier), strconv.FormatBool(hit)).Inc()
}

func (p *PrometheusRecorder) ObserveFetchDuration(source string, d time.Duration, success bool) {
	if p == nil || p.fetchDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.fetchDuration.WithLabelValues(source, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRetrievalOutcome(outcome OutcomeLabel) {
	if p == nil || p.retrievalOutcomes == nil {
		return
	}
	p.retrievalOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncIntegrityFailure(repository string) {
	if p == nil || p.integrityFailures == nil {
		return
	}
	p.integrityFailures.WithLabelValues(repository).Inc()
}

func (p *PrometheusRecorder) IncRepositoryRefresh(state string) {
	if p == nil || p.repoRefreshes == nil {
		return
	}
	p.repoRefreshes.WithLabelValues(state).Inc()
}

func (p *PrometheusRecorder) SetPending(n int) {
	if p == nil || p.pending == nil {
		return
	}
	p.pending.Set(float64(n))
}
