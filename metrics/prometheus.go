// Package metrics exports query cache events as Prometheus counters.
package metrics

import (
	"github.com/ipni/go-querycache/query"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricHits          = "hits_total"
	MetricMisses        = "misses_total"
	MetricFetches       = "fetches_total"
	MetricRetries       = "retries_total"
	MetricFetchErrors   = "fetch_errors_total"
	MetricEvictions     = "evictions_total"
	MetricInvalidations = "invalidations_total"
	MetricRollbacks     = "rollbacks_total"
)

// Prometheus implements query.Metrics with Prometheus counters.
type Prometheus struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Fetches       prometheus.Counter
	Retries       prometheus.Counter
	FetchErrors   prometheus.Counter
	Evictions     prometheus.Counter
	Invalidations prometheus.Counter
	Rollbacks     prometheus.Counter
}

var _ query.Metrics = (*Prometheus)(nil)

// NewPrometheus creates the counters and registers them with reg, or with the
// default registerer if reg is nil. Counter names are prefixed with namespace
// and the "query" subsystem.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      name,
			Help:      help,
		})
	}
	p := &Prometheus{
		Hits:          counter(MetricHits, "Runs served from fresh cached data."),
		Misses:        counter(MetricMisses, "Runs that needed a fetch."),
		Fetches:       counter(MetricFetches, "Fetch attempts, including retries."),
		Retries:       counter(MetricRetries, "Failed fetch attempts that were retried."),
		FetchErrors:   counter(MetricFetchErrors, "Fetches that failed after all retries."),
		Evictions:     counter(MetricEvictions, "Inactive entries evicted from the cache."),
		Invalidations: counter(MetricInvalidations, "Entries marked stale by invalidation."),
		Rollbacks:     counter(MetricRollbacks, "Failed mutations rolled back."),
	}
	for _, c := range []prometheus.Collector{
		p.Hits, p.Misses, p.Fetches, p.Retries,
		p.FetchErrors, p.Evictions, p.Invalidations, p.Rollbacks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Hit()        { p.Hits.Inc() }
func (p *Prometheus) Miss()       { p.Misses.Inc() }
func (p *Prometheus) Fetch()      { p.Fetches.Inc() }
func (p *Prometheus) Retry()      { p.Retries.Inc() }
func (p *Prometheus) FetchError() { p.FetchErrors.Inc() }
func (p *Prometheus) Evict()      { p.Evictions.Inc() }
func (p *Prometheus) Rollback()   { p.Rollbacks.Inc() }

func (p *Prometheus) Invalidate(n int) {
	p.Invalidations.Add(float64(n))
}
