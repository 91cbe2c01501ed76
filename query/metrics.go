package query

// Metrics receives events from the cache. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// Hit is called when a run is served from fresh cached data.
	Hit()
	// Miss is called when a run needs to fetch.
	Miss()
	// Fetch is called for every fetch attempt.
	Fetch()
	// Retry is called when a failed attempt is retried.
	Retry()
	// FetchError is called when a fetch fails after all retries.
	FetchError()
	// Evict is called when an inactive entry is evicted.
	Evict()
	// Invalidate is called with the number of entries marked stale.
	Invalidate(n int)
	// Rollback is called when a failed mutation restores its snapshot.
	Rollback()
}

// NoopMetrics ignores all events.
type NoopMetrics struct{}

func (NoopMetrics) Hit()           {}
func (NoopMetrics) Miss()          {}
func (NoopMetrics) Fetch()         {}
func (NoopMetrics) Retry()         {}
func (NoopMetrics) FetchError()    {}
func (NoopMetrics) Evict()         {}
func (NoopMetrics) Invalidate(int) {}
func (NoopMetrics) Rollback()      {}
