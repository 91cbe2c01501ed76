package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultCapacity      = 1000
	defaultRetry         = 3
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

type config struct {
	capacity int
	clock    clock.Clock
	metrics  Metrics
	run      runConfig
}

// runConfig holds the settings for a single run. Client options set the
// defaults and RunOptions override them per call.
type runConfig struct {
	staleTime      time.Duration
	dedupWindow    time.Duration
	retry          int
	retryDelay     time.Duration
	retryMaxDelay  time.Duration
	timeout        time.Duration
	cancelInFlight bool
	placeholder    func() any
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// RunOption is a function that sets a value for a single run.
type RunOption func(*runConfig)

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		capacity: defaultCapacity,
		clock:    clock.New(),
		metrics:  NoopMetrics{},
		run: runConfig{
			retry:         defaultRetry,
			retryDelay:    defaultRetryDelay,
			retryMaxDelay: defaultRetryMaxDelay,
		},
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

func (rc runConfig) apply(opts []RunOption) runConfig {
	for _, opt := range opts {
		opt(&rc)
	}
	return rc
}

// WithCapacity sets the maximum number of inactive entries kept in the cache.
// An entry is inactive when it has no subscribers and no fetch in flight.
// Active entries are never evicted. A value of 0 disables eviction.
//
// Default is 1000.
func WithCapacity(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return errors.New("capacity cannot be negative")
		}
		cfg.capacity = n
		return nil
	}
}

// WithClock sets the time source. This is used for testing.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithMetrics sets the receiver of cache events.
func WithMetrics(m Metrics) Option {
	return func(cfg *config) error {
		if m != nil {
			cfg.metrics = m
		}
		return nil
	}
}

// WithDefaults sets run options that apply to every run unless overridden.
func WithDefaults(opts ...RunOption) Option {
	return func(cfg *config) error {
		cfg.run = cfg.run.apply(opts)
		if cfg.run.retry < 0 {
			return errors.New("retry count cannot be negative")
		}
		return nil
	}
}

// WithStaleTime sets how long fetched data stays fresh. Runs for a key with
// fresh data return the cached data without fetching.
//
// Default is 0, so data is stale as soon as it is fetched.
func WithStaleTime(d time.Duration) RunOption {
	return func(rc *runConfig) {
		rc.staleTime = d
	}
}

// WithDedupWindow sets how long after a fetch settles its result, success or
// error, is reused by later runs instead of fetching again. Runs made while a
// fetch is in flight always share that fetch.
//
// Default is 0.
func WithDedupWindow(d time.Duration) RunOption {
	return func(rc *runConfig) {
		rc.dedupWindow = d
	}
}

// WithRetry sets the number of times a fetch that failed with a transient
// error is retried.
//
// Default is 3.
func WithRetry(n int) RunOption {
	return func(rc *runConfig) {
		if n >= 0 {
			rc.retry = n
		}
	}
}

// WithRetryDelay sets the backoff schedule between retries. The delay before
// retry n (counting from 0) is min(base*2^n, max).
//
// Default is base 1 second, max 30 seconds.
func WithRetryDelay(base, max time.Duration) RunOption {
	return func(rc *runConfig) {
		rc.retryDelay = base
		rc.retryMaxDelay = max
	}
}

// WithTimeout sets a time limit for each fetch attempt. An attempt that
// exceeds it fails with a transient ErrTimeout.
//
// Default is 0, meaning no limit.
func WithTimeout(d time.Duration) RunOption {
	return func(rc *runConfig) {
		rc.timeout = d
	}
}

// WithCancelInFlight makes the run supersede any fetch already in flight for
// the key, instead of sharing it.
func WithCancelInFlight() RunOption {
	return func(rc *runConfig) {
		rc.cancelInFlight = true
	}
}

// WithPlaceholderData sets a function that provides data to show while a key
// with no data is first loading, such as the previous page of a paginated
// list.
func WithPlaceholderData(fn func() any) RunOption {
	return func(rc *runConfig) {
		rc.placeholder = fn
	}
}
