package mockapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
)

const (
	defaultPostCount = 50
	defaultPageSize  = 10
)

type config struct {
	clock     clock.Clock
	ds        datastore.Batching
	latency   time.Duration
	errorRate float64
	postCount int
	seed      bool
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:     clock.New(),
		postCount: defaultPostCount,
		seed:      true,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the time source used for timestamps and latency.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithDatastore sets the datastore that holds the records. The default is an
// in-memory datastore.
func WithDatastore(ds datastore.Batching) Option {
	return func(cfg *config) error {
		cfg.ds = ds
		return nil
	}
}

// WithLatency delays every call by d, to simulate a slow network.
func WithLatency(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errors.New("latency cannot be negative")
		}
		cfg.latency = d
		return nil
	}
}

// WithErrorRate makes the given fraction of read calls fail with a 503
// Service Unavailable error.
func WithErrorRate(p float64) Option {
	return func(cfg *config) error {
		if p < 0 || p > 1 {
			return errors.New("error rate must be between 0 and 1")
		}
		cfg.errorRate = p
		return nil
	}
}

// WithPostCount sets the number of posts created when seeding.
//
// Default is 50.
func WithPostCount(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return errors.New("post count cannot be negative")
		}
		cfg.postCount = n
		return nil
	}
}

// WithoutSeed starts with an empty datastore.
func WithoutSeed() Option {
	return func(cfg *config) error {
		cfg.seed = false
		return nil
	}
}
