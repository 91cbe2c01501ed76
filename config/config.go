// Package config loads the TOML configuration of the query demo.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ipni/go-querycache/httpfetch"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/ipni/go-querycache/query"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the demo configuration.
type Config struct {
	LogLevel string
	Cache    Cache
	Query    Query
	Fetch    Fetch
	Mock     Mock
}

// Cache configures the query store.
type Cache struct {
	Capacity int
}

// Query holds the default run options.
type Query struct {
	StaleTime     time.Duration
	DedupWindow   time.Duration
	Retry         int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
}

// Fetch configures the HTTP client. An empty BaseURL means the demo serves
// the mock API itself.
type Fetch struct {
	BaseURL          string
	Timeout          time.Duration
	TransportRetries int
	TransportWaitMin time.Duration
	TransportWaitMax time.Duration
	Headers          map[string]string
}

// Mock configures the mock API.
type Mock struct {
	Latency   time.Duration
	ErrorRate float64
	PostCount int
}

const (
	defaultLogLevel      = "info"
	defaultCapacity      = 1000
	defaultRetry         = 3
	defaultRetryDelay    = 200 * time.Millisecond
	defaultRetryMaxDelay = 5 * time.Second
	defaultFetchTimeout  = 15 * time.Second
	defaultLatency       = 50 * time.Millisecond
	defaultPostCount     = 50
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel: defaultLogLevel,
		Cache:    Cache{Capacity: defaultCapacity},
		Query: Query{
			Retry:         defaultRetry,
			RetryDelay:    defaultRetryDelay,
			RetryMaxDelay: defaultRetryMaxDelay,
		},
		Fetch: Fetch{Timeout: defaultFetchTimeout},
		Mock: Mock{
			Latency:   defaultLatency,
			PostCount: defaultPostCount,
		},
	}
}

type rawConfig struct {
	LogLevel string `toml:"log_level"`
	Cache    struct {
		Capacity *int `toml:"capacity"`
	} `toml:"cache"`
	Query struct {
		StaleTime     string `toml:"stale_time"`
		DedupWindow   string `toml:"dedup_window"`
		Retry         *int   `toml:"retry"`
		RetryDelay    string `toml:"retry_delay"`
		RetryMaxDelay string `toml:"retry_max_delay"`
		Timeout       string `toml:"timeout"`
	} `toml:"query"`
	Fetch struct {
		BaseURL          string            `toml:"base_url"`
		Timeout          string            `toml:"timeout"`
		TransportRetries int               `toml:"transport_retries"`
		TransportWaitMin string            `toml:"transport_wait_min"`
		TransportWaitMax string            `toml:"transport_wait_max"`
		Headers          map[string]string `toml:"headers"`
	} `toml:"fetch"`
	Mock struct {
		Latency   string  `toml:"latency"`
		ErrorRate float64 `toml:"error_rate"`
		PostCount *int    `toml:"post_count"`
	} `toml:"mock"`
}

// Load reads the config file at path, falling back to defaults when the file
// is missing. Values missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses TOML config data on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if lvl := strings.TrimSpace(raw.LogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if raw.Cache.Capacity != nil {
		if *raw.Cache.Capacity < 0 {
			return Config{}, errors.New("cache.capacity cannot be negative")
		}
		cfg.Cache.Capacity = *raw.Cache.Capacity
	}
	if raw.Query.Retry != nil {
		if *raw.Query.Retry < 0 {
			return Config{}, errors.New("query.retry cannot be negative")
		}
		cfg.Query.Retry = *raw.Query.Retry
	}
	if raw.Mock.PostCount != nil {
		cfg.Mock.PostCount = *raw.Mock.PostCount
	}
	if raw.Mock.ErrorRate < 0 || raw.Mock.ErrorRate > 1 {
		return Config{}, errors.New("mock.error_rate must be between 0 and 1")
	}
	cfg.Mock.ErrorRate = raw.Mock.ErrorRate

	cfg.Fetch.BaseURL = strings.TrimSpace(raw.Fetch.BaseURL)
	cfg.Fetch.TransportRetries = raw.Fetch.TransportRetries
	cfg.Fetch.Headers = raw.Fetch.Headers

	durations := []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"query.stale_time", raw.Query.StaleTime, &cfg.Query.StaleTime},
		{"query.dedup_window", raw.Query.DedupWindow, &cfg.Query.DedupWindow},
		{"query.retry_delay", raw.Query.RetryDelay, &cfg.Query.RetryDelay},
		{"query.retry_max_delay", raw.Query.RetryMaxDelay, &cfg.Query.RetryMaxDelay},
		{"query.timeout", raw.Query.Timeout, &cfg.Query.Timeout},
		{"fetch.timeout", raw.Fetch.Timeout, &cfg.Fetch.Timeout},
		{"fetch.transport_wait_min", raw.Fetch.TransportWaitMin, &cfg.Fetch.TransportWaitMin},
		{"fetch.transport_wait_max", raw.Fetch.TransportWaitMax, &cfg.Fetch.TransportWaitMax},
		{"mock.latency", raw.Mock.Latency, &cfg.Mock.Latency},
	}
	for _, d := range durations {
		s := strings.TrimSpace(d.val)
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", d.name)
		}
		*d.dst = v
	}

	return cfg, nil
}

// QueryOptions returns the query client options for the config.
func (c Config) QueryOptions() []query.Option {
	return []query.Option{
		query.WithCapacity(c.Cache.Capacity),
		query.WithDefaults(
			query.WithStaleTime(c.Query.StaleTime),
			query.WithDedupWindow(c.Query.DedupWindow),
			query.WithRetry(c.Query.Retry),
			query.WithRetryDelay(c.Query.RetryDelay, c.Query.RetryMaxDelay),
			query.WithTimeout(c.Query.Timeout),
		),
	}
}

// FetchOptions returns the HTTP client options for the config.
func (c Config) FetchOptions() []httpfetch.Option {
	opts := []httpfetch.Option{
		httpfetch.WithTimeout(c.Fetch.Timeout),
	}
	for key, val := range c.Fetch.Headers {
		opts = append(opts, httpfetch.WithHeader(key, val))
	}
	if c.Fetch.TransportRetries != 0 {
		opts = append(opts, httpfetch.WithRetryableTransport(c.Fetch.TransportRetries,
			c.Fetch.TransportWaitMin, c.Fetch.TransportWaitMax))
	}
	return opts
}

// MockOptions returns the mock API options for the config.
func (c Config) MockOptions() []mockapi.Option {
	return []mockapi.Option{
		mockapi.WithLatency(c.Mock.Latency),
		mockapi.WithErrorRate(c.Mock.ErrorRate),
		mockapi.WithPostCount(c.Mock.PostCount),
	}
}
