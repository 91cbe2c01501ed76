package httpfetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type config struct {
	httpClient *http.Client
	header     http.Header
	timeout    time.Duration

	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpClient: http.DefaultClient,
		header:     make(http.Header),
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// client returns the http client built from the config.
func (cfg config) client() *http.Client {
	httpClient := cfg.httpClient
	if cfg.timeout != 0 {
		c := *httpClient
		c.Timeout = cfg.timeout
		httpClient = &c
	}
	if cfg.retryMax == 0 {
		return httpClient
	}
	rclient := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: cfg.retryWaitMin,
		RetryWaitMax: cfg.retryWaitMax,
		RetryMax:     cfg.retryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: passLastResponse,
	}
	return rclient.StandardClient()
}

// passLastResponse returns the last response, when there is one, once retries
// are exhausted, so that its status can be classified.
func passLastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// WithClient sets the http client used to send requests.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(cfg *config) error {
		cfg.header.Add(key, value)
		return nil
	}
}

// WithTimeout sets the http client timeout for each request, including
// reading the response body.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errors.New("timeout cannot be negative")
		}
		cfg.timeout = d
		return nil
	}
}

// WithRetryableTransport retries requests at the transport level, before the
// response reaches the query cache, using go-retryablehttp. A request is
// retried up to max times, waiting between waitMin and waitMax between
// attempts.
//
// This is usually left disabled when the query cache does its own retries.
func WithRetryableTransport(max int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if max < 0 {
			return errors.New("retry max cannot be negative")
		}
		cfg.retryMax = max
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
		return nil
	}
}
