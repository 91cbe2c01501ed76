package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipni/go-querycache/config"
	"github.com/ipni/go-querycache/httpfetch"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/ipni/go-querycache/query"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level = "debug"

[cache]
capacity = 0

[query]
stale_time = "30s"
dedup_window = "2s"
retry = 1
retry_delay = "10ms"
retry_max_delay = "1s"

[fetch]
base_url = "http://localhost:9999"
transport_retries = 2
transport_wait_min = "5ms"
transport_wait_max = "50ms"

[fetch.headers]
Authorization = "Bearer token"

[mock]
latency = "1ms"
error_rate = 0.1
post_count = 20
`

func TestLoadMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	cfg, err = config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Zero(t, cfg.Cache.Capacity)
	require.Equal(t, 30*time.Second, cfg.Query.StaleTime)
	require.Equal(t, 2*time.Second, cfg.Query.DedupWindow)
	require.Equal(t, 1, cfg.Query.Retry)
	require.Equal(t, 10*time.Millisecond, cfg.Query.RetryDelay)
	require.Equal(t, time.Second, cfg.Query.RetryMaxDelay)
	require.Zero(t, cfg.Query.Timeout)
	require.Equal(t, "http://localhost:9999", cfg.Fetch.BaseURL)
	require.Equal(t, 15*time.Second, cfg.Fetch.Timeout, "default kept")
	require.Equal(t, 2, cfg.Fetch.TransportRetries)
	require.Equal(t, "Bearer token", cfg.Fetch.Headers["Authorization"])
	require.Equal(t, time.Millisecond, cfg.Mock.Latency)
	require.Equal(t, 0.1, cfg.Mock.ErrorRate)
	require.Equal(t, 20, cfg.Mock.PostCount)

	// Options built from the config are all valid.
	c, err := query.New(cfg.QueryOptions()...)
	require.NoError(t, err)
	c.Close()
	_, err = httpfetch.New(cfg.Fetch.BaseURL, cfg.FetchOptions()...)
	require.NoError(t, err)
	_, err = mockapi.New(cfg.MockOptions()...)
	require.NoError(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := config.Parse([]byte("[query]\nstale_time = \"soon\""))
	require.ErrorContains(t, err, "query.stale_time")

	_, err = config.Parse([]byte("[cache]\ncapacity = -1"))
	require.ErrorContains(t, err, "capacity")

	_, err = config.Parse([]byte("[mock]\nerror_rate = 3.0"))
	require.ErrorContains(t, err, "error_rate")

	_, err = config.Parse([]byte("[query]\ntimeout = \"-1s\""))
	require.ErrorContains(t, err, "negative")

	_, err = config.Parse([]byte("not toml ["))
	require.ErrorContains(t, err, "parse config")
}
