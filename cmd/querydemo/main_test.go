package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ipni/go-querycache/config"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Mock.Latency = 0
	cfg.Query.RetryDelay = time.Millisecond
	cfg.Query.RetryMaxDelay = 10 * time.Millisecond
	return cfg
}

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runDemo(ctx, testConfig(), "", &out))

	got := out.String()
	for _, want := range []string{
		"== basic",
		"post 1 served from cache, status success",
		"page 1/5: posts 1..10, placeholder shown: false",
		"page 2/5: posts 11..20, placeholder shown: true",
		"page 3/5: posts 21..30, placeholder shown: true",
		"page 4 prefetched: posts 31..40",
		"post 2 has 74 likes",
		"optimistic likes: 75",
		"like confirmed, likes: 75",
		"post 3 has 11 likes",
		"rolled back:",
		"like failed, likes back to 11",
		"todos refetched after invalidation:",
		"5 concurrent runs made 1 request",
		"hits ",
	} {
		require.Contains(t, got, want)
	}
}

func TestRunDemoScenario(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runDemo(context.Background(), testConfig(), "dedup", &out))
	require.Contains(t, out.String(), "== dedup")
	require.NotContains(t, out.String(), "== basic")

	err := runDemo(context.Background(), testConfig(), "nope", &out)
	require.ErrorContains(t, err, "unknown scenario")
}

func TestRunDemoRemote(t *testing.T) {
	api, err := mockapi.New()
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	cfg := testConfig()
	cfg.Fetch.BaseURL = srv.URL

	var out bytes.Buffer
	require.NoError(t, runDemo(context.Background(), cfg, "like-fail", &out))
	require.Contains(t, out.String(), "skipped: needs the local mock api")
}
