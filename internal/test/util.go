package test

import (
	"fmt"
	"math/rand"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ipni/go-querycache/httpfetch"
	"github.com/ipni/go-querycache/mockapi"
	"github.com/ipni/go-querycache/querykey"
	"github.com/stretchr/testify/require"
)

var globalSeed atomic.Int64

var words = []string{
	"buy", "milk", "read", "book", "call", "mom", "fix", "bike", "walk", "dog",
	"write", "tests", "plan", "trip", "clean", "desk", "water", "plants",
}

// RandomKeys returns a slice of n random unique keys under the given
// resource name.
func RandomKeys(resource string, n int) []querykey.Key {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))
	keys := make([]querykey.Key, n)
	set := make(map[int]struct{})
	for i := 0; i < n; i++ {
		id := rng.Intn(100*n) + 1
		if _, ok := set[id]; ok {
			i--
			continue
		}
		set[id] = struct{}{}
		keys[i] = querykey.MustNew(resource, id)
	}
	return keys
}

// RandomTitles returns a slice of n random titles.
func RandomTitles(n int) []string {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))
	titles := make([]string, n)
	for i := 0; i < n; i++ {
		titles[i] = fmt.Sprintf("%s %s %d", words[rng.Intn(len(words))], words[rng.Intn(len(words))], rng.Intn(1000))
	}
	return titles
}

// NewMockServer serves a new mock API over HTTP for the duration of the test
// and returns the API together with a client for it.
func NewMockServer(t testing.TB, opts ...mockapi.Option) (*mockapi.API, *httpfetch.Client) {
	api, err := mockapi.New(opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	c, err := httpfetch.New(ts.URL)
	require.NoError(t, err)
	return api, c
}
