package query_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-querycache/internal/test"
	"github.com/ipni/go-querycache/query"
	"github.com/ipni/go-querycache/querykey"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	hits, misses, fetches, retries atomic.Int32
	fetchErrs, evicts, rollbacks   atomic.Int32
	invalidated                    atomic.Int32
}

func (m *testMetrics) Hit()             { m.hits.Add(1) }
func (m *testMetrics) Miss()            { m.misses.Add(1) }
func (m *testMetrics) Fetch()           { m.fetches.Add(1) }
func (m *testMetrics) Retry()           { m.retries.Add(1) }
func (m *testMetrics) FetchError()      { m.fetchErrs.Add(1) }
func (m *testMetrics) Evict()           { m.evicts.Add(1) }
func (m *testMetrics) Invalidate(n int) { m.invalidated.Add(int32(n)) }
func (m *testMetrics) Rollback()        { m.rollbacks.Add(1) }

// recorder collects the entries delivered to a subscriber.
type recorder struct {
	mu      sync.Mutex
	entries []*query.Entry
}

func (r *recorder) record(e *query.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) statuses() []query.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]query.Status, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Status
	}
	return out
}

func (r *recorder) last() *query.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

func TestStoreGetSet(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	key := querykey.MustNew("todos", map[string]any{"page": 1, "filter": "done"})
	require.Nil(t, s.Get(key))
	require.Zero(t, s.Len(), "Get must not create an entry")

	e := s.SetData(key, []string{"a", "b"})
	require.Equal(t, query.StatusSuccess, e.Status)
	require.False(t, e.DataUpdatedAt.IsZero())

	// Same serialization, different construction.
	same := querykey.MustNew("todos", map[string]any{"filter": "done", "page": 1.0})
	require.Same(t, e, s.Get(same))
	require.Equal(t, 1, s.Len())

	e2 := s.UpdateData(key, func(old any) any {
		return append(old.([]string), "c")
	})
	require.NotSame(t, e, e2)
	require.Equal(t, []string{"a", "b", "c"}, e2.Data)
	// Earlier snapshot is unchanged.
	require.Equal(t, []string{"a", "b"}, e.Data)

	got, ok := query.DataOf[[]string](s.Get(key))
	require.True(t, ok)
	require.Len(t, got, 3)
	_, ok = query.DataOf[int](s.Get(key))
	require.False(t, ok)
}

func TestStoreSetCreatesIdle(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	key := querykey.MustNew("user", 1)
	e := s.Set(key, func(e *query.Entry) {
		require.Equal(t, query.StatusIdle, e.Status)
		e.FailureCount = 2
	})
	require.Equal(t, query.StatusIdle, e.Status)
	require.Equal(t, 2, e.FailureCount)
	require.True(t, key.Equal(e.Key))
}

func TestStoreSubscribe(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	key := querykey.MustNew("post", 1)
	var r1, r2 recorder
	unsub1 := s.Subscribe(key, r1.record)
	unsub2 := s.Subscribe(key, r2.record)
	require.NotNil(t, s.Get(key), "Subscribe creates the entry")

	e := s.SetData(key, "hello")
	// Notified synchronously, before SetData returned.
	require.Same(t, e, r1.last())
	require.Same(t, e, r2.last())

	unsub1()
	unsub1()
	s.SetData(key, "again")
	require.Len(t, r1.statuses(), 1)
	require.Len(t, r2.statuses(), 2)

	// Other keys do not notify.
	s.SetData(querykey.MustNew("post", 2), "other")
	require.Len(t, r2.statuses(), 2)
	unsub2()
}

func TestStoreWatch(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	key := querykey.MustNew("todos")
	ch, cancel := s.Watch(key)
	s.SetData(key, 1)
	s.SetData(key, 2)

	timeout := time.After(time.Second)
	for _, want := range []int{1, 2} {
		select {
		case e := <-ch:
			require.Equal(t, want, e.Data)
		case <-timeout:
			t.Fatal("timed out waiting for entry")
		}
	}

	cancel()
	cancel()
	s.SetData(key, 3)
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-timeout:
		t.Fatal("channel not closed")
	}
}

func TestStoreInvalidatePrefix(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	todos := querykey.MustNew("todos")
	todo1 := querykey.MustNew("todos", 1)
	done := querykey.MustNew("todos", map[string]any{"filter": "done"})
	loading := querykey.MustNew("todos", 9)
	users := querykey.MustNew("users")

	for _, key := range []querykey.Key{todos, todo1, done, users} {
		s.SetData(key, "data")
	}
	s.Set(loading, func(e *query.Entry) { e.Status = query.StatusLoading })

	require.Equal(t, 3, s.Invalidate(todos))
	for _, key := range []querykey.Key{todos, todo1, done} {
		e := s.Get(key)
		require.Equal(t, query.StatusStale, e.Status, key.String())
		require.Equal(t, "data", e.Data)
		require.True(t, e.IsStale(time.Now()))
	}
	require.Equal(t, query.StatusLoading, s.Get(loading).Status)
	require.Equal(t, query.StatusSuccess, s.Get(users).Status)

	require.Len(t, s.Find(todos), 4)
	require.Len(t, s.Find(querykey.Key{}), 5)
}

func TestStoreEntryStaleness(t *testing.T) {
	mock := clock.NewMock()
	s, err := query.NewStore(query.WithClock(mock))
	require.NoError(t, err)

	key := querykey.MustNew("user", 1)
	e := s.Set(key, func(e *query.Entry) {
		e.Data = "u"
		e.Status = query.StatusSuccess
		e.DataUpdatedAt = mock.Now()
		e.StaleAfter = time.Minute
	})
	require.False(t, e.IsStale(mock.Now()))
	mock.Add(time.Minute)
	require.True(t, e.IsStale(mock.Now()))
}

func TestStoreEviction(t *testing.T) {
	m := new(testMetrics)
	s, err := query.NewStore(query.WithCapacity(2), query.WithMetrics(m))
	require.NoError(t, err)

	a := querykey.MustNew("a")
	b := querykey.MustNew("b")
	c := querykey.MustNew("c")
	d := querykey.MustNew("d")

	unsub := s.Subscribe(a, func(*query.Entry) {})
	s.SetData(a, 1)
	s.SetData(b, 2)
	s.SetData(c, 3)
	require.Equal(t, 3, s.Len())
	require.Zero(t, m.evicts.Load())

	s.SetData(d, 4)
	require.Equal(t, 3, s.Len())
	require.Nil(t, s.Get(b), "least recently used inactive entry evicted")
	require.NotNil(t, s.Get(a), "subscribed entry must not be evicted")
	require.Equal(t, int32(1), m.evicts.Load())

	// Unsubscribing makes a the most recently used inactive entry.
	unsub()
	require.Equal(t, 2, s.Len())
	require.NotNil(t, s.Get(a))
	require.NotNil(t, s.Get(d))
	require.Nil(t, s.Get(c))
}

func TestStoreRewriteUnobserved(t *testing.T) {
	m := new(testMetrics)
	s, err := query.NewStore(query.WithMetrics(m))
	require.NoError(t, err)
	key := querykey.MustNew("post", 1)

	s.SetData(key, 1)
	s.SetData(key, 2)
	e := s.Get(key)
	require.NotNil(t, e, "rewritten entry must stay cached")
	require.Equal(t, 2, e.Data)

	s.UpdateData(key, func(old any) any { return old.(int) + 1 })
	s.Set(key, func(e *query.Entry) { e.FailureCount = 1 })
	e = s.Get(key)
	require.NotNil(t, e)
	require.Equal(t, 3, e.Data)
	require.Equal(t, 1, s.Len())
	require.Zero(t, m.evicts.Load())
}

func TestStoreEvictionRandomKeys(t *testing.T) {
	const capacity = 16
	m := new(testMetrics)
	s, err := query.NewStore(query.WithCapacity(capacity), query.WithMetrics(m))
	require.NoError(t, err)

	keys := test.RandomKeys("todo", 100)
	for i, key := range keys {
		s.SetData(key, i)
	}
	require.Equal(t, capacity, s.Len())
	require.Equal(t, int32(len(keys)-capacity), m.evicts.Load())
	for _, key := range keys[len(keys)-capacity:] {
		require.NotNil(t, s.Get(key), "most recent keys kept")
	}
	require.Len(t, s.Find(querykey.MustNew("todo")), capacity)
}

func TestStoreRemoveClear(t *testing.T) {
	s, err := query.NewStore()
	require.NoError(t, err)

	a := querykey.MustNew("a")
	b := querykey.MustNew("b")
	s.SetData(a, 1)
	s.SetData(b, 2)
	s.Remove(a)
	require.Nil(t, s.Get(a))
	s.Remove(a)

	var r recorder
	s.Subscribe(a, r.record)
	s.SetData(a, 3)
	s.Clear()
	require.Nil(t, s.Get(b))
	e := s.Get(a)
	require.NotNil(t, e)
	require.Equal(t, query.StatusIdle, e.Status)
	require.Nil(t, e.Data)
	require.Same(t, e, r.last())
}

func TestNegativeCapacity(t *testing.T) {
	_, err := query.NewStore(query.WithCapacity(-1))
	require.ErrorContains(t, err, "option 0 failed")
}
