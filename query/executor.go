package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-querycache/querykey"
	"golang.org/x/sync/singleflight"
)

// FetchFunc fetches the data for a query. The context is cancelled when the
// attempt times out or the client is closed.
type FetchFunc func(context.Context) (any, error)

// Executor runs fetch functions and writes their results to a Store.
type Executor struct {
	store   *Store
	run     runConfig
	clock   clock.Clock
	metrics Metrics
	group   singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// flightResult is the value shared with every caller waiting on a flight.
type flightResult struct {
	data       any
	err        error
	superseded bool
}

// NewExecutor creates an Executor that writes to store. Run options given
// with WithDefaults apply to every run.
func NewExecutor(store *Store, options ...Option) (*Executor, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return newExecutor(store, opts), nil
}

func newExecutor(store *Store, opts config) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	x := &Executor{
		store:   store,
		run:     opts.run,
		clock:   opts.clock,
		metrics: opts.metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	store.forget = x.group.Forget
	return x
}

// Run returns the data for key, fetching it with fetch unless the cached data
// is fresh. If a fetch for key is already in flight, Run waits for that fetch
// instead of starting another one.
//
// On success the result is stored as the entry's data. On failure, after any
// retries, the error is stored in the entry and returned; data from an
// earlier success stays in the entry.
//
// Cancelling ctx stops Run from waiting, but does not stop the fetch, which
// other callers may be sharing.
func (x *Executor) Run(ctx context.Context, key querykey.Key, fetch FetchFunc, opts ...RunOption) (any, error) {
	if x.ctx.Err() != nil {
		return nil, ErrClosed
	}
	rc := x.run.apply(opts)
	e, wp := x.store.register(key, fetch, rc)
	if ok, data, err := freshResult(e, rc, x.clock.Now()); ok {
		x.metrics.Hit()
		return data, err
	}
	x.metrics.Miss()
	if rc.cancelInFlight {
		x.store.supersede(key)
	}
	return x.await(ctx, key, fetch, rc, wp)
}

// Refetch fetches key again with the fetch function from its last run,
// superseding any fetch already in flight, regardless of freshness.
func (x *Executor) Refetch(ctx context.Context, key querykey.Key) (any, error) {
	if x.ctx.Err() != nil {
		return nil, ErrClosed
	}
	fetch, rc, wp, ok := x.store.fetcherOf(key)
	if !ok {
		return nil, fmt.Errorf("no fetch function for query %s", key)
	}
	x.metrics.Miss()
	x.store.supersede(key)
	return x.await(ctx, key, fetch, rc, wp)
}

// Cancel cancels the fetch in flight for key, if any. The fetch result will
// be ignored and the entry returns to the status it had before the fetch.
// Callers waiting on the fetch get ErrCancelled. Returns true if there was a
// fetch to cancel.
func (x *Executor) Cancel(key querykey.Key) bool {
	return x.store.cancel(key) != 0
}

// CancelMatching cancels the fetches in flight for every key that starts with
// prefix and returns the number cancelled.
func (x *Executor) CancelMatching(prefix querykey.Key) int {
	return x.store.cancelMatching(prefix)
}

// Close stops all fetches and background refetches. Runs waiting on a fetch
// return ErrClosed.
func (x *Executor) Close() {
	x.closeMu.Lock()
	if x.closed {
		x.closeMu.Unlock()
		return
	}
	x.closed = true
	x.cancel()
	x.closeMu.Unlock()

	x.wg.Wait()
}

// goRefetch refetches key in the background.
func (x *Executor) goRefetch(key querykey.Key) {
	x.goFunc(func() {
		_, err := x.Refetch(x.ctx, key)
		if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrClosed) {
			log.Warnw("Background refetch failed", "key", key, "err", err)
		}
	})
}

// goRun runs key in the background.
func (x *Executor) goRun(key querykey.Key, fetch FetchFunc, opts []RunOption) {
	x.goFunc(func() {
		_, err := x.Run(x.ctx, key, fetch, opts...)
		if err != nil && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrClosed) {
			log.Warnw("Background fetch failed", "key", key, "err", err)
		}
	})
}

func (x *Executor) goFunc(fn func()) {
	x.closeMu.Lock()
	defer x.closeMu.Unlock()
	if x.closed {
		return
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		fn()
	}()
}

// waitPoint is the state of a key's flights when a caller starts waiting.
type waitPoint struct {
	settled uint64
	wake    <-chan struct{}
}

// await joins the flight for key, starting one if none is in flight, and
// waits for its result. If the flight is superseded, await returns the result
// of the flight that replaced it. If the flight is abandoned with no
// replacement, await returns ErrCancelled.
func (x *Executor) await(ctx context.Context, key querykey.Key, fetch FetchFunc, rc runConfig, wp waitPoint) (any, error) {
	ch := x.group.DoChan(key.String(), func() (any, error) {
		return x.flight(key, fetch, rc), nil
	})
	for {
		select {
		case res := <-ch:
			fr := res.Val.(flightResult)
			if !fr.superseded {
				return fr.data, fr.err
			}
			// Only wake can deliver the replacement result now.
			ch = nil
		case <-wp.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-x.ctx.Done():
			return nil, ErrClosed
		}
		now, inFlight, e := x.store.waitState(key)
		if now.settled > wp.settled && e != nil {
			// A newer fetch landed.
			return e.Data, e.Err
		}
		if !inFlight {
			return nil, ErrCancelled
		}
		wp.wake = now.wake
	}
}

// flight runs one fetch, with retries, and applies its result to the store
// unless the flight was superseded or cancelled in the meantime.
func (x *Executor) flight(key querykey.Key, fetch FetchFunc, rc runConfig) flightResult {
	var placeholder any
	if rc.placeholder != nil {
		placeholder = rc.placeholder()
	}
	rec, gen := x.store.beginFetch(key, placeholder)

	data, failures, err := x.fetchWithRetry(key, fetch, rc, rec, gen)
	if x.ctx.Err() != nil {
		x.store.dropFetch(key, rec, gen)
		return flightResult{superseded: true}
	}
	if err != nil {
		x.metrics.FetchError()
	}
	if !x.store.endFetch(key, rec, gen, data, err, failures, rc) {
		log.Debugw("Ignoring result of superseded fetch", "key", key)
		return flightResult{superseded: true}
	}
	if err != nil {
		log.Warnw("Query failed", "key", key, "attempts", failures, "err", err)
	}
	return flightResult{data: data, err: err}
}

// freshResult returns the cached result for e if it can be used without
// fetching.
func freshResult(e *Entry, rc runConfig, now time.Time) (bool, any, error) {
	if e == nil {
		return false, nil, nil
	}
	switch e.Status {
	case StatusSuccess:
		age := now.Sub(e.DataUpdatedAt)
		if age < rc.staleTime || age < rc.dedupWindow {
			return true, e.Data, nil
		}
	case StatusError:
		if now.Sub(e.ErrorUpdatedAt) < rc.dedupWindow {
			return true, e.Data, e.Err
		}
	}
	return false, nil, nil
}

// Fetch is a typed form of Executor.Run.
func Fetch[T any](ctx context.Context, x *Executor, key querykey.Key, fetch func(context.Context) (T, error), opts ...RunOption) (T, error) {
	var zero T
	data, err := x.Run(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if data == nil {
		return zero, nil
	}
	v, ok := data.(T)
	if !ok {
		return zero, fmt.Errorf("query %s holds %T, not %T", key, data, zero)
	}
	return v, nil
}

// register records fetch as the fetch function for key and returns the
// current entry.
func (s *Store) register(key querykey.Key, fetch FetchFunc, rc runConfig) (*Entry, waitPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(key)
	rec.fetcher = fetch
	rec.run = rc
	s.touch(key.String(), rec)
	return rec.entry, waitPoint{settled: rec.settled, wake: rec.wake}
}

func (s *Store) fetcherOf(key querykey.Key) (FetchFunc, runConfig, waitPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok || rec.fetcher == nil {
		return nil, runConfig{}, waitPoint{}, false
	}
	return rec.fetcher, rec.run, waitPoint{settled: rec.settled, wake: rec.wake}, true
}

// waitState returns the current wait point of key, whether a flight is in
// flight or about to start, and the current entry.
func (s *Store) waitState(key querykey.Key) (waitPoint, bool, *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return waitPoint{}, false, nil
	}
	return waitPoint{settled: rec.settled, wake: rec.wake}, rec.flightGen != 0, rec.entry
}

// beginFetch starts a new flight generation for key and sets the entry to
// loading.
func (s *Store) beginFetch(key querykey.Key, placeholder any) (*record, uint64) {
	keyStr := key.String()

	s.mu.Lock()
	rec := s.getOrCreate(key)
	s.gen++
	gen := s.gen
	if rec.flightGen == 0 {
		rec.prevStatus = rec.entry.Status
	}
	rec.flightGen = gen
	rec.fetching++

	e := rec.entry.clone()
	e.Status = StatusLoading
	if e.Data == nil && placeholder != nil {
		e.Data = placeholder
		e.IsPlaceholder = true
	}
	e.UpdatedAt = s.clock.Now()
	rec.entry = e
	s.touch(keyStr, rec)
	n := notification{subs: rec.subs, entry: e}
	s.mu.Unlock()

	n.send()
	return rec, gen
}

// isCurrent returns true if gen is still the accepted flight of rec.
func (s *Store) isCurrent(key querykey.Key, rec *record, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key.String()] == rec && rec.flightGen == gen
}

// endFetch applies the result of flight gen. Returns false if the flight was
// superseded, in which case nothing is written.
func (s *Store) endFetch(key querykey.Key, rec *record, gen uint64, data any, err error, failures int, rc runConfig) bool {
	keyStr := key.String()

	s.mu.Lock()
	rec.fetching--
	current := s.records[keyStr] == rec
	if !current || rec.flightGen != gen {
		if current {
			s.touch(keyStr, rec)
		}
		s.mu.Unlock()
		return false
	}
	rec.flightGen = 0
	rec.settled++
	rec.signal()

	now := s.clock.Now()
	e := rec.entry.clone()
	if err == nil {
		e.Data = data
		e.Status = StatusSuccess
		e.Err = nil
		e.DataUpdatedAt = now
		e.StaleAfter = rc.staleTime
		e.FailureCount = 0
		e.IsPlaceholder = false
	} else {
		if e.IsPlaceholder {
			e.Data = nil
			e.IsPlaceholder = false
		}
		e.Status = StatusError
		e.Err = err
		e.ErrorUpdatedAt = now
		e.FailureCount = failures
	}
	e.UpdatedAt = now
	rec.entry = e
	s.touch(keyStr, rec)
	n := notification{subs: rec.subs, entry: e}
	s.mu.Unlock()

	n.send()
	return true
}

// dropFetch ends flight gen without applying a result.
func (s *Store) dropFetch(key querykey.Key, rec *record, gen uint64) {
	keyStr := key.String()

	s.mu.Lock()
	rec.fetching--
	if s.records[keyStr] != rec {
		s.mu.Unlock()
		return
	}
	var n notification
	if rec.flightGen == gen {
		n = s.revertLocked(rec)
	}
	s.touch(keyStr, rec)
	s.mu.Unlock()

	n.send()
}

// supersede makes the in-flight fetch of key, if any, be ignored in favor of
// a fetch that the caller is about to start. The entry stays loading.
func (s *Store) supersede(key querykey.Key) {
	keyStr := key.String()

	s.mu.Lock()
	rec, ok := s.records[keyStr]
	if !ok || rec.flightGen == 0 {
		s.mu.Unlock()
		return
	}
	rec.flightGen = supersededGen
	rec.signal()
	s.mu.Unlock()

	s.forget(keyStr)
}

// cancel cancels the in-flight fetch of key and returns the number of fetches
// cancelled.
func (s *Store) cancel(key querykey.Key) int {
	keyStr := key.String()

	s.mu.Lock()
	rec, ok := s.records[keyStr]
	if !ok || rec.flightGen == 0 {
		s.mu.Unlock()
		return 0
	}
	n := s.revertLocked(rec)
	s.mu.Unlock()

	s.forget(keyStr)
	n.send()
	log.Debugw("Cancelled query", "key", key)
	return 1
}

func (s *Store) cancelMatching(prefix querykey.Key) int {
	var keys []querykey.Key
	s.mu.Lock()
	for _, rec := range s.records {
		if rec.flightGen != 0 && rec.entry.Key.HasPrefix(prefix) {
			keys = append(keys, rec.entry.Key)
		}
	}
	s.mu.Unlock()

	var count int
	for _, key := range keys {
		count += s.cancel(key)
	}
	return count
}

// revertLocked clears the accepted flight of rec and returns its entry to the
// status it had before the flight started. Must be called with the lock held.
func (s *Store) revertLocked(rec *record) notification {
	rec.flightGen = 0
	rec.signal()
	e := rec.entry.clone()
	if e.Status == StatusLoading {
		e.Status = rec.prevStatus
	}
	if e.IsPlaceholder {
		e.Data = nil
		e.IsPlaceholder = false
	}
	e.UpdatedAt = s.clock.Now()
	rec.entry = e
	return notification{subs: rec.subs, entry: e}
}
