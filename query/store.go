package query

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-querycache/querykey"
)

var log = logging.Logger("query")

// supersededGen marks a record whose in-flight fetch has been superseded by a
// fetch that is about to start. No flight ever has this generation.
const supersededGen = ^uint64(0)

// Store is the cache of query entries. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	lru     *simplelru.LRU[string, struct{}]
	purging bool

	clock   clock.Clock
	metrics Metrics

	gen   uint64
	subID uint64

	// forget is called, without the lock held, when the in-flight fetch of a
	// key is cancelled or superseded.
	forget func(key string)
}

type subscriber struct {
	id uint64
	fn func(*Entry)
}

// record is the mutable bookkeeping for one key. The entry itself is
// immutable and replaced on every write.
type record struct {
	entry *Entry
	subs  []subscriber

	fetcher FetchFunc
	run     runConfig

	// flightGen is the generation of the fetch whose result will be accepted,
	// or 0 if no fetch is in flight.
	flightGen  uint64
	fetching   int
	prevStatus Status
	// settled counts the flights whose result was accepted.
	settled uint64
	// wake is closed when the accepted flight settles or is abandoned.
	wake chan struct{}
}

func (r *record) active() bool {
	return len(r.subs) != 0 || r.fetching != 0
}

// signal wakes the callers waiting on the record's flight.
func (r *record) signal() {
	close(r.wake)
	r.wake = make(chan struct{})
}

type notification struct {
	subs  []subscriber
	entry *Entry
}

func (n notification) send() {
	for _, sub := range n.subs {
		sub.fn(n.entry)
	}
}

type notifications []notification

func (ns notifications) send() {
	for _, n := range ns {
		n.send()
	}
}

// NewStore creates a new Store. Only the WithCapacity, WithClock and
// WithMetrics options are used.
func NewStore(options ...Option) (*Store, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return newStore(opts)
}

func newStore(opts config) (*Store, error) {
	s := &Store{
		records: make(map[string]*record),
		clock:   opts.clock,
		metrics: opts.metrics,
		forget:  func(string) {},
	}
	if opts.capacity != 0 {
		lru, err := simplelru.NewLRU[string, struct{}](opts.capacity, s.onEvict)
		if err != nil {
			return nil, err
		}
		s.lru = lru
	}
	return s, nil
}

// Get returns the entry for key, or nil if the key is not cached. Get has no
// side effects; it neither creates the entry nor affects eviction order.
func (s *Store) Get(key querykey.Key) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil
	}
	return rec.entry
}

// Set merges the fields written by update into a copy of the entry for key,
// creating the entry if needed, and notifies the key's subscribers before
// returning. The update function must not call Store methods.
func (s *Store) Set(key querykey.Key, update func(*Entry)) *Entry {
	s.mu.Lock()
	rec := s.getOrCreate(key)
	e := rec.entry.clone()
	update(e)
	e.Key = key
	e.UpdatedAt = s.clock.Now()
	rec.entry = e
	s.touch(key.String(), rec)
	n := notification{subs: rec.subs, entry: e}
	s.mu.Unlock()

	n.send()
	return e
}

// SetData writes data for key as a successful result.
func (s *Store) SetData(key querykey.Key, data any) *Entry {
	return s.UpdateData(key, func(any) any { return data })
}

// UpdateData replaces the data for key with the value returned by fn, which
// receives the current data, or nil if there is none. The entry is marked
// successful.
func (s *Store) UpdateData(key querykey.Key, fn func(old any) any) *Entry {
	now := s.clock.Now()
	return s.Set(key, func(e *Entry) {
		e.Data = fn(e.Data)
		e.Status = StatusSuccess
		e.Err = nil
		e.DataUpdatedAt = now
		e.IsPlaceholder = false
	})
}

// Subscribe registers fn to be called with the new entry every time the entry
// for key changes. The entry is created if it does not exist. Calling the
// returned function removes the subscription.
func (s *Store) Subscribe(key querykey.Key, fn func(*Entry)) (unsubscribe func()) {
	keyStr := key.String()

	s.mu.Lock()
	rec := s.getOrCreate(key)
	s.subID++
	id := s.subID
	// Always copy so that notifications in progress keep their own slice.
	subs := make([]subscriber, len(rec.subs), len(rec.subs)+1)
	copy(subs, rec.subs)
	rec.subs = append(subs, subscriber{id: id, fn: fn})
	s.touch(keyStr, rec)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.unsubscribe(keyStr, id)
		})
	}
}

func (s *Store) unsubscribe(keyStr string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[keyStr]
	if !ok {
		return
	}
	subs := make([]subscriber, 0, len(rec.subs))
	for _, sub := range rec.subs {
		if sub.id != id {
			subs = append(subs, sub)
		}
	}
	rec.subs = subs
	s.touch(keyStr, rec)
}

// Watch creates a channel that receives every new entry for key.
//
// Calling the returned cancel function removes the subscription and closes
// the channel, after any queued entries are read, to allow reading goroutines
// to stop waiting on the channel.
func (s *Store) Watch(key querykey.Key) (<-chan *Entry, context.CancelFunc) {
	// Unbounded so that writers never block on a slow reader.
	cq := channelqueue.New[*Entry](-1)
	in := cq.In()

	var mu sync.Mutex
	var closed bool
	unsub := s.Subscribe(key, func(e *Entry) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			in <- e
		}
	})

	cncl := func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(in)
		}
	}
	return cq.Out(), cncl
}

// Invalidate marks every fetched entry whose key starts with prefix as stale,
// and returns the number of entries marked. Entries that are loading or have
// never been fetched are left as they are. Invalidate does not refetch; see
// Invalidator for that.
func (s *Store) Invalidate(prefix querykey.Key) int {
	n, _ := s.invalidate(prefix)
	return n
}

// invalidate marks matching entries stale. It also returns the keys of all
// matching entries that have subscribers and a fetch function, which are the
// candidates for refetch.
func (s *Store) invalidate(prefix querykey.Key) (int, []querykey.Key) {
	var marked int
	var observed []querykey.Key
	var notes notifications

	s.mu.Lock()
	now := s.clock.Now()
	for _, rec := range s.records {
		e := rec.entry
		if !e.Key.HasPrefix(prefix) {
			continue
		}
		if len(rec.subs) != 0 && rec.fetcher != nil {
			observed = append(observed, e.Key)
		}
		if e.Status != StatusSuccess && e.Status != StatusError {
			continue
		}
		e = e.clone()
		e.Status = StatusStale
		e.UpdatedAt = now
		rec.entry = e
		marked++
		notes = append(notes, notification{subs: rec.subs, entry: e})
	}
	s.mu.Unlock()

	sortKeys(observed)
	notes.send()
	return marked, observed
}

// Find returns the entries whose keys start with prefix, ordered by key.
func (s *Store) Find(prefix querykey.Key) []*Entry {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.records))
	for _, rec := range s.records {
		if rec.entry.Key.HasPrefix(prefix) {
			entries = append(entries, rec.entry)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Remove deletes the entry for key. Any fetch in flight for the key is
// cancelled and its subscribers are dropped.
func (s *Store) Remove(key querykey.Key) {
	keyStr := key.String()

	s.mu.Lock()
	rec, ok := s.records[keyStr]
	if !ok {
		s.mu.Unlock()
		return
	}
	inFlight := rec.flightGen != 0
	rec.flightGen = 0
	rec.signal()
	delete(s.records, keyStr)
	if s.lru != nil {
		s.lru.Remove(keyStr)
	}
	s.mu.Unlock()

	if inFlight {
		s.forget(keyStr)
	}
}

// Clear removes all entries that have no subscribers, and resets entries that
// do have subscribers to idle. All fetches in flight are cancelled.
func (s *Store) Clear() {
	var notes notifications
	var forget []string

	s.mu.Lock()
	now := s.clock.Now()
	for keyStr, rec := range s.records {
		if rec.flightGen != 0 {
			forget = append(forget, keyStr)
			rec.flightGen = 0
			rec.signal()
		}
		if len(rec.subs) == 0 {
			delete(s.records, keyStr)
			continue
		}
		rec.entry = &Entry{
			Key:       rec.entry.Key,
			Status:    StatusIdle,
			UpdatedAt: now,
		}
		notes = append(notes, notification{subs: rec.subs, entry: rec.entry})
	}
	if s.lru != nil {
		s.purging = true
		s.lru.Purge()
		s.purging = false
	}
	s.mu.Unlock()

	for _, keyStr := range forget {
		s.forget(keyStr)
	}
	notes.send()
	log.Debugw("Cleared query cache", "kept", len(notes))
}

// restore puts a snapshot back in place verbatim. A nil snapshot means the
// entry did not exist, so it is removed, or reset to idle if it is in use.
func (s *Store) restore(key querykey.Key, snap *Entry) {
	keyStr := key.String()

	s.mu.Lock()
	rec, ok := s.records[keyStr]
	if snap == nil {
		if !ok {
			s.mu.Unlock()
			return
		}
		if !rec.active() {
			delete(s.records, keyStr)
			if s.lru != nil {
				s.lru.Remove(keyStr)
			}
			s.mu.Unlock()
			return
		}
		snap = &Entry{Key: key, Status: StatusIdle, UpdatedAt: s.clock.Now()}
	} else if !ok {
		rec = s.getOrCreate(key)
	}
	rec.entry = snap
	s.touch(keyStr, rec)
	n := notification{subs: rec.subs, entry: snap}
	s.mu.Unlock()

	n.send()
}

// snapshot captures the entries matching each prefix. An exact key that is
// not cached is captured as nil.
func (s *Store) snapshot(prefixes []querykey.Key) map[string]snapshot {
	snaps := make(map[string]snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prefix := range prefixes {
		for keyStr, rec := range s.records {
			if rec.entry.Key.HasPrefix(prefix) {
				snaps[keyStr] = snapshot{key: rec.entry.Key, entry: rec.entry}
			}
		}
		keyStr := prefix.String()
		if _, ok := snaps[keyStr]; !ok && !prefix.IsZero() {
			snaps[keyStr] = snapshot{key: prefix}
		}
	}
	return snaps
}

// unsnapshotted returns, ordered by key, the cached keys that match one of
// prefixes but are not in snaps.
func (s *Store) unsnapshotted(prefixes []querykey.Key, snaps map[string]snapshot) []querykey.Key {
	var keys []querykey.Key

	s.mu.Lock()
	for keyStr, rec := range s.records {
		if _, ok := snaps[keyStr]; ok {
			continue
		}
		for _, prefix := range prefixes {
			if rec.entry.Key.HasPrefix(prefix) {
				keys = append(keys, rec.entry.Key)
				break
			}
		}
	}
	s.mu.Unlock()

	sortKeys(keys)
	return keys
}

// getOrCreate must be called with the lock held.
func (s *Store) getOrCreate(key querykey.Key) *record {
	keyStr := key.String()
	rec, ok := s.records[keyStr]
	if !ok {
		rec = &record{
			entry: &Entry{
				Key:       key,
				Status:    StatusIdle,
				UpdatedAt: s.clock.Now(),
			},
			wake: make(chan struct{}),
		}
		s.records[keyStr] = rec
	}
	return rec
}

// touch updates the eviction list after a change to rec. Active records are
// taken off the list and inactive ones become the most recently used. Must be
// called with the lock held.
func (s *Store) touch(keyStr string, rec *record) {
	if s.lru == nil {
		return
	}
	if rec.active() {
		s.lru.Remove(keyStr)
		return
	}
	// Add calls onEvict when it replaces a key that is already listed, so a
	// listed key is only moved to the front.
	if _, ok := s.lru.Get(keyStr); ok {
		return
	}
	s.lru.Add(keyStr, struct{}{})
}

// onEvict is called by the LRU, with the store lock held, when a key leaves
// the list. Only inactive records are deleted, since the list also calls this
// when an entry is taken off the list because it became active.
func (s *Store) onEvict(keyStr string, _ struct{}) {
	rec, ok := s.records[keyStr]
	if !ok || rec.active() {
		return
	}
	delete(s.records, keyStr)
	if !s.purging {
		s.metrics.Evict()
		log.Debugw("Evicted inactive query", "key", keyStr)
	}
}

func sortKeys(keys []querykey.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
