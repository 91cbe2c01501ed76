// Package query provides a server-state cache for data fetched from remote
// sources.
//
// The cache keeps one Entry per structural query key (see package querykey).
// Each entry holds the last data fetched for the key, its status, the last
// error, and timestamps used to decide whether the data is stale. Entries are
// immutable snapshots: every write replaces the entry, so a reader holding an
// entry always sees a consistent view.
//
// ## Components
//
// Store owns the entries and notifies subscribers whenever an entry changes.
// Subscribers are called synchronously by the goroutine that made the change,
// before the write returns.
//
// Executor runs fetch functions. Concurrent runs for the same key share one
// in-flight fetch, so the fetch function is called once. Failures classified
// as transient are retried with capped exponential backoff. When retries are
// exhausted the error is recorded while the last good data stays in place.
//
// Mutator runs write operations with optimistic updates. The optimistic patch
// is applied, and seen by subscribers, before the write operation starts. If
// the write fails, every affected entry is restored to exactly the snapshot
// taken before the patch.
//
// Invalidator marks entries stale by key prefix and refetches, in the
// background, only those that currently have subscribers.
//
// Client wires the components together around one Store. There is no global
// cache; the Client's lifetime is the application's.
//
// ## Cancellation
//
// Starting a superseding fetch for a key, or cancelling the key, causes the
// result of the current in-flight fetch to be ignored. The fetch function
// itself is not interrupted. Callers waiting on a superseded fetch receive the
// result of the fetch that replaced it.
//
// ## Eviction
//
// Entries that have no subscribers and no fetch in flight are inactive.
// Inactive entries are kept in an LRU list of configurable capacity, and the
// least recently used inactive entry is removed when the list is full.
package query
