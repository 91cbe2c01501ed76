package query

import (
	"context"

	"github.com/ipni/go-querycache/querykey"
)

// Client is a query cache. It wires one Store to the Executor, Mutator and
// Invalidator that operate on it.
type Client struct {
	store *Store
	exec  *Executor
	mut   *Mutator
	inv   *Invalidator
}

// New creates a new Client.
func New(options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	store, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	exec := newExecutor(store, opts)
	inv := NewInvalidator(exec)
	return &Client{
		store: store,
		exec:  exec,
		mut:   NewMutator(exec, inv),
		inv:   inv,
	}, nil
}

// Store returns the client's Store.
func (c *Client) Store() *Store {
	return c.store
}

// Executor returns the client's Executor.
func (c *Client) Executor() *Executor {
	return c.exec
}

// Run calls Executor.Run.
func (c *Client) Run(ctx context.Context, key querykey.Key, fetch FetchFunc, opts ...RunOption) (any, error) {
	return c.exec.Run(ctx, key, fetch, opts...)
}

// Refetch calls Executor.Refetch.
func (c *Client) Refetch(ctx context.Context, key querykey.Key) (any, error) {
	return c.exec.Refetch(ctx, key)
}

// Cancel calls Executor.Cancel.
func (c *Client) Cancel(key querykey.Key) bool {
	return c.exec.Cancel(key)
}

// Mutate calls Mutator.Mutate.
func (c *Client) Mutate(ctx context.Context, fn MutateFunc, m Mutation) (any, error) {
	return c.mut.Mutate(ctx, fn, m)
}

// Invalidate calls Invalidator.Invalidate.
func (c *Client) Invalidate(prefix querykey.Key) int {
	return c.inv.Invalidate(prefix)
}

// InvalidateWait calls Invalidator.InvalidateWait.
func (c *Client) InvalidateWait(ctx context.Context, prefix querykey.Key) error {
	return c.inv.InvalidateWait(ctx, prefix)
}

// Observe subscribes cb to key and keeps the key's data current. cb is called
// right away with the current entry, then with every change. If the cached
// data is not fresh, a fetch is started in the background.
//
// The fetch function is kept for the key so that invalidation can refetch it
// while the subscription lasts. Call the returned function to unsubscribe.
func (c *Client) Observe(key querykey.Key, fetch FetchFunc, cb func(*Entry), opts ...RunOption) (unsubscribe func()) {
	unsub := c.store.Subscribe(key, cb)
	rc := c.exec.run.apply(opts)
	e, _ := c.store.register(key, fetch, rc)
	cb(e)
	if ok, _, _ := freshResult(e, rc, c.exec.clock.Now()); !ok {
		c.exec.goRun(key, fetch, opts)
	}
	return unsub
}

// Prefetch fetches key in the background unless its cached data is fresh.
// Unlike Observe it adds no subscription, so a prefetched entry may be
// evicted once it is inactive.
func (c *Client) Prefetch(key querykey.Key, fetch FetchFunc, opts ...RunOption) {
	rc := c.exec.run.apply(opts)
	if ok, _, _ := freshResult(c.store.Get(key), rc, c.exec.clock.Now()); ok {
		return
	}
	c.exec.goRun(key, fetch, opts)
}

// Clear calls Store.Clear.
func (c *Client) Clear() {
	c.store.Clear()
}

// Close stops all fetches. The client cannot be used after Close.
func (c *Client) Close() {
	c.exec.Close()
}
