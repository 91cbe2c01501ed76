package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ipni/go-querycache/querykey"
)

// Invalidator marks entries stale and refetches the ones in use.
type Invalidator struct {
	store   *Store
	exec    *Executor
	metrics Metrics
}

// NewInvalidator creates an Invalidator that refetches through exec.
func NewInvalidator(exec *Executor) *Invalidator {
	return &Invalidator{
		store:   exec.store,
		exec:    exec,
		metrics: exec.metrics,
	}
}

// Invalidate marks every fetched entry whose key starts with prefix as stale,
// and starts a background refetch of each matching key that has subscribers.
// Keys without subscribers are only marked, and are fetched again on their
// next run. Returns the number of entries marked stale.
func (v *Invalidator) Invalidate(prefix querykey.Key) int {
	n, observed := v.store.invalidate(prefix)
	v.metrics.Invalidate(n)
	for _, key := range observed {
		v.exec.goRefetch(key)
	}
	log.Debugw("Invalidated queries", "prefix", prefix, "stale", n, "refetch", len(observed))
	return n
}

// InvalidateWait is like Invalidate, but waits for the refetches to finish.
// The returned error combines the errors of all failed refetches.
func (v *Invalidator) InvalidateWait(ctx context.Context, prefix querykey.Key) error {
	n, observed := v.store.invalidate(prefix)
	v.metrics.Invalidate(n)

	var (
		errs  error
		errMu sync.Mutex
		wg    sync.WaitGroup
	)
	for _, key := range observed {
		wg.Add(1)
		go func(key querykey.Key) {
			defer wg.Done()
			_, err := v.exec.Refetch(ctx, key)
			if err == nil || errors.Is(err, ErrCancelled) {
				return
			}
			errMu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("refetch %s: %w", key, err))
			errMu.Unlock()
		}(key)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errs
}
