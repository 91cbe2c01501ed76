package query

import (
	"context"
	"errors"
	"time"

	"github.com/ipni/go-querycache/querykey"
)

// Backoff returns the delay before retry attempt n, counting from 0:
// min(base*2^n, max). A max of 0 means no cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d <= 0 || (max > 0 && d >= max) {
			// Overflowed or reached the cap.
			if max > 0 {
				return max
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// fetchWithRetry calls fetch until it succeeds, fails with an error that is
// not retryable, runs out of retries, or the flight is superseded. It returns
// the number of failed attempts.
func (x *Executor) fetchWithRetry(key querykey.Key, fetch FetchFunc, rc runConfig, rec *record, gen uint64) (any, int, error) {
	var failures int
	for attempt := 0; ; attempt++ {
		x.metrics.Fetch()
		data, err := attemptFetch(x.ctx, fetch, rc.timeout)
		if err == nil {
			return data, failures, nil
		}
		failures++
		if attempt >= rc.retry || !IsRetryable(err) || x.ctx.Err() != nil {
			return nil, failures, err
		}
		if !x.store.isCurrent(key, rec, gen) {
			// Nobody will use the result, so stop here.
			return nil, failures, err
		}
		delay := Backoff(attempt, rc.retryDelay, rc.retryMaxDelay)
		log.Debugw("Retrying query", "key", key, "attempt", attempt+1, "delay", delay, "err", err)
		x.metrics.Retry()
		if err = x.sleep(delay); err != nil {
			return nil, failures, err
		}
	}
}

func (x *Executor) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := x.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-x.ctx.Done():
		return ErrClosed
	}
}

// attemptFetch calls fetch once. With a timeout, the attempt is abandoned
// when the timeout expires even if fetch does not return.
func attemptFetch(ctx context.Context, fetch FetchFunc, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return fetch(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fetch(actx)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, Transient(ErrTimeout)
		}
		return r.data, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(ErrTimeout)
	}
}
