package query

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/ipni/go-querycache/querykey"
)

// MutateFunc performs a write on the remote source.
type MutateFunc func(context.Context) (any, error)

// Mutation describes the cache side of a write.
type Mutation struct {
	// AffectedKeys are the key prefixes whose entries the write changes.
	// Matching entries are snapshotted before the optimistic patch, restored
	// if the write fails, and invalidated if it succeeds.
	AffectedKeys []querykey.Key
	// OptimisticPatch, if set, writes the expected result of the mutation to
	// the store before the write starts. Only keys matching AffectedKeys are
	// restored on failure.
	OptimisticPatch func(*Store)

	// OnSuccess is called with the result of a successful write, before the
	// affected keys are invalidated.
	OnSuccess func(data any)
	// OnRollback is called with the write error after the snapshots are
	// restored.
	OnRollback func(err error)
	// OnSettled is called last, after success or rollback.
	OnSettled func(data any, err error)

	// SkipCancel leaves fetches in flight for the affected keys running.
	SkipCancel bool
	// SkipInvalidate does not invalidate the affected keys after success.
	SkipInvalidate bool
}

// snapshot is the entry of one key before a mutation. A nil entry means the
// key was not cached.
type snapshot struct {
	key   querykey.Key
	entry *Entry
}

// mutationContext is the state of one mutation attempt.
type mutationContext struct {
	id        uuid.UUID
	prefixes  []querykey.Key
	snapshots map[string]snapshot
}

// Mutator runs writes with optimistic updates and exact rollback.
type Mutator struct {
	store   *Store
	exec    *Executor
	inv     *Invalidator
	metrics Metrics
}

// NewMutator creates a Mutator that cancels through exec and invalidates
// through inv.
func NewMutator(exec *Executor, inv *Invalidator) *Mutator {
	return &Mutator{
		store:   exec.store,
		exec:    exec,
		inv:     inv,
		metrics: exec.metrics,
	}
}

// Mutate runs fn as a write described by m. Fetches in flight for the
// affected keys are cancelled so that they cannot overwrite the optimistic
// patch. The affected entries are then snapshotted and the patch is applied,
// with subscribers notified, before fn is called.
//
// If fn fails, every snapshotted entry is restored exactly as it was and the
// error is returned. Mutations are never retried.
func (m *Mutator) Mutate(ctx context.Context, fn MutateFunc, mut Mutation) (any, error) {
	if m.exec.ctx.Err() != nil {
		return nil, ErrClosed
	}
	mc := mutationContext{id: uuid.New(), prefixes: mut.AffectedKeys}

	if !mut.SkipCancel {
		var cancelled int
		for _, key := range mut.AffectedKeys {
			cancelled += m.exec.CancelMatching(key)
		}
		if cancelled != 0 {
			log.Debugw("Cancelled queries for mutation", "mutation", mc.id, "count", cancelled)
		}
	}

	mc.snapshots = m.store.snapshot(mut.AffectedKeys)
	if mut.OptimisticPatch != nil {
		mut.OptimisticPatch(m.store)
	}

	data, err := fn(ctx)
	if err != nil {
		m.rollback(mc)
		m.metrics.Rollback()
		log.Warnw("Mutation failed, rolled back", "mutation", mc.id, "keys", len(mc.snapshots), "err", err)
		if mut.OnRollback != nil {
			mut.OnRollback(err)
		}
		if mut.OnSettled != nil {
			mut.OnSettled(nil, err)
		}
		return nil, err
	}

	log.Debugw("Mutation succeeded", "mutation", mc.id)
	if mut.OnSuccess != nil {
		mut.OnSuccess(data)
	}
	if !mut.SkipInvalidate {
		for _, key := range mut.AffectedKeys {
			m.inv.Invalidate(key)
		}
	}
	if mut.OnSettled != nil {
		mut.OnSettled(data, nil)
	}
	return data, nil
}

func (m *Mutator) rollback(mc mutationContext) {
	keys := make([]string, 0, len(mc.snapshots))
	for k := range mc.snapshots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		snap := mc.snapshots[k]
		m.store.restore(snap.key, snap.entry)
	}
	// Entries the patch created under an affected prefix did not exist before.
	for _, key := range m.store.unsnapshotted(mc.prefixes, mc.snapshots) {
		m.store.restore(key, nil)
	}
}
