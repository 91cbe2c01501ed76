package query

import (
	"time"

	"github.com/ipni/go-querycache/querykey"
)

// Status is the state of a query entry.
type Status string

const (
	// StatusIdle is the state of an entry that has never been fetched.
	StatusIdle Status = "idle"
	// StatusLoading is the state while a fetch is in flight.
	StatusLoading Status = "loading"
	// StatusSuccess is the state after a successful fetch.
	StatusSuccess Status = "success"
	// StatusError is the state after a fetch failed and retries were exhausted.
	StatusError Status = "error"
	// StatusStale is the state of an invalidated entry. Its data is still
	// available but is known to be outdated.
	StatusStale Status = "stale"
)

// Entry is an immutable snapshot of the cached state of one query key. Do not
// modify an Entry obtained from the Store.
type Entry struct {
	Key    querykey.Key
	Data   any
	Status Status
	Err    error

	// UpdatedAt is the time of the last write of any field.
	UpdatedAt time.Time
	// DataUpdatedAt is the time Data was last written.
	DataUpdatedAt time.Time
	// ErrorUpdatedAt is the time Err was last written.
	ErrorUpdatedAt time.Time
	// StaleAfter is how long after DataUpdatedAt the data becomes stale.
	StaleAfter time.Duration

	// FailureCount is the number of failed attempts of the last fetch.
	FailureCount int
	// IsPlaceholder is true while Data holds placeholder data shown during
	// the first load of the key.
	IsPlaceholder bool
}

// IsStale returns true if the entry has been invalidated, or holds successful
// data that is older than StaleAfter.
func (e *Entry) IsStale(now time.Time) bool {
	switch e.Status {
	case StatusStale:
		return true
	case StatusSuccess:
		return now.Sub(e.DataUpdatedAt) >= e.StaleAfter
	}
	return false
}

// HasData returns true if the entry holds data, including stale or
// placeholder data.
func (e *Entry) HasData() bool {
	return e != nil && e.Data != nil
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// DataOf returns the entry's data as type T. The second return is false if
// the entry is nil, has no data, or holds data of a different type.
func DataOf[T any](e *Entry) (T, bool) {
	var zero T
	if e == nil || e.Data == nil {
		return zero, false
	}
	v, ok := e.Data.(T)
	return v, ok
}
