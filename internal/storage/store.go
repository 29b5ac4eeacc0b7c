package storage

import (
	"context"
	"fmt"
	"time"
)

// Store is the durable state abstraction used by the registry and the
// rate limiter: hash records keyed by (namespace, id), membership sets,
// score-ordered sets, and atomic counters with TTL.
//
// Any method may fail with a transient backend error; callers must treat
// such failures as "the operation did not happen".
type Store interface {
	// PutRecord writes (or merges) fields into the record at namespace/id.
	PutRecord(ctx context.Context, namespace, id string, fields map[string]string) error
	// GetRecord returns the record's fields, or nil if the record is absent.
	GetRecord(ctx context.Context, namespace, id string) (map[string]string, error)
	// DeleteRecord removes the record and reports whether it existed.
	DeleteRecord(ctx context.Context, namespace, id string) (bool, error)
	// ExpireRecord attaches a TTL to an existing record.
	ExpireRecord(ctx context.Context, namespace, id string, ttl time.Duration) error

	SetAdd(ctx context.Context, name, member string) error
	SetRemove(ctx context.Context, name, member string) error
	SetMembers(ctx context.Context, name string) ([]string, error)
	SetContains(ctx context.Context, name, member string) (bool, error)

	SortedSetAdd(ctx context.Context, name, member string, score float64) error
	SortedSetRemove(ctx context.Context, name, member string) error
	// SortedSetRangeByScore returns members with min <= score <= max.
	SortedSetRangeByScore(ctx context.Context, name string, min, max float64) ([]string, error)

	// IncrementField atomically increments an integer record field and
	// returns the new value.
	IncrementField(ctx context.Context, namespace, id, field string, delta int64) (int64, error)
	// IncrementCounter atomically increments a bare counter and arms its
	// TTL in the same round trip. Used for rolling rate-limit windows.
	IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Scan lists record ids in a namespace. Iteration may overlap with
	// concurrent writes and is not a snapshot.
	Scan(ctx context.Context, namespace string) ([]string, error)

	// Ping is a cheap health probe.
	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound indicates a missing record or set.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("storage: key not found: %s", e.Key)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
