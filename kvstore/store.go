// Package kvstore implements the meta-table KVStore contract and the
// Coordinator watch-stream abstraction this package describes: keys
// decompose as /module/key1/key2, values carry an optional start_dt,
// and mutation is serialized per-key via compare-and-update.
//
// Grounded on db/postgres_pgx.go and db/state_store.go (pgxpool
// wrapper + typed transition-method style) for PostgresStore, and
// db/bolt/bolt.go for BoltStore.
package kvstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Entry is one row of the meta table, decomposed the way the store
// persists it internally.
type Entry struct {
	Module  string
	Key1    string
	Key2    string
	StartDt int64
	Value   []byte
}

// FullKey reconstructs the /module/key1/key2 form.
func (e Entry) FullKey() string {
	return Key(e.Module, e.Key1, e.Key2)
}

// Key builds the canonical /module/key1/key2 path.
func Key(module, key1, key2 string) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(module)
	if key1 != "" {
		b.WriteByte('/')
		b.WriteString(key1)
	}
	if key2 != "" {
		b.WriteByte('/')
		b.WriteString(key2)
	}
	return b.String()
}

// SplitKey decomposes a /module/key1/key2 path into its components.
// Missing trailing components are returned as "".
func SplitKey(key string) (module, key1, key2 string) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], strings.Join(parts[2:], "/")
	}
}

// UpdateFunc is the mutation passed to CompareAndUpdate. It receives
// the current value (nil if absent) and returns the new value to
// store plus, optionally, a second key to write atomically alongside
// the first (used by schema version splitting: close the old version,
// open a new one under a different start_dt).
type UpdateFunc func(current []byte) (newValue []byte, sideEffect *Entry, err error)

// Store is the KVStore contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put upserts key -> value and records startDt on that row. A key
	// holds a single row: a Put with a different startDt replaces the
	// existing row rather than adding a second one.
	Put(ctx context.Context, key string, value []byte, startDt int64) error
	// Delete removes the row at key, or every row with key as a
	// prefix when withPrefix is true.
	Delete(ctx context.Context, key string, withPrefix bool) error
	// List returns every entry whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// ListValues returns values sorted by start_dt ascending.
	ListValues(ctx context.Context, prefix string) ([][]byte, error)
	ListValuesByStartDt(ctx context.Context, prefix string, fromDt, toDt int64) ([][]byte, error)
	// CompareAndUpdate holds a per-key advisory lock for the duration
	// of fn; the primitive behind schema evolution and trigger
	// mutation.
	CompareAndUpdate(ctx context.Context, key string, startDt int64, fn UpdateFunc) error
}

// EventKind classifies a Coordinator watch event.
type EventKind int

const (
	EventPut EventKind = iota
	EventDelete
	EventEmpty
)

// Event is one message on a Coordinator watch stream.
type Event struct {
	Kind  EventKind
	Key   string
	Value []byte
}

// Coordinator decouples best-effort watch notification from the
// durable Store. After a Put on the Store, the caller issues a Put
// event with an empty body so watchers re-read from the authoritative
// store rather than trusting the notification payload.
type Coordinator interface {
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	Publish(ctx context.Context, ev Event) error
	Close() error
}
