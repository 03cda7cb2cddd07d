package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const metaBucket = "meta"

// BoltStore is the embedded, single-process Store, adapted from
// db/bolt/bolt.go's bucket wrapper with a prefix-capable List and an
// in-process keyed-mutex table standing in for Postgres's advisory
// lock (there's no cross-process contention to guard against here by
// construction).
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create bucket: %w", err)
	}
	return &BoltStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func entryValue(startDt int64, value []byte) []byte {
	prefix := fmt.Sprintf("%020d\x00", startDt)
	return append([]byte(prefix), value...)
}

func splitEntryValue(raw []byte) (int64, []byte) {
	idx := strings.IndexByte(string(raw), 0)
	if idx < 0 {
		return 0, raw
	}
	var startDt int64
	fmt.Sscanf(string(raw[:idx]), "%d", &startDt)
	return startDt, raw[idx+1:]
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		_, value = splitEntryValue(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte, startDt int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		return b.Put([]byte(key), entryValue(startDt, value))
	})
}

func (s *BoltStore) Delete(ctx context.Context, key string, withPrefix bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if !withPrefix {
			return b.Delete([]byte(key))
		}
		c := b.Cursor()
		prefix := []byte(key)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), string(p)); k, v = c.Next() {
			startDt, value := splitEntryValue(v)
			module, key1, key2 := SplitKey(string(k))
			out = append(out, Entry{Module: module, Key1: key1, Key2: key2, StartDt: startDt, Value: append([]byte(nil), value...)})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.FullKey())
	}
	return keys, nil
}

func (s *BoltStore) ListValues(ctx context.Context, prefix string) ([][]byte, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartDt < entries[j].StartDt })
	values := make([][]byte, 0, len(entries))
	for _, e := range entries {
		values = append(values, e.Value)
	}
	return values, nil
}

func (s *BoltStore) ListValuesByStartDt(ctx context.Context, prefix string, fromDt, toDt int64) ([][]byte, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var values [][]byte
	for _, e := range entries {
		if e.StartDt >= fromDt && e.StartDt <= toDt {
			values = append(values, e.Value)
		}
	}
	return values, nil
}

func (s *BoltStore) CompareAndUpdate(ctx context.Context, key string, startDt int64, fn UpdateFunc) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		return err
	}
	newValue, sideEffect, err := fn(current)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, key, newValue, startDt); err != nil {
		return err
	}
	if sideEffect != nil {
		if err := s.Put(ctx, sideEffect.FullKey(), sideEffect.Value, sideEffect.StartDt); err != nil {
			return fmt.Errorf("kvstore: write side-effect for %s: %w", key, err)
		}
	}
	return nil
}
