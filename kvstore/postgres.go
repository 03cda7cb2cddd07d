package kvstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store, generalizing the connection
// wrapper of db/postgres_pgx.go into the single `meta` table this
// package describes instead of a fixed application table, and reusing
// db/state_store.go's RowsAffected()-checked update style.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens the pool and ensures the meta table and its
// prefix index exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS meta (
	module   TEXT NOT NULL,
	key1     TEXT NOT NULL DEFAULT '',
	key2     TEXT NOT NULL DEFAULT '',
	start_dt BIGINT NOT NULL DEFAULT 0,
	value    BYTEA NOT NULL DEFAULT '',
	PRIMARY KEY (module, key1, key2)
);
CREATE INDEX IF NOT EXISTS meta_prefix_idx ON meta (module, key1);
`
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("kvstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	module, key1, key2 := SplitKey(key)
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM meta WHERE module=$1 AND key1=$2 AND key2=$3`,
		module, key1, key2).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts the row in a single INSERT ... ON CONFLICT DO UPDATE,
// so concurrent inserts of the same key never collide on a missing row.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, startDt int64) error {
	module, key1, key2 := SplitKey(key)
	_, err := s.pool.Exec(ctx, `
INSERT INTO meta (module, key1, key2, start_dt, value)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (module, key1, key2)
DO UPDATE SET start_dt = EXCLUDED.start_dt, value = EXCLUDED.value
`, module, key1, key2, startDt, value)
	if err != nil {
		return fmt.Errorf("kvstore: put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string, withPrefix bool) error {
	module, key1, key2 := SplitKey(key)
	var err error
	if withPrefix {
		_, err = s.pool.Exec(ctx, `DELETE FROM meta WHERE module=$1 AND ($2 = '' OR key1 = $2) AND ($3 = '' OR key2 LIKE $3 || '%')`, module, key1, key2)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM meta WHERE module=$1 AND key1=$2 AND key2=$3`, module, key1, key2)
	}
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	module, key1, key2 := SplitKey(prefix)
	rows, err := s.pool.Query(ctx, `
SELECT module, key1, key2, start_dt, value FROM meta
WHERE module=$1 AND ($2 = '' OR key1 = $2) AND ($3 = '' OR key2 LIKE $3 || '%')
ORDER BY start_dt ASC`, module, key1, key2)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Module, &e.Key1, &e.Key2, &e.StartDt, &e.Value); err != nil {
			return nil, fmt.Errorf("kvstore: scan %s: %w", prefix, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
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

func (s *PostgresStore) ListValues(ctx context.Context, prefix string) ([][]byte, error) {
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

func (s *PostgresStore) ListValuesByStartDt(ctx context.Context, prefix string, fromDt, toDt int64) ([][]byte, error) {
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

// advisoryLockKey hashes a key to the int64 pg_advisory_lock expects.
func advisoryLockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// CompareAndUpdate holds pg_advisory_xact_lock(advisoryLockKey(key))
// for the duration of a transaction, reads the current value, runs fn, and
// applies the result plus any side-effect entry atomically.
func (s *PostgresStore) CompareAndUpdate(ctx context.Context, key string, startDt int64, fn UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(key)); err != nil {
		return fmt.Errorf("kvstore: advisory lock %s: %w", key, err)
	}

	module, key1, key2 := SplitKey(key)
	var current []byte
	err = tx.QueryRow(ctx, `SELECT value FROM meta WHERE module=$1 AND key1=$2 AND key2=$3`, module, key1, key2).Scan(&current)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("kvstore: read %s: %w", key, err)
	}

	newValue, sideEffect, err := fn(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO meta (module, key1, key2, start_dt, value) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (module, key1, key2) DO UPDATE SET start_dt=EXCLUDED.start_dt, value=EXCLUDED.value
`, module, key1, key2, startDt, newValue); err != nil {
		return fmt.Errorf("kvstore: write %s: %w", key, err)
	}

	if sideEffect != nil {
		if _, err := tx.Exec(ctx, `
INSERT INTO meta (module, key1, key2, start_dt, value) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (module, key1, key2) DO UPDATE SET start_dt=EXCLUDED.start_dt, value=EXCLUDED.value
`, sideEffect.Module, sideEffect.Key1, sideEffect.Key2, sideEffect.StartDt, sideEffect.Value); err != nil {
			return fmt.Errorf("kvstore: write side-effect for %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("kvstore: commit %s: %w", key, err)
	}
	return nil
}
