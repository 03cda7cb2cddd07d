// Package scheduler is the durable, database-backed job queue driving
// Alert, Report, and DerivedStream evaluation: one row per
// (org, module, module_key), pulled under a cross-process advisory
// lock, processed with a deadline, and reaped if that deadline passes
// without a completion. Grounded on db/state_store.go's pgxpool
// transition-method style and original_source's scheduler/mysql.rs.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obscore/obscore/meta"
)

// Store is the pgx-backed scheduler table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens the pool and ensures the scheduler table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("scheduler: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS scheduler (
	org         TEXT NOT NULL,
	module      TEXT NOT NULL,
	module_key  TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'waiting',
	is_realtime BOOLEAN NOT NULL DEFAULT false,
	is_silenced BOOLEAN NOT NULL DEFAULT false,
	next_run_at BIGINT NOT NULL DEFAULT 0,
	start_time  BIGINT NOT NULL DEFAULT 0,
	end_time    BIGINT NOT NULL DEFAULT 0,
	retries     INT NOT NULL DEFAULT 0,
	data        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (org, module, module_key)
);
CREATE INDEX IF NOT EXISTS scheduler_pull_idx ON scheduler (status, next_run_at);
`
	_, err := s.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("scheduler: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

// scanTrigger scans into plain strings/bools first: pgx's default scan
// plan resolves by concrete type, and meta.Trigger's Module/Status
// fields are named string types rather than plain string.
func scanTrigger(row pgx.Row) (*meta.Trigger, error) {
	var t meta.Trigger
	var module, status string
	err := row.Scan(&t.Org, &module, &t.ModuleKey, &status, &t.IsRealtime, &t.IsSilenced,
		&t.NextRunAt, &t.StartTime, &t.EndTime, &t.Retries, &t.Data)
	if err != nil {
		return nil, err
	}
	t.Module = meta.TriggerModule(module)
	t.Status = meta.TriggerStatus(status)
	return &t, nil
}

// Push inserts a row if absent, status Waiting. Re-pushing an
// existing (org, module, module_key) is a no-op: the row already
// carries whatever state it's in.
func (s *Store) Push(ctx context.Context, org string, module meta.TriggerModule, moduleKey string, nextRunAt int64, isRealtime bool) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO scheduler (org, module, module_key, status, is_realtime, next_run_at)
VALUES ($1, $2, $3, 'waiting', $4, $5)
ON CONFLICT (org, module, module_key) DO NOTHING
`, org, string(module), moduleKey, isRealtime, nextRunAt)
	if err != nil {
		return fmt.Errorf("scheduler: push %s/%s/%s: %w", org, module, moduleKey, err)
	}
	return nil
}

func pullLockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("scheduler_pull_lock"))
	return int64(h.Sum64())
}

// Pull acquires the cross-process selection lock, selects up to
// concurrency due, pullable rows with SELECT ... FOR UPDATE SKIP
// LOCKED, and marks each Processing with a module-appropriate
// deadline before returning them.
func (s *Store) Pull(ctx context.Context, concurrency int, nowMicros, alertTimeoutMicros, reportTimeoutMicros int64) ([]*meta.Trigger, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: pull begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pullLockKey()); err != nil {
		return nil, fmt.Errorf("scheduler: pull advisory lock: %w", err)
	}

	rows, err := tx.Query(ctx, `
SELECT org, module, module_key, status, is_realtime, is_silenced,
       next_run_at, start_time, end_time, retries, data
FROM scheduler
WHERE status='waiting' AND next_run_at <= $1 AND NOT (is_realtime AND NOT is_silenced)
ORDER BY next_run_at
LIMIT $2
FOR UPDATE SKIP LOCKED
`, nowMicros, concurrency)
	if err != nil {
		return nil, fmt.Errorf("scheduler: pull select: %w", err)
	}

	var selected []*meta.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scheduler: pull scan: %w", err)
		}
		selected = append(selected, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: pull rows: %w", err)
	}

	for _, t := range selected {
		timeout := reportTimeoutMicros
		if t.Module == meta.ModuleAlert {
			timeout = alertTimeoutMicros
		}
		t.Status = meta.TriggerProcessing
		t.StartTime = nowMicros
		t.EndTime = nowMicros + timeout
		_, err := tx.Exec(ctx, `
UPDATE scheduler SET status='processing', start_time=$4, end_time=$5
WHERE org=$1 AND module=$2 AND module_key=$3
`, t.Org, string(t.Module), t.ModuleKey, t.StartTime, t.EndTime)
		if err != nil {
			return nil, fmt.Errorf("scheduler: pull mark processing %s/%s: %w", t.Module, t.ModuleKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("scheduler: pull commit: %w", err)
	}
	return selected, nil
}

// KeepAlive extends a Processing row's end_time deadline, used by a
// handler running long past a single pull's timeout estimate.
func (s *Store) KeepAlive(ctx context.Context, t *meta.Trigger, newEndTime int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scheduler SET end_time=$4
WHERE org=$1 AND module=$2 AND module_key=$3 AND status='processing'
`, t.Org, string(t.Module), t.ModuleKey, newEndTime)
	if err != nil {
		return fmt.Errorf("scheduler: keepalive %s/%s: %w", t.Module, t.ModuleKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scheduler: keepalive %s/%s: row not processing", t.Module, t.ModuleKey)
	}
	return nil
}

// UpdateTrigger persists a handler's outcome: next_run_at, status,
// retries, is_silenced, and the opaque continuation data, in one
// RowsAffected()-checked statement. clone=true marks a fresh dispatch
// cycle and also writes t.StartTime/t.EndTime; clone=false is a
// continuation (a retry that stays in the same cycle) that leaves the
// current Processing window's start/end as historical record.
func (s *Store) UpdateTrigger(ctx context.Context, t *meta.Trigger, clone bool) error {
	var tag pgconn.CommandTag
	var err error
	if clone {
		tag, err = s.pool.Exec(ctx, `
UPDATE scheduler
SET status=$4, next_run_at=$5, retries=$6, is_silenced=$7, data=$8, start_time=$9, end_time=$10
WHERE org=$1 AND module=$2 AND module_key=$3
`, t.Org, string(t.Module), t.ModuleKey, string(t.Status), t.NextRunAt, t.Retries, t.IsSilenced, t.Data, t.StartTime, t.EndTime)
	} else {
		tag, err = s.pool.Exec(ctx, `
UPDATE scheduler
SET status=$4, next_run_at=$5, retries=$6, is_silenced=$7, data=$8
WHERE org=$1 AND module=$2 AND module_key=$3
`, t.Org, string(t.Module), t.ModuleKey, string(t.Status), t.NextRunAt, t.Retries, t.IsSilenced, t.Data)
	}
	if err != nil {
		return fmt.Errorf("scheduler: update trigger %s/%s: %w", t.Module, t.ModuleKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scheduler: update trigger %s/%s: no such row", t.Module, t.ModuleKey)
	}
	return nil
}

// WatchTimeout reclaims Processing rows whose deadline has passed:
// back to Waiting, retries incremented. Idempotent and safe against
// concurrent runners, since the reclaim only becomes visible to the
// next Pull.
func (s *Store) WatchTimeout(ctx context.Context, nowMicros int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE scheduler SET status='waiting', retries=retries+1
WHERE status='processing' AND end_time <= $1
`, nowMicros)
	if err != nil {
		return 0, fmt.Errorf("scheduler: watch_timeout: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanComplete deletes Completed rows and rows that exhausted
// max_retries, except Alerts (which keep their last-triggered state
// embedded in data and are never deleted here).
func (s *Store) CleanComplete(ctx context.Context, maxRetries int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM scheduler
WHERE module != $1 AND (status='completed' OR retries >= $2)
`, string(meta.ModuleAlert), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("scheduler: clean_complete: %w", err)
	}
	return tag.RowsAffected(), nil
}
