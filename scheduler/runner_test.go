package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/obslog"
)

// fakeStore is an in-memory triggerStore keyed by module_key, enough
// to drive Runner's handler/retry logic without a live Postgres.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]*meta.Trigger
	pullCalls   int
	watchCalls  int
	cleanCalls  int
}

func newFakeStore(rows ...*meta.Trigger) *fakeStore {
	s := &fakeStore{rows: make(map[string]*meta.Trigger)}
	for _, r := range rows {
		s.rows[r.ModuleKey] = r
	}
	return s
}

func (s *fakeStore) Pull(ctx context.Context, concurrency int, nowMicros, alertTimeoutMicros, reportTimeoutMicros int64) ([]*meta.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullCalls++
	var out []*meta.Trigger
	for _, t := range s.rows {
		if len(out) >= concurrency {
			break
		}
		if !t.Pullable(nowMicros) {
			continue
		}
		timeout := reportTimeoutMicros
		if t.Module == meta.ModuleAlert {
			timeout = alertTimeoutMicros
		}
		t.Status = meta.TriggerProcessing
		t.StartTime = nowMicros
		t.EndTime = nowMicros + timeout
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) UpdateTrigger(ctx context.Context, t *meta.Trigger, clone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[t.ModuleKey]; !ok {
		return fmt.Errorf("no such row %s", t.ModuleKey)
	}
	cp := *t
	s.rows[t.ModuleKey] = &cp
	return nil
}

func (s *fakeStore) WatchTimeout(ctx context.Context, nowMicros int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCalls++
	var n int64
	for _, t := range s.rows {
		if t.Status == meta.TriggerProcessing && t.EndTime <= nowMicros {
			t.Status = meta.TriggerWaiting
			t.Retries++
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CleanComplete(ctx context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanCalls++
	var n int64
	for k, t := range s.rows {
		if t.Module != meta.ModuleAlert && (t.Status == meta.TriggerCompleted || t.Retries >= maxRetries) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) get(key string) *meta.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.rows[key]
	return &cp
}

type failEvaluator struct{ err error }

func (f failEvaluator) Evaluate(ctx context.Context, moduleKey string, start, end int64) (bool, int, int64, error) {
	return false, 0, end, f.err
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, moduleKey string, matched int) (NotifyOutcome, error) {
	return NotifyFull, nil
}

func testRunner(store triggerStore, maxRetries int, alertTimeout time.Duration, evaluator AlertEvaluator) *Runner {
	return newRunner(store, obslog.New(obslog.DefaultConfig()), nil, Config{
		MaxRetries:   maxRetries,
		AlertTimeout: alertTimeout,
	}, evaluator, noopNotifier{}, nil, nil)
}

// Insert an Alert trigger already due, fail its evaluation three times
// with max_retries=3; after the third failure next_run_at must have
// advanced and retries must have reset to 0.
func TestRunner_AlertRetryBoundary(t *testing.T) {
	now := time.Now().UnixMicro()
	trigger := &meta.Trigger{
		Org: "o1", Module: meta.ModuleAlert, ModuleKey: "alert-1",
		Status: meta.TriggerWaiting, NextRunAt: now - 1,
		Data: AlertData{Enabled: true, FrequencyType: "interval", FrequencySecs: 60}.encode(),
	}
	store := newFakeStore(trigger)
	boom := fmt.Errorf("boom")
	r := testRunner(store, 3, time.Minute, failEvaluator{err: boom})

	for i := 0; i < 2; i++ {
		ctx := context.Background()
		pulled, err := store.Pull(ctx, 5, time.Now().UnixMicro(), int64(time.Minute/time.Microsecond), int64(time.Minute/time.Microsecond))
		require.NoError(t, err)
		require.Len(t, pulled, 1)
		require.NoError(t, r.handleAlert(ctx, pulled[0]))

		row := store.get("alert-1")
		assert.Equal(t, i+1, row.Retries)
		assert.Equal(t, meta.TriggerWaiting, row.Status)
		assert.Equal(t, now-1, row.NextRunAt, "next_run_at must not advance before max_retries")
		row.NextRunAt = now - 1 // next pull is still due
		require.NoError(t, store.UpdateTrigger(context.Background(), row, false))
	}

	ctx := context.Background()
	pulled, err := store.Pull(ctx, 5, time.Now().UnixMicro(), int64(time.Minute/time.Microsecond), int64(time.Minute/time.Microsecond))
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	require.NoError(t, r.handleAlert(ctx, pulled[0]))

	row := store.get("alert-1")
	assert.Equal(t, 0, row.Retries, "retries resets after max_retries is reached")
	assert.Greater(t, row.NextRunAt, now-1, "next_run_at advances once max_retries is reached")
	assert.Equal(t, meta.TriggerWaiting, row.Status)
}

// pullOnce must issue exactly one Pull per tick even when multiple
// rows are due, never re-pulling a row it just marked Processing.
func TestRunner_PullOnce_AtMostOncePerTick(t *testing.T) {
	now := time.Now().UnixMicro()
	store := newFakeStore(
		&meta.Trigger{Org: "o1", Module: meta.ModuleDerivedStream, ModuleKey: "ds-1", Status: meta.TriggerWaiting, NextRunAt: now - 1, Data: DerivedStreamData{PeriodSeconds: 60}.encode()},
		&meta.Trigger{Org: "o1", Module: meta.ModuleDerivedStream, ModuleKey: "ds-2", Status: meta.TriggerWaiting, NextRunAt: now - 1, Data: DerivedStreamData{PeriodSeconds: 60}.encode()},
	)
	r := newRunner(store, obslog.New(obslog.DefaultConfig()), nil, Config{MaxRetries: 3}, nil, nil, nil, fakePipeline{})
	r.pullOnce(context.Background())

	assert.Equal(t, 1, store.pullCalls)
	assert.Equal(t, meta.TriggerProcessing, store.get("ds-1").Status)
	assert.Equal(t, meta.TriggerProcessing, store.get("ds-2").Status)
}

// A Processing row past its end_time deadline is reclaimed to Waiting
// with retries incremented, the liveness invariant WatchTimeout
// enforces.
func TestRunner_WatchTimeout_ReclaimsExpiredRows(t *testing.T) {
	now := time.Now().UnixMicro()
	store := newFakeStore(&meta.Trigger{
		Org: "o1", Module: meta.ModuleReport, ModuleKey: "r-1",
		Status: meta.TriggerProcessing, EndTime: now - 1,
	})
	n, err := store.WatchTimeout(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row := store.get("r-1")
	assert.Equal(t, meta.TriggerWaiting, row.Status)
	assert.Equal(t, 1, row.Retries)
}

func TestRunner_HandleDerivedStream_AdvancesCursorOnSuccess(t *testing.T) {
	now := time.Now().UnixMicro()
	trigger := &meta.Trigger{
		Org: "o1", Module: meta.ModuleDerivedStream, ModuleKey: "ds-1",
		Status: meta.TriggerProcessing, Data: DerivedStreamData{PeriodEndTime: now - 1000, PeriodSeconds: 60}.encode(),
	}
	store := newFakeStore(trigger)
	r := newRunner(store, obslog.New(obslog.DefaultConfig()), nil, Config{MaxRetries: 3}, nil, nil, nil, fakePipeline{})

	require.NoError(t, r.handleDerivedStream(context.Background(), trigger))

	row := store.get("ds-1")
	assert.Equal(t, meta.TriggerWaiting, row.Status)
	assert.Equal(t, 0, row.Retries)
	cursor, err := decodeDerivedStreamData(row.Data)
	require.NoError(t, err)
	assert.Greater(t, cursor.PeriodEndTime, int64(0))
}

type fakePipeline struct{}

func (fakePipeline) Run(ctx context.Context, moduleKey string, start, end int64) error { return nil }
