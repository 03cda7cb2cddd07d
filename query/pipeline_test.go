package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/cluster"
	"github.com/obscore/obscore/config"
	"github.com/obscore/obscore/diskcache"
	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/obslog"
	"github.com/obscore/obscore/resultcache"
)

type fakeExecutor struct {
	calls  int
	failOn map[string]bool
	failed []string
}

func (f *fakeExecutor) Execute(ctx context.Context, node string, delta meta.QueryDelta) (meta.CachedQueryResponse, error) {
	f.calls++
	if f.failOn[node] {
		f.failed = append(f.failed, node)
		return meta.CachedQueryResponse{}, fmt.Errorf("node %s offline", node)
	}
	return meta.CachedQueryResponse{Hits: []meta.Hit{{"_timestamp": delta.Start}}, Total: 1}, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeExecutor) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DiskCache: config.DiskCache{
			Enabled: true, MaxSize: 1 << 20, ResultMaxSize: 1 << 20,
			BucketNum: 1, CacheStrategy: "lru", ReleaseSize: 1 << 10, GCSize: 1 << 10,
		},
		DataDir: dir,
	}
	cache := diskcache.New(cfg, diskcache.ClassResult, dir)
	planner := resultcache.NewPlanner(cache)

	registry := cluster.NewRegistry(nil, nil, obslog.New(obslog.DefaultConfig()), cluster.Config{})
	registry.AddNodeToConsistentHash(&meta.Node{Name: "node-a"}, meta.RoleQuerier, meta.RoleGroupInteractive)
	selector := NewNodeSelector(registry)

	exec := &fakeExecutor{}
	partitioner := NewPartitioner(time.Hour, 4)
	cancel := NewCancelRegistry()

	return NewPipeline(partitioner, planner, selector, exec, cancel, 4), exec
}

func TestPipeline_Execute_StreamsPartitionResults(t *testing.T) {
	pipeline, exec := newTestPipeline(t)
	req := &Request{
		TraceID:   "trace1",
		StartTime: 0,
		EndTime:   int64(2 * time.Hour / time.Microsecond),
	}
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}

	out, err := pipeline.Execute(context.Background(), req, cacheReq)
	require.NoError(t, err)

	var results []PartialResult
	for r := range out {
		results = append(results, r)
	}
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, 2, exec.calls)
}

func TestPipeline_Execute_StopsOnCancelBetweenPartitions(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	req := &Request{
		TraceID:   "trace-cancel",
		StartTime: 0,
		EndTime:   int64(4 * time.Hour / time.Microsecond),
	}
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}
	pipeline.cancel.Register(req.TraceID)
	pipeline.cancel.Cancel(req.TraceID)

	out, err := pipeline.Execute(context.Background(), req, cacheReq)
	require.NoError(t, err)

	var results []PartialResult
	for r := range out {
		results = append(results, r)
	}
	assert.Empty(t, results)
}

func TestPipeline_Execute_StopsOnceSizeReached(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	req := &Request{
		TraceID:   "trace-size",
		StartTime: 0,
		EndTime:   int64(3 * time.Hour / time.Microsecond),
		Size:      1,
	}
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}

	out, err := pipeline.Execute(context.Background(), req, cacheReq)
	require.NoError(t, err)

	var results []PartialResult
	for r := range out {
		results = append(results, r)
	}
	assert.Len(t, results, 1)
}

func TestPipeline_Execute_RetriesRingSuccessorOnDispatchFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DiskCache: config.DiskCache{
			Enabled: true, MaxSize: 1 << 20, ResultMaxSize: 1 << 20,
			BucketNum: 1, CacheStrategy: "lru", ReleaseSize: 1 << 10, GCSize: 1 << 10,
		},
		DataDir: dir,
	}
	cache := diskcache.New(cfg, diskcache.ClassResult, dir)
	planner := resultcache.NewPlanner(cache)

	registry := cluster.NewRegistry(nil, nil, obslog.New(obslog.DefaultConfig()), cluster.Config{})
	registry.AddNodeToConsistentHash(&meta.Node{Name: "node-a"}, meta.RoleQuerier, meta.RoleGroupInteractive)
	registry.AddNodeToConsistentHash(&meta.Node{Name: "node-b"}, meta.RoleQuerier, meta.RoleGroupInteractive)
	selector := NewNodeSelector(registry)

	exec := &fakeExecutor{failOn: map[string]bool{"node-a": true}}
	partitioner := NewPartitioner(time.Hour, 4)
	cancel := NewCancelRegistry()
	pipeline := NewPipeline(partitioner, planner, selector, exec, cancel, 4)

	req := &Request{TraceID: "trace-retry", StartTime: 0, EndTime: int64(time.Hour / time.Microsecond)}
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}

	out, err := pipeline.Execute(context.Background(), req, cacheReq)
	require.NoError(t, err)

	var results []PartialResult
	for r := range out {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Contains(t, exec.failed, "node-a")
}

func TestPipeline_Execute_RoutesByFingerprintNotTraceID(t *testing.T) {
	pipeline, exec := newTestPipeline(t)
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}

	for _, traceID := range []string{"trace-a", "trace-b", "trace-c"} {
		req := &Request{TraceID: traceID, StartTime: 0, EndTime: int64(time.Hour / time.Microsecond)}
		out, err := pipeline.Execute(context.Background(), req, cacheReq)
		require.NoError(t, err)
		for range out {
		}
	}
	// Every call above resolved to the same (only) node regardless of
	// trace_id, since routing keys off the query fingerprint.
	assert.Equal(t, 3, exec.calls)
}

func TestPipeline_Execute_StreamingAggsEmitsOnlyFinalPartition(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	req := &Request{
		TraceID:       "trace-streaming-aggs",
		StartTime:     0,
		EndTime:       int64(3 * time.Hour / time.Microsecond),
		StreamingAggs: true,
	}
	cacheReq := &resultcache.Request{
		Org: "org1", StreamType: meta.StreamTypeLogs, Stream: "default",
		SQL: "select * from default", Limit: 100, TSColumn: "_timestamp",
	}

	out, err := pipeline.Execute(context.Background(), req, cacheReq)
	require.NoError(t, err)

	var results []PartialResult
	for r := range out {
		results = append(results, r)
	}
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Partition.Index)
}
