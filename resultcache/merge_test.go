package resultcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/meta"
)

func hit(ts int64) meta.Hit { return meta.Hit{"_timestamp": ts} }

// TestMerge_BoundaryScenario reproduces the cache-merge boundary case:
// cached hits [2000,3000,4000], fresh hits [1500,4500], descending,
// expect merged order [4500,4000,3000,2000,1500] and ratio 60.
func TestMerge_BoundaryScenario(t *testing.T) {
	cached := []meta.CachedQueryResponse{{Hits: []meta.Hit{hit(2000), hit(3000), hit(4000)}, Total: 3}}
	fresh := []meta.CachedQueryResponse{{Hits: []meta.Hit{hit(1500)}, Total: 1}, {Hits: []meta.Hit{hit(4500)}, Total: 1}}

	result := Merge(cached, fresh, "_timestamp", 100, true)

	require.Len(t, result.Hits, 5)
	var order []int64
	for _, h := range result.Hits {
		order = append(order, tsValue(h, "_timestamp"))
	}
	assert.Equal(t, []int64{4500, 4000, 3000, 2000, 1500}, order)
	assert.Equal(t, 60, result.ResultCacheRatio)
}

func TestMerge_TruncatesToLimit(t *testing.T) {
	cached := []meta.CachedQueryResponse{{Hits: []meta.Hit{hit(1), hit(2), hit(3)}}}
	result := Merge(cached, nil, "_timestamp", 2, false)
	assert.Len(t, result.Hits, 2)
	assert.Equal(t, 2, result.Total)
}

func TestMerge_EmptyInputsReturnZeroValue(t *testing.T) {
	result := Merge(nil, nil, "_timestamp", 100, false)
	assert.Empty(t, result.Hits)
	assert.Equal(t, 0, result.ResultCacheRatio)
}

func TestMerge_AllCachedReportsFullRatio(t *testing.T) {
	cached := []meta.CachedQueryResponse{{Hits: []meta.Hit{hit(1), hit(2)}}}
	result := Merge(cached, nil, "_timestamp", 100, false)
	assert.Equal(t, 100, result.ResultCacheRatio)
}

// TestPlanner_WriteBack_DiscardWindowSkipsRecentNarrowWindow
// reproduces the discard-window boundary case: response spans 10s but
// max_ts = now - 2s with discard_duration = 60s, so it must not be
// cached.
func TestPlanner_WriteBack_DiscardWindowSkipsRecentNarrowWindow(t *testing.T) {
	p, cache := newTestPlanner(t)
	req := baseRequest()
	req.IsDescending = false
	req.StartTime = 0
	req.EndTime = 100_000_000

	now := int64(100_000_000_000)
	maxTS := now - 2_000_000
	minTS := maxTS - 10_000_000
	resp := meta.CachedQueryResponse{Hits: []meta.Hit{hit(minTS), hit(maxTS)}}

	dir := p.Dir(req)
	wrote, err := p.WriteBack(context.Background(), req, dir, resp, false, nil, nil, "", 60*time.Second, now)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, cache.Len())
}

func TestPlanner_WriteBack_WritesAndRoundTripsThroughCheckCache(t *testing.T) {
	p, _ := newTestPlanner(t)
	req := baseRequest()
	req.IsDescending = false
	req.StartTime = 1_000_000
	req.EndTime = 9_000_000

	now := int64(100_000_000_000_000)
	hits := []meta.Hit{hit(1_000_000), hit(2_000_000), hit(4_000_000), hit(6_000_000)}
	resp := meta.CachedQueryResponse{Hits: hits, Total: len(hits)}

	dir := p.Dir(req)
	wrote, err := p.WriteBack(context.Background(), req, dir, resp, false, nil, nil, "", 60*time.Second, now)
	require.NoError(t, err)
	require.True(t, wrote)

	got, err := p.CheckCache(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.HasCachedData)
	assert.Equal(t, 100, got.CachedResponse.ResultCacheRatio)
	// the boundary hit (first, ascending) and anything sharing its
	// second are trimmed, so only the last three survive.
	assert.Len(t, got.CachedResponse.Hits, 3)
}

func TestPlanner_WriteBack_SkipsPartialWithoutNewBounds(t *testing.T) {
	p, cache := newTestPlanner(t)
	req := baseRequest()
	resp := meta.CachedQueryResponse{Hits: []meta.Hit{hit(1000), hit(2000)}}
	dir := p.Dir(req)

	wrote, err := p.WriteBack(context.Background(), req, dir, resp, true, nil, nil, "", time.Second, 100)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, cache.Len())
}

func TestPlanner_WriteBack_SkipsVRLFunctionError(t *testing.T) {
	p, cache := newTestPlanner(t)
	req := baseRequest()
	resp := meta.CachedQueryResponse{Hits: []meta.Hit{hit(1000), hit(2000)}}
	dir := p.Dir(req)

	wrote, err := p.WriteBack(context.Background(), req, dir, resp, false, nil, nil, "vrl runtime error", time.Second, 100)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, cache.Len())
}
