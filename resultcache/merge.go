package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/obscore/obscore/meta"
)

// Merge unions cached and freshly-computed response chunks into one
// response: empty-hit chunks are dropped, the remaining hits are
// sorted by tsColumn (descending iff descending), truncated to limit
// when positive, and result_cache_ratio is recomputed from how many
// of the surviving hits came from cache versus fresh execution.
// Cached-only totals/scan counters are summed across both input
// lists; took is summed over fresh chunks only, since cached hits
// cost no query time this round.
func Merge(cached, fresh []meta.CachedQueryResponse, tsColumn string, limit int, descending bool) meta.CachedQueryResponse {
	cached = dropEmpty(cached)
	fresh = dropEmpty(fresh)

	var result meta.CachedQueryResponse
	if len(cached) == 0 && len(fresh) == 0 {
		return result
	}

	cachedHits := 0
	for _, r := range cached {
		result.Total += r.Total
		result.ScanSize += r.ScanSize
		result.ScanRecords += r.ScanRecords
		result.Hits = append(result.Hits, r.Hits...)
		cachedHits += len(r.Hits)
		if r.FunctionError != "" {
			result.FunctionError = r.FunctionError
		}
	}

	freshHits := 0
	for _, r := range fresh {
		result.Total += r.Total
		result.ScanSize += r.ScanSize
		result.ScanRecords += r.ScanRecords
		result.TookMs += r.TookMs
		result.Hits = append(result.Hits, r.Hits...)
		freshHits += len(r.Hits)
		if r.FunctionError != "" {
			result.FunctionError = r.FunctionError
		}
	}

	sortHits(result.Hits, tsColumn, descending)

	if limit > 0 && len(result.Hits) > limit {
		result.Hits = result.Hits[:limit]
	}
	if limit > 0 {
		result.Total = len(result.Hits)
	}

	if total := cachedHits + freshHits; total > 0 {
		result.ResultCacheRatio = cachedHits * 100 / total
	}
	result.TSColumn = tsColumn
	return result
}

func dropEmpty(list []meta.CachedQueryResponse) []meta.CachedQueryResponse {
	out := make([]meta.CachedQueryResponse, 0, len(list))
	for _, r := range list {
		if len(r.Hits) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func sortHits(hits []meta.Hit, tsColumn string, descending bool) {
	sort.SliceStable(hits, func(i, j int) bool {
		ti, tj := tsValue(hits[i], tsColumn), tsValue(hits[j], tsColumn)
		if descending {
			return ti > tj
		}
		return ti < tj
	})
}

func tsValue(hit meta.Hit, tsColumn string) int64 {
	switch v := hit[tsColumn].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		i, _ := v.Int64()
		return i
	default:
		return 0
	}
}

// WriteBack applies the write-back rules to a final, already-sorted
// response and, if it survives them, persists a new cache entry under
// dir and returns true. resp.Hits must already be ordered the way
// req.IsDescending says (Merge's output satisfies this).
//
//   - partial-without-new-bounds or a VRL function error skips caching
//     outright.
//   - the boundary hit (last if descending, first if ascending) and
//     every other hit sharing its whole-second timestamp are dropped,
//     since the remaining events in that second may not have all
//     arrived yet.
//   - if what's left spans less than discardDuration and sits entirely
//     within discardDuration of now, it's too close to wall-clock to
//     trust and is skipped.
//   - otherwise the cache bounds are clamped to [min(hit ts), max(hit
//     ts)] intersected with the request window, and the trimmed
//     response is written.
func (p *Planner) WriteBack(ctx context.Context, req *Request, dir string, resp meta.CachedQueryResponse, isPartial bool, newStartTime, newEndTime *int64, functionError string, discardDuration time.Duration, nowMicros int64) (bool, error) {
	if isPartial && (newStartTime == nil || newEndTime == nil) {
		return false, nil
	}
	if functionError != "" && strings.Contains(strings.ToLower(functionError), "vrl") {
		return false, nil
	}
	if len(resp.Hits) == 0 {
		return false, nil
	}

	hits := append([]meta.Hit(nil), resp.Hits...)
	var boundary meta.Hit
	if req.IsDescending {
		boundary = hits[len(hits)-1]
	} else {
		boundary = hits[0]
	}
	boundarySec := tsValue(boundary, req.TSColumn) / 1_000_000
	hits = dropSameSecond(hits, req.TSColumn, boundarySec)
	if len(hits) == 0 {
		return false, nil
	}

	firstTS := tsValue(hits[0], req.TSColumn)
	lastTS := tsValue(hits[len(hits)-1], req.TSColumn)
	minTS, maxTS := firstTS, lastTS
	if minTS > maxTS {
		minTS, maxTS = maxTS, minTS
	}

	discardMicros := discardDuration.Microseconds()
	if (maxTS-minTS) < discardMicros && minTS > nowMicros-discardMicros {
		return false, nil
	}

	cacheStart := req.StartTime
	if minTS > 0 && minTS > cacheStart {
		cacheStart = minTS
	}
	cacheEnd := req.EndTime
	if maxTS > 0 && maxTS < cacheEnd {
		cacheEnd = maxTS
	}

	resp.Hits = hits
	resp.Total = len(hits)
	raw, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("resultcache: encode write-back body: %w", err)
	}

	m := meta.ResultCacheMeta{
		StartTime:    cacheStart,
		EndTime:      cacheEnd,
		IsAggregate:  req.IsAggregate,
		IsDescending: req.IsDescending,
	}
	if err := p.cache.Set(fileName(dir, m), raw); err != nil {
		return false, fmt.Errorf("resultcache: write cache entry: %w", err)
	}
	return true, nil
}

func dropSameSecond(hits []meta.Hit, tsColumn string, boundarySec int64) []meta.Hit {
	out := make([]meta.Hit, 0, len(hits))
	for _, h := range hits {
		if tsValue(h, tsColumn)/1_000_000 == boundarySec {
			continue
		}
		out = append(out, h)
	}
	return out
}
