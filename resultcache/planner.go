package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/obscore/obscore/diskcache"
	"github.com/obscore/obscore/meta"
)

// Request describes one cacheable query: the parsed SQL components
// needed to key and orient the cache (the caller extracts ts_column
// and is_descending from the SQL's ORDER BY / histogram clause) plus
// the requested time window. Request carries no result offset or
// cacheability flag: whether a query may use the cache at all is
// decided by the caller before reaching CheckCache.
type Request struct {
	Org        string
	StreamType meta.StreamType
	Stream     string
	SQL        string
	VRL        string
	ActionID   string
	Regions    []string
	Clusters   []string

	StartTime int64
	EndTime   int64
	Limit     int64

	IsAggregate  bool
	TSColumn     string
	IsDescending bool
}

// Planner checks and populates the result cache for a query. It holds
// no per-request state; everything it needs comes from the diskcache
// Cache handed to it at construction (Class must be ClassResult).
type Planner struct {
	cache *diskcache.Cache
}

func NewPlanner(cache *diskcache.Cache) *Planner {
	return &Planner{cache: cache}
}

// Dir returns the cache directory for req, keyed by org/stream_type/
// stream/fingerprint and prefixed with the cache's class so it never
// collides with the data-file cache sharing the same root.
func (p *Planner) Dir(req *Request) string {
	fp := Fingerprint(req.SQL, req.VRL, req.ActionID, req.Regions, req.Clusters)
	return fmt.Sprintf("%s/%s/%s/%s/%d", p.cache.Prefix(), req.Org, req.StreamType, req.Stream, fp)
}

func fileName(dir string, m meta.ResultCacheMeta) string {
	return fmt.Sprintf("%s/%d_%d_%s_%s.json", dir, m.StartTime, m.EndTime, boolDigit(m.IsAggregate), boolDigit(m.IsDescending))
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// queryKey is the flat key ParseResultCacheKey/ResultsFor index
// entries under: the cache dir with slashes folded to underscores.
func queryKey(dir string) string {
	return strings.ReplaceAll(dir, "/", "_")
}

// CheckCache implements the five-step lookup: load the meta list for
// the query's fingerprint, filter to metas that intersect the
// request window and match orientation, deduplicate overlaps
// preferring the longer interval, compute the complement as deltas to
// execute, and load the surviving cached bodies from disk.
func (p *Planner) CheckCache(ctx context.Context, req *Request) (*meta.MultiCachedQueryResponse, error) {
	dir := p.Dir(req)
	resp := &meta.MultiCachedQueryResponse{
		TSColumn:           req.TSColumn,
		IsDescending:       req.IsDescending,
		Limit:              int(req.Limit),
		IsAggregate:        req.IsAggregate,
		FilePath:           dir,
		CacheQueryResponse: true,
	}

	metas := p.cache.SortedResultMetas(queryKey(dir))

	candidates := make([]meta.ResultCacheMeta, 0, len(metas))
	for _, m := range metas {
		if m.IsAggregate != req.IsAggregate || m.IsDescending != req.IsDescending {
			continue
		}
		if !m.Intersects(req.StartTime, req.EndTime) {
			continue
		}
		candidates = append(candidates, m)
	}
	candidates = dedupOverlapping(candidates)

	resp.Deltas = computeDeltas(candidates, req.StartTime, req.EndTime)

	var merged meta.CachedQueryResponse
	hasCached := false
	for _, m := range candidates {
		raw, ok := p.cache.Get(fileName(dir, m))
		if !ok {
			continue
		}
		var body meta.CachedQueryResponse
		if err := json.Unmarshal(raw, &body); err != nil {
			// corrupt entry: drop it and its index row, continue as a miss.
			p.cache.Remove(fileName(dir, m))
			continue
		}
		if !hasCached {
			merged = body
		} else {
			merged.Hits = append(merged.Hits, body.Hits...)
			merged.Total += body.Total
			merged.ScanSize += body.ScanSize
			merged.ScanRecords += body.ScanRecords
		}
		hasCached = true
	}
	if hasCached {
		merged.ResultCacheRatio = 100
		resp.CachedResponse = merged
		resp.HasCachedData = true
	}

	// No cache data present and no deltas computed means the whole
	// window still needs to be executed fresh.
	if !resp.HasCachedData && len(resp.Deltas) == 0 {
		resp.Deltas = []meta.QueryDelta{{Start: req.StartTime, End: req.EndTime}}
	}

	return resp, nil
}

// dedupOverlapping sorts candidates by start time and, whenever two
// overlap, keeps whichever spans the longer interval — greedy overlap
// resolution, same rule the original lookup applies before computing
// deltas.
func dedupOverlapping(metas []meta.ResultCacheMeta) []meta.ResultCacheMeta {
	if len(metas) == 0 {
		return nil
	}
	sorted := append([]meta.ResultCacheMeta(nil), metas...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartTime != sorted[j].StartTime {
			return sorted[i].StartTime < sorted[j].StartTime
		}
		return sorted[i].EndTime > sorted[j].EndTime
	})

	kept := []meta.ResultCacheMeta{sorted[0]}
	for _, m := range sorted[1:] {
		last := kept[len(kept)-1]
		if m.StartTime > last.EndTime {
			kept = append(kept, m)
			continue
		}
		if span(m) > span(last) {
			kept[len(kept)-1] = m
		}
	}
	return kept
}

func span(m meta.ResultCacheMeta) int64 { return m.EndTime - m.StartTime }

// computeDeltas returns the sub-intervals of [start, end] not covered
// by any entry in covered (already sorted by StartTime ascending).
func computeDeltas(covered []meta.ResultCacheMeta, start, end int64) []meta.QueryDelta {
	var deltas []meta.QueryDelta
	cursor := start
	for _, m := range covered {
		cs, ce := m.StartTime, m.EndTime
		if cs < start {
			cs = start
		}
		if ce > end {
			ce = end
		}
		if cs > cursor {
			deltas = append(deltas, meta.QueryDelta{Start: cursor, End: cs})
		}
		if ce > cursor {
			cursor = ce
		}
	}
	if cursor < end {
		deltas = append(deltas, meta.QueryDelta{Start: cursor, End: end})
	}
	return deltas
}
