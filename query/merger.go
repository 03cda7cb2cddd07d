package query

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/resultcache"
)

// DeltaFunc executes one missing sub-window and returns its hits.
type DeltaFunc func(ctx context.Context, delta meta.QueryDelta) (meta.CachedQueryResponse, error)

// StreamMerger reconciles a cache lookup's already-covered response
// with the freshly computed deltas. Deltas run concurrently (bounded
// by errgroup, which also propagates the first error and cancels the
// rest); once every delta is in hand the two sides are interleaved by
// the existing boundary-aware merge, so the cooperative
// cached-then-delta ordering lives in resultcache.Merge's sort step
// rather than a bespoke two-queue scan here.
type StreamMerger struct {
	descending bool
}

// NewStreamMerger builds a merger. isDashboard only affects partition
// ordering upstream in the partitioner; the merger itself only needs
// sort direction.
func NewStreamMerger(isDashboard, descending bool) *StreamMerger {
	return &StreamMerger{descending: descending}
}

// Merge runs lookup.Deltas through fn concurrently, then folds the
// results together with whatever the lookup already had cached.
func (m *StreamMerger) Merge(ctx context.Context, lookup *meta.MultiCachedQueryResponse, fn DeltaFunc) (meta.CachedQueryResponse, error) {
	if len(lookup.Deltas) == 0 {
		return lookup.CachedResponse, nil
	}

	fresh := make([]meta.CachedQueryResponse, len(lookup.Deltas))
	g, gctx := errgroup.WithContext(ctx)
	for i, delta := range lookup.Deltas {
		i, delta := i, delta
		g.Go(func() error {
			resp, err := fn(gctx, delta)
			if err != nil {
				return err
			}
			fresh[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return meta.CachedQueryResponse{}, err
	}

	var cached []meta.CachedQueryResponse
	if lookup.HasCachedData {
		cached = []meta.CachedQueryResponse{lookup.CachedResponse}
	}
	return resultcache.Merge(cached, fresh, lookup.TSColumn, lookup.Limit, lookup.IsDescending), nil
}
