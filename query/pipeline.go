package query

import (
	"context"
	"strconv"

	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/resultcache"
)

// PartialResult is one partition's outcome, pushed onto the pipeline's
// output channel as soon as it's ready so a caller can start
// forwarding hits to a client before the whole window finishes.
type PartialResult struct {
	Partition Partition
	Response  meta.CachedQueryResponse
	Err       error
}

// Executor runs one delta (a sub-window still missing from the cache)
// against a chosen querier node and returns its hits.
type Executor interface {
	Execute(ctx context.Context, node string, delta meta.QueryDelta) (meta.CachedQueryResponse, error)
}

// Pipeline drives a request end to end: plan partitions, consult the
// result cache for each, dispatch the remaining deltas to executors,
// and merge. Merged responses are not written back to the result
// cache: Planner.WriteBack is not called from here. Results stream
// out over a bounded channel so a slow consumer applies backpressure
// instead of the pipeline buffering everything in memory.
type Pipeline struct {
	partitioner *Partitioner
	planner     *resultcache.Planner
	selector    *NodeSelector
	executor    Executor
	cancel      *CancelRegistry
	bufferSize  int
}

// NewPipeline wires a Pipeline from its collaborators. bufferSize
// bounds the output channel; 0 falls back to an unbuffered channel.
func NewPipeline(partitioner *Partitioner, planner *resultcache.Planner, selector *NodeSelector, executor Executor, cancel *CancelRegistry, bufferSize int) *Pipeline {
	return &Pipeline{
		partitioner: partitioner,
		planner:     planner,
		selector:    selector,
		executor:    executor,
		cancel:      cancel,
		bufferSize:  bufferSize,
	}
}

// Execute plans req, then walks its partitions in order, stopping
// early once the accumulated hit count reaches req.Size or the
// request's trace_id is cancelled. Each partition's merged response is
// written to the returned channel, which the caller must drain to
// completion; Execute closes it when done.
func (p *Pipeline) Execute(ctx context.Context, req *Request, cacheReq *resultcache.Request) (<-chan PartialResult, error) {
	partitions, rangeError := p.partitioner.Plan(req)
	if rangeError != "" {
		cacheReq.StartTime = partitions[len(partitions)-1].Start
	}

	out := make(chan PartialResult, p.bufferSize)
	go p.run(ctx, req, cacheReq, partitions, out)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, req *Request, cacheReq *resultcache.Request, partitions []Partition, out chan<- PartialResult) {
	defer close(out)

	remaining := req.Size
	merger := NewStreamMerger(req.IsDashboard, cacheReq.IsDescending)
	group := groupFor(req)
	// Routed by request_fingerprint, not trace_id: two identical queries
	// must land on the same querier for cache locality, which a
	// per-request trace_id would destroy.
	routingKey := strconv.FormatUint(resultcache.Fingerprint(cacheReq.SQL, cacheReq.VRL, cacheReq.ActionID, cacheReq.Regions, cacheReq.Clusters), 10)

	var lastMerged meta.CachedQueryResponse
	var lastPart Partition
	haveResult := false

	for _, part := range partitions {
		if p.cancel != nil && p.cancel.IsCancelled(req.TraceID) {
			return
		}
		if req.Size > 0 && remaining <= 0 {
			return
		}

		partReq := *cacheReq
		partReq.StartTime = part.Start
		partReq.EndTime = part.End

		lookup, err := p.planner.CheckCache(ctx, &partReq)
		if err != nil {
			select {
			case out <- PartialResult{Partition: part, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		merged, err := merger.Merge(ctx, lookup, func(ctx context.Context, delta meta.QueryDelta) (meta.CachedQueryResponse, error) {
			return p.dispatch(ctx, routingKey, group, delta)
		})
		if err != nil {
			select {
			case out <- PartialResult{Partition: part, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		if req.Size > 0 {
			remaining -= int64(len(merged.Hits))
		}

		if req.StreamingAggs {
			// Accumulating aggregation: only the final partition's
			// result is meaningful, so hold it back instead of
			// emitting every intermediate partition.
			lastMerged, lastPart, haveResult = merged, part, true
			continue
		}

		select {
		case out <- PartialResult{Partition: part, Response: merged}:
		case <-ctx.Done():
			return
		}
	}

	if haveResult {
		select {
		case out <- PartialResult{Partition: lastPart, Response: lastMerged}:
		case <-ctx.Done():
		}
	}
}

// dispatch picks a querier node for routingKey and runs delta against
// it, retrying with the ring successor if the chosen node fails at
// dispatch time.
func (p *Pipeline) dispatch(ctx context.Context, routingKey string, group meta.RoleGroup, delta meta.QueryDelta) (meta.CachedQueryResponse, error) {
	tried := make(map[string]bool)
	for {
		node, err := p.selector.Select(routingKey, group, tried)
		if err != nil {
			return meta.CachedQueryResponse{}, err
		}
		resp, err := p.executor.Execute(ctx, node, delta)
		if err == nil {
			return resp, nil
		}
		tried[node] = true
	}
}

func groupFor(req *Request) meta.RoleGroup {
	if req.IsBackground {
		return meta.RoleGroupBackground
	}
	return meta.RoleGroupInteractive
}
