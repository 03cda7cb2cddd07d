// Package query plans and executes partitioned searches: splitting a
// time window into independently-executable partitions, picking the
// querier node for each via the cluster's consistent-hash ring with
// ring-successor retry, and streaming partial results back over a
// bounded channel that interleaves cached and freshly computed
// segments. Grounded on workflow/expander.go's ordered-expansion shape
// and executor/executor.go's executor-selection pattern.
package query

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/obscore/obscore/meta"
)

// Partition is one independently-executable slice of a search window.
type Partition struct {
	Index         int
	Start         int64
	End           int64
	StreamingAggs bool
	StreamingID   string
}

// Request describes the query a Partitioner plans for.
type Request struct {
	Org          string
	StreamType   meta.StreamType
	TraceID      string
	StartTime    int64
	EndTime      int64
	Size         int64
	IsDashboard  bool
	IsAlert      bool
	IsBackground bool

	StreamingAggs      bool
	MaxQueryRangeHours int
}

// Partitioner splits a request window into Partitions, clipping to a
// maximum range and reordering for dashboard queries.
type Partitioner struct {
	partitionSpanMicros int64
	maxPartitions       int
}

// NewPartitioner builds a Partitioner that targets partitionSpan-sized
// chunks, never producing more than maxPartitions regardless of how
// wide the window is.
func NewPartitioner(partitionSpan time.Duration, maxPartitions int) *Partitioner {
	if maxPartitions <= 0 {
		maxPartitions = 1
	}
	return &Partitioner{partitionSpanMicros: partitionSpan.Microseconds(), maxPartitions: maxPartitions}
}

// Plan splits req's window into partitions. If the window exceeds
// MaxQueryRangeHours (Alerts exempt), it's clipped to the trailing
// max_hours and a range error is returned describing the clip.
// Dashboard queries are ordered by descending start time so the
// newest partition executes first.
func (p *Partitioner) Plan(req *Request) ([]Partition, string) {
	start, end := req.StartTime, req.EndTime
	var rangeError string
	if !req.IsAlert && req.MaxQueryRangeHours > 0 {
		maxSpan := int64(req.MaxQueryRangeHours) * int64(time.Hour/time.Microsecond)
		if end-start > maxSpan {
			start = end - maxSpan
			rangeError = fmt.Sprintf("query range clipped to the last %d hours", req.MaxQueryRangeHours)
		}
	}

	count := p.partitionCount(start, end)
	span := (end - start) / int64(count)

	streamingID := ""
	if req.StreamingAggs {
		streamingID = uuid.NewString()
	}

	partitions := make([]Partition, 0, count)
	cursor := start
	for i := 0; i < count; i++ {
		pEnd := cursor + span
		if i == count-1 || pEnd > end {
			pEnd = end
		}
		partitions = append(partitions, Partition{
			Index:         i,
			Start:         cursor,
			End:           pEnd,
			StreamingAggs: req.StreamingAggs,
			StreamingID:   streamingID,
		})
		cursor = pEnd
	}

	if req.IsDashboard {
		sort.Slice(partitions, func(i, j int) bool { return partitions[i].Start > partitions[j].Start })
		for i := range partitions {
			partitions[i].Index = i
		}
	}

	return partitions, rangeError
}

func (p *Partitioner) partitionCount(start, end int64) int {
	span := end - start
	if span <= 0 || p.partitionSpanMicros <= 0 {
		return 1
	}
	count := int((span + p.partitionSpanMicros - 1) / p.partitionSpanMicros)
	if count < 1 {
		count = 1
	}
	if count > p.maxPartitions {
		count = p.maxPartitions
	}
	return count
}
