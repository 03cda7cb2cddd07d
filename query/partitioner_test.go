package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/meta"
)

func TestPartitioner_Plan_SplitsIntoTargetSpan(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	req := &Request{StartTime: 0, EndTime: int64(3 * time.Hour / time.Microsecond)}
	parts, rangeErr := p.Plan(req)
	assert.Empty(t, rangeErr)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(0), parts[0].Start)
	assert.Equal(t, int64(3*time.Hour/time.Microsecond), parts[2].End)
}

func TestPartitioner_Plan_CapsAtMaxPartitions(t *testing.T) {
	p := NewPartitioner(time.Minute, 2)
	req := &Request{StartTime: 0, EndTime: int64(10 * time.Hour / time.Microsecond)}
	parts, _ := p.Plan(req)
	assert.Len(t, parts, 2)
}

func TestPartitioner_Plan_ClipsToMaxQueryRange(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	end := int64(100 * time.Hour / time.Microsecond)
	req := &Request{StartTime: 0, EndTime: end, MaxQueryRangeHours: 24}
	parts, rangeErr := p.Plan(req)
	assert.NotEmpty(t, rangeErr)
	expectedStart := end - int64(24*time.Hour/time.Microsecond)
	assert.Equal(t, expectedStart, parts[0].Start)
}

func TestPartitioner_Plan_AlertsExemptFromClip(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	end := int64(100 * time.Hour / time.Microsecond)
	req := &Request{StartTime: 0, EndTime: end, MaxQueryRangeHours: 24, IsAlert: true}
	parts, rangeErr := p.Plan(req)
	assert.Empty(t, rangeErr)
	assert.Equal(t, int64(0), parts[0].Start)
}

func TestPartitioner_Plan_DashboardOrdersDescending(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	req := &Request{StartTime: 0, EndTime: int64(3 * time.Hour / time.Microsecond), IsDashboard: true}
	parts, _ := p.Plan(req)
	require.Len(t, parts, 3)
	for i := 1; i < len(parts); i++ {
		assert.Greater(t, parts[i-1].Start, parts[i].Start)
	}
}

func TestPartitioner_Plan_StreamingAggsAssignsSharedID(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	req := &Request{StartTime: 0, EndTime: int64(2 * time.Hour / time.Microsecond), StreamingAggs: true}
	parts, _ := p.Plan(req)
	require.Len(t, parts, 2)
	assert.NotEmpty(t, parts[0].StreamingID)
	assert.Equal(t, parts[0].StreamingID, parts[1].StreamingID)
}

func TestPartitioner_Plan_StreamType(t *testing.T) {
	p := NewPartitioner(time.Hour, 10)
	req := &Request{StreamType: meta.StreamTypeLogs, StartTime: 0, EndTime: int64(time.Hour / time.Microsecond)}
	parts, _ := p.Plan(req)
	require.Len(t, parts, 1)
}
