package cluster

import (
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_LookupWrapsToSmallestVnode(t *testing.T) {
	r := NewRing()
	r.Add("node-a", 10)
	r.Add("node-b", 10)

	// A key hashing above every vnode must wrap around to the
	// smallest one instead of returning no owner.
	var maxHash uint64
	minHash := ^uint64(0)
	smallestOwner := ""
	for i := 0; i < 10; i++ {
		for _, name := range []string{"node-a", "node-b"} {
			h := hashVnode(name, i)
			if h > maxHash {
				maxHash = h
			}
			if h < minHash {
				minHash, smallestOwner = h, name
			}
		}
	}

	probe := ""
	for i := 0; probe == "" && i < 100000; i++ {
		if k := fmt.Sprintf("probe-%d", i); xxhash.Sum64String(k) > maxHash {
			probe = k
		}
	}
	require.NotEmpty(t, probe)

	owner, ok := r.Lookup(probe)
	require.True(t, ok)
	assert.Equal(t, smallestOwner, owner)
}

func TestRing_EmptyLookupReturnsFalse(t *testing.T) {
	r := NewRing()
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
}

func TestRing_SizeEqualsOnlineNodesTimesVnodes(t *testing.T) {
	r := NewRing()
	const vnodes = 64
	names := []string{"n1", "n2", "n3", "n4"}
	for _, n := range names {
		r.Add(n, vnodes)
	}
	assert.Equal(t, len(names)*vnodes, r.Len())

	r.Remove("n2", vnodes)
	assert.Equal(t, (len(names)-1)*vnodes, r.Len())
}

func TestRing_LookupExcludingSkipsOfflineOwners(t *testing.T) {
	r := NewRing()
	r.Add("a", 20)
	r.Add("b", 20)
	r.Add("c", 20)

	owner, ok := r.Lookup("some-key")
	require.True(t, ok)

	excluded := map[string]bool{owner: true}
	next, ok := r.LookupExcluding("some-key", excluded)
	require.True(t, ok)
	assert.NotEqual(t, owner, next)

	excluded[next] = true
	last, ok := r.LookupExcluding("some-key", excluded)
	require.True(t, ok)
	assert.NotEqual(t, owner, last)
	assert.NotEqual(t, next, last)

	excluded[last] = true
	_, ok = r.LookupExcluding("some-key", excluded)
	assert.False(t, ok)
}

func TestRing_AddIsIdempotentPerName(t *testing.T) {
	r := NewRing()
	r.Add("x", 5)
	r.Add("x", 5)
	assert.Equal(t, 5, r.Len())
}
