package query

import (
	"fmt"

	"github.com/obscore/obscore/cluster"
	"github.com/obscore/obscore/meta"
)

// NodeSelector picks the querier node responsible for a given request
// fingerprint, retrying the ring's next successor when the first pick
// turns out to be offline at dispatch time.
type NodeSelector struct {
	registry *cluster.Registry
}

// NewNodeSelector builds a selector over registry's consistent-hash
// rings.
func NewNodeSelector(registry *cluster.Registry) *NodeSelector {
	return &NodeSelector{registry: registry}
}

// Select returns the node name that should execute fingerprintKey for
// the given role group, skipping any node listed in tried so a caller
// can retry against the ring successor after a dispatch failure.
func (s *NodeSelector) Select(fingerprintKey string, group meta.RoleGroup, tried map[string]bool) (string, error) {
	if len(tried) == 0 {
		id, ok := s.registry.GetNodeFromConsistentHash(fingerprintKey, meta.RoleQuerier, group)
		if !ok {
			return "", fmt.Errorf("query: no online querier node for group %s", group)
		}
		return id, nil
	}
	id, ok := s.registry.GetNodeFromConsistentHashExcluding(fingerprintKey, meta.RoleQuerier, group, tried)
	if !ok {
		return "", fmt.Errorf("query: no untried querier node left for group %s", group)
	}
	return id, nil
}
