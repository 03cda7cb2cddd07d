// Package meta holds the data-model types shared across the cluster,
// cache, schema, query, and scheduler packages.
package meta

import "time"

// Role is a capability a node advertises to the cluster.
type Role string

const (
	RoleIngester         Role = "ingester"
	RoleQuerier          Role = "querier"
	RoleCompactor        Role = "compactor"
	RoleFlattenCompactor Role = "flatten_compactor"
	RoleRouter           Role = "router"
	RoleAlertManager     Role = "alert_manager"
	RoleAll              Role = "all"
)

// RoleGroup sub-classifies Querier nodes for routing purposes.
type RoleGroup string

const (
	RoleGroupInteractive RoleGroup = "interactive"
	RoleGroupBackground  RoleGroup = "background"
	RoleGroupNone        RoleGroup = "none"
)

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus string

const (
	NodeStatusPrepare NodeStatus = "prepare"
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// NodeMetrics carries the resource counters the original cluster
// membership struct tracks alongside identity fields. Nothing in this
// repo fills or refreshes them; they keep whatever value the published
// node record holds. No ring or routing decision reads these.
type NodeMetrics struct {
	CPUNum      int64 `json:"cpu_num"`
	TotalMemory int64 `json:"total_memory"`
	Broadcasted bool  `json:"broadcasted"`
}

// Node is one cluster member.
type Node struct {
	UUID        string      `json:"uuid"`
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	HTTPAddr    string      `json:"http_addr"`
	RPCAddr     string      `json:"rpc_addr"`
	Roles       []Role      `json:"roles"`
	RoleGroup   RoleGroup   `json:"role_group"`
	Status      NodeStatus  `json:"status"`
	Scheduled   bool        `json:"scheduled"`
	Metrics     NodeMetrics `json:"metrics"`
	LeaseExpiry time.Time   `json:"lease_expiry"`
}

// HasRole reports whether the node advertises the given role, treating
// RoleAll as a wildcard match.
func (n *Node) HasRole(r Role) bool {
	for _, role := range n.Roles {
		if role == r || role == RoleAll {
			return true
		}
	}
	return false
}

// Checksum returns a content hash used by the registry watcher to
// tolerate duplicate Put events for an unchanged node record.
func (n *Node) Checksum() string {
	return n.UUID + "|" + n.Name + "|" + string(n.Status) + "|" + n.HTTPAddr
}
