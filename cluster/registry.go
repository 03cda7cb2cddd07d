package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/obscore/obscore/kvstore"
	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/obslog"
)

func encodeNode(n *meta.Node) []byte {
	raw, _ := json.Marshal(n)
	return raw
}

func decodeNode(raw []byte) (*meta.Node, error) {
	var n meta.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("cluster: decode node: %w", err)
	}
	return &n, nil
}

const (
	registerLockKey = "/nodes/register"
	nodesPrefix     = "/nodes/"
)

// Config configures a Registry instance.
type Config struct {
	VnodeCount      int
	HeartbeatTTL    time.Duration
	HealthTimeout   time.Duration
	HealthFailTimes int
	LocalMode       bool
	SelfHTTPAddr    string
	SelfRoles       []meta.Role
	SelfRoleGroup   meta.RoleGroup
}

// Registry holds the live node map and the four role-group hash
// rings, guarded by an RWMutex the way registry/registry.go guards
// its service map; persistence flows through a
// kvstore.Store/Coordinator pair instead of a local JSON-LD file,
// following original_source's NODES/consistent-hash statics.
type Registry struct {
	cfg   Config
	store kvstore.Store
	coord kvstore.Coordinator
	log   *logrus.Entry

	mu           sync.RWMutex
	nodes        map[string]*meta.Node
	healthCounts map[string]int

	interactive *Ring
	background  *Ring
	compactor   *Ring
	flatten     *Ring

	self *meta.Node

	httpClient *http.Client
}

func NewRegistry(store kvstore.Store, coord kvstore.Coordinator, logger *logrus.Logger, cfg Config) *Registry {
	if cfg.VnodeCount <= 0 {
		cfg.VnodeCount = 100
	}
	return &Registry{
		cfg:          cfg,
		store:        store,
		coord:        coord,
		log:          obslog.For(logger, "cluster"),
		nodes:        make(map[string]*meta.Node),
		healthCounts: make(map[string]int),
		interactive:  NewRing(),
		background:   NewRing(),
		compactor:    NewRing(),
		flatten:      NewRing(),
		httpClient:   &http.Client{Timeout: cfg.HealthTimeout},
	}
}

func (r *Registry) ringFor(role meta.Role, group meta.RoleGroup) *Ring {
	switch role {
	case meta.RoleQuerier:
		if group == meta.RoleGroupBackground {
			return r.background
		}
		return r.interactive
	case meta.RoleCompactor:
		return r.compactor
	case meta.RoleFlattenCompactor:
		return r.flatten
	default:
		return nil
	}
}

// AddNodeToConsistentHash mirrors add_node_to_consistent_hash.
func (r *Registry) AddNodeToConsistentHash(node *meta.Node, role meta.Role, group meta.RoleGroup) {
	ring := r.ringFor(role, group)
	if ring == nil {
		return
	}
	ring.Add(node.Name, r.cfg.VnodeCount)
}

// RemoveNodeFromConsistentHash mirrors remove_node_from_consistent_hash.
func (r *Registry) RemoveNodeFromConsistentHash(node *meta.Node, role meta.Role, group meta.RoleGroup) {
	ring := r.ringFor(role, group)
	if ring == nil {
		return
	}
	ring.Remove(node.Name, r.cfg.VnodeCount)
}

// GetNodeFromConsistentHash mirrors get_node_from_consistent_hash: the
// same lookup drives both query routing (by request fingerprint) and
// compaction sharding (by file path).
func (r *Registry) GetNodeFromConsistentHash(key string, role meta.Role, group meta.RoleGroup) (string, bool) {
	ring := r.ringFor(role, group)
	if ring == nil {
		return "", false
	}
	return ring.Lookup(key)
}

// GetNodeFromConsistentHashExcluding retries against the ring
// successor when the first-chosen executor is offline at dispatch
// time.
func (r *Registry) GetNodeFromConsistentHashExcluding(key string, role meta.Role, group meta.RoleGroup, excluded map[string]bool) (string, bool) {
	ring := r.ringFor(role, group)
	if ring == nil {
		return "", false
	}
	return ring.LookupExcluding(key, excluded)
}

// RegisterAndKeepAlive acquires the global register lock, assigns the
// smallest unused integer id, inserts a Prepare node with a lease, and
// starts the watcher and keepalive goroutines. In local mode it
// installs a single All-role node into every ring and skips watchers
// entirely, per the local-mode override.
func (r *Registry) RegisterAndKeepAlive(ctx context.Context) (*meta.Node, error) {
	if r.cfg.LocalMode {
		node := &meta.Node{
			UUID:      uuid.NewString(),
			Name:      "local",
			HTTPAddr:  r.cfg.SelfHTTPAddr,
			Roles:     []meta.Role{meta.RoleAll},
			RoleGroup: meta.RoleGroupInteractive,
			Status:    meta.NodeStatusOnline,
			Scheduled: true,
		}
		r.mu.Lock()
		r.nodes[node.UUID] = node
		r.mu.Unlock()
		r.AddNodeToConsistentHash(node, meta.RoleQuerier, meta.RoleGroupInteractive)
		r.AddNodeToConsistentHash(node, meta.RoleQuerier, meta.RoleGroupBackground)
		r.AddNodeToConsistentHash(node, meta.RoleCompactor, "")
		r.AddNodeToConsistentHash(node, meta.RoleFlattenCompactor, "")
		r.self = node
		return node, nil
	}

	var assigned *meta.Node
	err := r.store.CompareAndUpdate(ctx, registerLockKey, 0, func(current []byte) ([]byte, *kvstore.Entry, error) {
		entries, listErr := r.store.List(ctx, nodesPrefix)
		if listErr != nil {
			return nil, nil, fmt.Errorf("cluster: list existing nodes: %w", listErr)
		}
		used := make(map[int64]bool, len(entries))
		for _, e := range entries {
			if n, decErr := decodeNode(e.Value); decErr == nil {
				used[n.ID] = true
			}
		}
		var id int64 = 1
		for used[id] {
			id++
		}

		assigned = &meta.Node{
			UUID:        uuid.NewString(),
			ID:          id,
			Name:        r.cfg.SelfHTTPAddr,
			HTTPAddr:    r.cfg.SelfHTTPAddr,
			Roles:       r.cfg.SelfRoles,
			RoleGroup:   r.cfg.SelfRoleGroup,
			Status:      meta.NodeStatusPrepare,
			Scheduled:   false,
			LeaseExpiry: time.Now().Add(r.cfg.HeartbeatTTL),
		}
		return nil, &kvstore.Entry{
			Module:  "nodes",
			Key1:    assigned.UUID,
			Key2:    "",
			StartDt: time.Now().UnixMicro(),
			Value:   encodeNode(assigned),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: register: %w", err)
	}

	r.self = assigned
	go r.keepAliveLoop(ctx, assigned)
	go r.watchLoop(ctx)
	go r.healthProbeLoop(ctx)
	return assigned, nil
}

func idFromKey2(key2 string) int64 {
	var id int64
	fmt.Sscanf(key2, "%d", &id)
	return id
}

// SetOnline transitions the local node to Online and publishes it.
func (r *Registry) SetOnline(ctx context.Context) error {
	if r.self == nil {
		return fmt.Errorf("cluster: register before calling SetOnline")
	}
	r.self.Status = meta.NodeStatusOnline
	r.self.Scheduled = true
	return r.publishSelf(ctx)
}

// SetOffline transitions the local node to Offline and publishes it
// so other nodes' watchers evict it from their rings immediately
// instead of waiting on the health probe.
func (r *Registry) SetOffline(ctx context.Context) error {
	if r.self == nil {
		return nil
	}
	r.self.Status = meta.NodeStatusOffline
	return r.publishSelf(ctx)
}

func (r *Registry) publishSelf(ctx context.Context) error {
	key := kvstore.Key("nodes", r.self.UUID, "")
	if err := r.store.Put(ctx, key, encodeNode(r.self), time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("cluster: publish self: %w", err)
	}
	return r.coord.Publish(ctx, kvstore.Event{Kind: kvstore.EventPut, Key: key})
}

func (r *Registry) keepAliveLoop(ctx context.Context, node *meta.Node) {
	ticker := time.NewTicker(r.cfg.HeartbeatTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node.LeaseExpiry = time.Now().Add(r.cfg.HeartbeatTTL)
			if err := r.publishSelf(ctx); err != nil {
				r.log.WithError(err).Warn("keepalive publish failed")
			}
		}
	}
}

// watchLoop consumes Coordinator.Watch("/nodes/") and reconciles the
// in-memory map and rings, reconnecting with exponential backoff on
// stream closure the way coordinator/coordinator.go's connectionLoop
// does.
func (r *Registry) watchLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := r.coord.Watch(ctx, nodesPrefix)
		if err != nil {
			r.log.WithError(err).Warn("watch nodes failed, retrying")
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if err := r.bootstrap(ctx); err != nil {
			r.log.WithError(err).Warn("bootstrap from store failed")
		}

		for ev := range events {
			r.handleEvent(ctx, ev)
		}
		// channel closed: loop back and reconnect.
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (r *Registry) bootstrap(ctx context.Context) error {
	values, err := r.store.ListValues(ctx, nodesPrefix)
	if err != nil {
		return err
	}
	for _, v := range values {
		node, err := decodeNode(v)
		if err != nil {
			continue
		}
		r.applyNode(node)
	}
	return nil
}

func (r *Registry) handleEvent(ctx context.Context, ev kvstore.Event) {
	switch ev.Kind {
	case kvstore.EventDelete:
		r.removeByKey(ev.Key)
	case kvstore.EventPut, kvstore.EventEmpty:
		// A Put event's body may be empty —
		// re-read from the authoritative store.
		raw, err := r.store.Get(ctx, ev.Key)
		if err != nil {
			r.removeByKey(ev.Key)
			return
		}
		node, err := decodeNode(raw)
		if err != nil {
			return
		}
		if node.Status == meta.NodeStatusOffline {
			r.applyOffline(node)
			return
		}
		r.applyNode(node)
	}
}

// applyNode tolerates duplicate Puts by checksumming node content
// before touching the rings.
func (r *Registry) applyNode(node *meta.Node) {
	r.mu.Lock()
	existing, ok := r.nodes[node.UUID]
	sameContent := ok && existing.Checksum() == node.Checksum()
	r.nodes[node.UUID] = node
	r.mu.Unlock()

	if sameContent {
		return
	}
	if ok {
		r.removeFromRings(existing)
	}
	r.addToRings(node)
}

func (r *Registry) applyOffline(node *meta.Node) {
	r.mu.Lock()
	existing, ok := r.nodes[node.UUID]
	delete(r.nodes, node.UUID)
	r.mu.Unlock()
	if ok {
		r.removeFromRings(existing)
	}
}

func (r *Registry) removeByKey(key string) {
	_, uid, _ := kvstore.SplitKey(key)
	r.mu.Lock()
	existing, ok := r.nodes[uid]
	delete(r.nodes, uid)
	r.mu.Unlock()
	if ok {
		r.removeFromRings(existing)
	}
}

func (r *Registry) addToRings(node *meta.Node) {
	if node.HasRole(meta.RoleQuerier) {
		r.AddNodeToConsistentHash(node, meta.RoleQuerier, meta.RoleGroupInteractive)
		r.AddNodeToConsistentHash(node, meta.RoleQuerier, meta.RoleGroupBackground)
	}
	if node.HasRole(meta.RoleCompactor) {
		r.AddNodeToConsistentHash(node, meta.RoleCompactor, "")
	}
	if node.HasRole(meta.RoleFlattenCompactor) {
		r.AddNodeToConsistentHash(node, meta.RoleFlattenCompactor, "")
	}
}

func (r *Registry) removeFromRings(node *meta.Node) {
	if node.HasRole(meta.RoleQuerier) {
		r.RemoveNodeFromConsistentHash(node, meta.RoleQuerier, meta.RoleGroupInteractive)
		r.RemoveNodeFromConsistentHash(node, meta.RoleQuerier, meta.RoleGroupBackground)
	}
	if node.HasRole(meta.RoleCompactor) {
		r.RemoveNodeFromConsistentHash(node, meta.RoleCompactor, "")
	}
	if node.HasRole(meta.RoleFlattenCompactor) {
		r.RemoveNodeFromConsistentHash(node, meta.RoleFlattenCompactor, "")
	}
}

// GetCachedNodes returns every cached node matching predicate.
func (r *Registry) GetCachedNodes(predicate func(*meta.Node) bool) []*meta.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*meta.Node
	for _, n := range r.nodes {
		if predicate(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (r *Registry) GetCachedOnlineQueryNodes(group meta.RoleGroup) []*meta.Node {
	return r.GetCachedNodes(func(n *meta.Node) bool {
		return n.Status == meta.NodeStatusOnline && n.HasRole(meta.RoleQuerier) && (group == "" || n.RoleGroup == group)
	})
}

func (r *Registry) GetCachedOnlineIngesterNodes() []*meta.Node {
	return r.GetCachedNodes(func(n *meta.Node) bool {
		return n.Status == meta.NodeStatusOnline && n.HasRole(meta.RoleIngester)
	})
}

// healthProbeLoop, probeOnce and probeHTTP live in health.go.
