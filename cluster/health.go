package cluster

import (
	"context"
	"net/http"
	"time"

	"github.com/obscore/obscore/meta"
)

// healthProbeLoop runs at HeartbeatTTL/2, HTTP-GETs {http_addr}/healthz
// on every cached Online node other than self, and evicts a node once
// its failure counter reaches HealthFailTimes. Grounded on
// registry/registry.go's HealthCheck/HealthCheckAll (short-timeout
// net/http client, 2xx = healthy) but the eviction side effect here
// also unwinds the node from every consistent-hash ring it was a
// member of, which a file-backed service registry has no
// equivalent for.
func (r *Registry) healthProbeLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatTTL / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeOnce(ctx)
		}
	}
}

func (r *Registry) probeOnce(ctx context.Context) {
	nodes := r.GetCachedNodes(func(n *meta.Node) bool {
		return n.Status == meta.NodeStatusOnline && (r.self == nil || n.UUID != r.self.UUID)
	})
	for _, n := range nodes {
		ok := r.probeHTTP(ctx, n)
		r.mu.Lock()
		if ok {
			r.healthCounts[n.UUID] = 0
			r.mu.Unlock()
			continue
		}
		r.healthCounts[n.UUID]++
		failed := r.healthCounts[n.UUID]
		r.mu.Unlock()
		if failed >= r.cfg.HealthFailTimes {
			r.applyOffline(n)
			r.log.WithField("node", n.Name).Warn("evicted node after repeated health-check failures")
		}
	}
}

func (r *Registry) probeHTTP(ctx context.Context, n *meta.Node) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.HTTPAddr+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
