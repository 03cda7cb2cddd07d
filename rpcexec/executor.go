// Package rpcexec is the query.Executor that actually leaves the
// process: it posts a delta to a querier node's RPC address and
// decodes its response. The node-side execution (SQL parse, vectorized
// scan) is entirely opaque here, consumed only through this one
// request/response shape.
package rpcexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/obscore/obscore/meta"
)

// Executor dispatches query deltas to remote querier nodes over plain
// HTTP. No ecosystem RPC client in the dependency set fits a single
// point-to-point request/response this small, so this uses net/http
// directly rather than a generic client library.
type Executor struct {
	client *http.Client
	path   string
}

// New builds an Executor posting to <node-rpc-addr><path>.
func New(timeout time.Duration, path string) *Executor {
	if path == "" {
		path = "/internal/v1/execute"
	}
	return &Executor{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

type deltaRequest struct {
	Delta meta.QueryDelta `json:"delta"`
}

// Execute implements query.Executor.
func (e *Executor) Execute(ctx context.Context, node string, delta meta.QueryDelta) (meta.CachedQueryResponse, error) {
	body, err := json.Marshal(deltaRequest{Delta: delta})
	if err != nil {
		return meta.CachedQueryResponse{}, fmt.Errorf("rpcexec: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node+e.path, bytes.NewReader(body))
	if err != nil {
		return meta.CachedQueryResponse{}, fmt.Errorf("rpcexec: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return meta.CachedQueryResponse{}, fmt.Errorf("rpcexec: dispatch to %s: %w", node, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return meta.CachedQueryResponse{}, fmt.Errorf("rpcexec: %s returned %d", node, resp.StatusCode)
	}

	var out meta.CachedQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return meta.CachedQueryResponse{}, fmt.Errorf("rpcexec: decode response from %s: %w", node, err)
	}
	return out, nil
}
