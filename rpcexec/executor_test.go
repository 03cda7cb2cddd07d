package rpcexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obscore/obscore/meta"
)

func TestExecutor_Execute_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req deltaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(10), req.Delta.Start)
		_ = json.NewEncoder(w).Encode(meta.CachedQueryResponse{Total: 3})
	}))
	defer srv.Close()

	e := New(time.Second, "")
	resp, err := e.Execute(context.Background(), srv.URL, meta.QueryDelta{Start: 10, End: 20})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
}

func TestExecutor_Execute_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(time.Second, "")
	_, err := e.Execute(context.Background(), srv.URL, meta.QueryDelta{})
	assert.Error(t, err)
}
