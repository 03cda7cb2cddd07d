package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/obscore/obscore/meta"
	"github.com/obscore/obscore/query"
	"github.com/obscore/obscore/resultcache"
	"github.com/obscore/obscore/statemanager"
)

// server holds the handlers' shared collaborators.
type server struct {
	cache *query.CancelRegistry
	pipe  *query.Pipeline
	ops   *statemanager.Manager
	log   *logrus.Entry
	limit int
}

// searchRequest is the JSON body accepted by both the buffered and
// streaming search endpoints.
type searchRequest struct {
	StreamType         meta.StreamType `json:"stream_type"`
	Stream             string          `json:"stream"`
	SQL                string          `json:"sql"`
	VRL                string          `json:"vrl"`
	ActionID           string          `json:"action_id"`
	Regions            []string        `json:"regions"`
	Clusters           []string        `json:"clusters"`
	TraceID            string          `json:"trace_id"`
	StartTime          int64           `json:"start_time"`
	EndTime            int64           `json:"end_time"`
	Size               int64           `json:"size"`
	Limit              int64           `json:"limit"`
	TSColumn           string          `json:"ts_column"`
	IsDescending       bool            `json:"is_descending"`
	IsAggregate        bool            `json:"is_aggregate"`
	IsDashboard        bool            `json:"is_dashboard"`
	IsAlert            bool            `json:"is_alert"`
	IsBackground       bool            `json:"is_background"`
	StreamingAggs      bool            `json:"streaming_aggs"`
	MaxQueryRangeHours int             `json:"max_query_range_hours"`
}

func (sr *searchRequest) toQueryRequest(org string) *query.Request {
	return &query.Request{
		Org:                org,
		StreamType:         sr.StreamType,
		TraceID:            sr.TraceID,
		StartTime:          sr.StartTime,
		EndTime:            sr.EndTime,
		Size:               sr.Size,
		IsDashboard:        sr.IsDashboard,
		IsAlert:            sr.IsAlert,
		IsBackground:       sr.IsBackground,
		StreamingAggs:      sr.StreamingAggs,
		MaxQueryRangeHours: sr.MaxQueryRangeHours,
	}
}

func (sr *searchRequest) toCacheRequest(org string) *resultcache.Request {
	return &resultcache.Request{
		Org:          org,
		StreamType:   sr.StreamType,
		Stream:       sr.Stream,
		SQL:          sr.SQL,
		VRL:          sr.VRL,
		ActionID:     sr.ActionID,
		Regions:      sr.Regions,
		Clusters:     sr.Clusters,
		StartTime:    sr.StartTime,
		EndTime:      sr.EndTime,
		Limit:        sr.Limit,
		IsAggregate:  sr.IsAggregate,
		TSColumn:     sr.TSColumn,
		IsDescending: sr.IsDescending,
	}
}

func (s *server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearch runs a query to completion and returns every partition
// concatenated, for callers that don't want to speak the streaming
// protocol.
func (s *server) handleSearch(c echo.Context) error {
	org := c.Param("org")
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.TraceID != "" {
		s.cache.Register(req.TraceID)
		defer s.cache.Forget(req.TraceID)
	}

	ch, err := s.pipe.Execute(c.Request().Context(), req.toQueryRequest(org), req.toCacheRequest(org))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var hits []meta.Hit
	for part := range ch {
		if part.Err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": part.Err.Error()})
		}
		hits = append(hits, part.Response.Hits...)
	}
	return c.JSON(http.StatusOK, map[string]any{"hits": hits})
}

// handleSearchWS upgrades to a WebSocket and writes each partition's
// PartialResult as its own JSON frame as soon as the pipeline produces
// it, the transport-level shape of the server-to-client streaming
// channel.
func (s *server) handleSearchWS(c echo.Context) error {
	org := c.Param("org")
	var req searchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if req.TraceID != "" {
		s.cache.Register(req.TraceID)
		defer s.cache.Forget(req.TraceID)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ch, err := s.pipe.Execute(ctx, req.toQueryRequest(org), req.toCacheRequest(org))
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return nil
	}

	for part := range ch {
		if err := conn.WriteJSON(part); err != nil {
			s.cache.Cancel(req.TraceID)
			return nil
		}
	}
	return nil
}

func (s *server) handleCancel(c echo.Context) error {
	traceID := c.Param("trace_id")
	ok := s.cache.Cancel(traceID)
	return c.JSON(http.StatusOK, map[string]bool{"is_success": ok})
}
