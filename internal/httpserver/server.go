// Package httpserver exposes the grid, the request cycle and detection
// history over a JSON HTTP API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/gridfinder/internal/cycle"
	"github.com/tinytelemetry/gridfinder/internal/grid"
	"github.com/tinytelemetry/gridfinder/internal/model"
)

const (
	defaultAddr            = "0.0.0.0:3000"
	defaultDetectionsLimit = 100
	maxDetectionsLimit     = 1000
)

// Deps are the collaborators the API reads from and drives.
type Deps struct {
	Store           model.ReadAPI
	Grid            model.GridControl
	Cycle           model.CycleControl
	DefaultInterval time.Duration
}

// Server provides the gridfinder HTTP API.
type Server struct {
	addr      string
	deps      Deps
	engine    *gin.Engine
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer builds the router. Call Start to listen.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	if deps.DefaultInterval <= 0 {
		deps.DefaultInterval = model.DefaultRequestInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/grid", s.handleGrid)
	api.POST("/grid/reset", s.handleGridReset)
	api.GET("/cycle", s.handleCycle)
	api.POST("/cycle/start", s.handleCycleStart)
	api.POST("/cycle/stop", s.handleCycleStop)
	api.GET("/activity", s.handleActivity)
	api.POST("/target", s.handleTarget)
	api.GET("/targets", s.handleTargets)
	api.GET("/targets/:target/cells", s.handleFoundCells)
	api.GET("/detections", s.handleDetections)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.addr, err)
	}
	s.startTime = time.Now()

	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	total, err := s.deps.Store.TotalDetections("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).String(),
		"detection_count": total,
		"cycle_state":     s.deps.Cycle.Status().State,
	})
}

func (s *Server) handleGrid(c *gin.Context) {
	c.JSON(http.StatusOK, gridView(s.deps.Grid.Snapshot()))
}

func (s *Server) handleGridReset(c *gin.Context) {
	s.deps.Grid.Reset()
	c.JSON(http.StatusOK, gridView(s.deps.Grid.Snapshot()))
}

func (s *Server) handleCycle(c *gin.Context) {
	c.JSON(http.StatusOK, cycleView(s.deps.Cycle.Status()))
}

func (s *Server) handleCycleStart(c *gin.Context) {
	var req struct {
		Target   string `json:"target"`
		Interval string `json:"interval"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	interval := s.deps.DefaultInterval
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid interval %q", req.Interval)})
			return
		}
		interval = d
	}

	if err := cycle.StartRegistered(s.deps.Cycle, req.Target, interval); err != nil {
		c.JSON(controlErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cycleView(s.deps.Cycle.Status()))
}

func (s *Server) handleCycleStop(c *gin.Context) {
	s.deps.Cycle.Stop()
	c.JSON(http.StatusOK, cycleView(s.deps.Cycle.Status()))
}

func (s *Server) handleTarget(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing target field"})
		return
	}
	if err := s.deps.Cycle.SetTarget(req.Target); err != nil {
		c.JSON(controlErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": req.Target})
}

func (s *Server) handleActivity(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50, maxDetectionsLimit)
	if !ok {
		return
	}
	entries := s.deps.Cycle.Activity(limit)
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"at": e.At, "kind": e.Kind, "message": e.Message})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

func (s *Server) handleTargets(c *gin.Context) {
	summaries, err := s.deps.Store.TargetSummaries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read target summaries"})
		return
	}
	out := make([]gin.H, 0, len(summaries))
	for _, ts := range summaries {
		item := gin.H{
			"target":          ts.Target,
			"found_count":     ts.FoundCount,
			"not_found_count": ts.NotFoundCount,
			"last_seen":       ts.LastSeen,
		}
		if ts.LastFound != nil {
			item["last_found"] = gin.H{"x": ts.LastFound.X, "y": ts.LastFound.Y}
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"targets": out})
}

// handleFoundCells lists the distinct cells a target was found in, since an
// optional RFC3339 cutoff.
func (s *Server) handleFoundCells(c *gin.Context) {
	target := c.Param("target")
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return
		}
		since = t
	}
	cells, err := s.deps.Store.FoundCells(target, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read found cells"})
		return
	}
	out := make([]gin.H, 0, len(cells))
	for _, cell := range cells {
		out = append(out, gin.H{"x": cell.X, "y": cell.Y})
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "cells": out, "count": len(out)})
}

func (s *Server) handleDetections(c *gin.Context) {
	limit, ok := intQuery(c, "limit", defaultDetectionsLimit, maxDetectionsLimit)
	if !ok {
		return
	}
	records, err := s.deps.Store.RecentDetections(limit, c.Query("target"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read detections"})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, detectionView(r))
	}
	c.JSON(http.StatusOK, gin.H{"detections": out, "count": len(out)})
}

func (s *Server) handleSchema(c *gin.Context) {
	columns, err := s.deps.Store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	tables := make(map[string][]map[string]string)
	for _, row := range columns {
		name := fmt.Sprintf("%v", row["table_name"])
		tables[name] = append(tables[name], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.deps.Store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": s.deps.Store.GetSchemaDescription(),
		"tables":      tables,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	rows, err := s.deps.Store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(rows) > 0 {
		for col := range rows[0] {
			columns = append(columns, col)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      rows,
		"row_count": len(rows),
	})
}

// intQuery reads a positive integer query parameter capped at ceiling. It
// writes a 400 and returns false when the value is malformed.
func intQuery(c *gin.Context, key string, def, ceiling int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be a positive integer", key)})
		return 0, false
	}
	return min(n, ceiling), true
}

func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, cycle.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, cycle.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func gridView(snap model.GridSnapshot) gin.H {
	rows := make([][]string, len(snap.Cells))
	for y, row := range snap.Cells {
		rows[y] = make([]string, len(row))
		for x, cell := range row {
			rows[y][x] = cell.String()
		}
	}
	return gin.H{
		"width":     snap.Width,
		"height":    snap.Height,
		"version":   snap.Version,
		"found":     snap.Count(model.CellFound),
		"not_found": snap.Count(model.CellNotFound),
		"cells":     rows,
		"text":      grid.Format(snap),
	}
}

func cycleView(st model.CycleStatus) gin.H {
	out := gin.H{
		"state":       st.State,
		"target":      st.Target,
		"interval":    st.Interval.String(),
		"outstanding": st.Outstanding,
		"stats": gin.H{
			"sent":            st.Stats.Sent,
			"responses":       st.Stats.Responses,
			"timeouts":        st.Stats.Timeouts,
			"transport_fails": st.Stats.TransportFails,
			"skipped_ticks":   st.Stats.SkippedTicks,
			"parse_failures":  st.Stats.ParseFailures,
			"decode_failures": st.Stats.DecodeFailures,
			"last_round_trip": st.Stats.LastRoundTrip.String(),
		},
	}
	if st.Outstanding {
		out["session_id"] = st.SessionID
		out["issued_at"] = st.IssuedAt
	}
	if !st.StartedAt.IsZero() {
		out["started_at"] = st.StartedAt
	}
	return out
}

func detectionView(r model.DetectionRecord) gin.H {
	out := gin.H{
		"event_id":    r.EventID,
		"target":      r.Target,
		"is_found":    r.IsFound,
		"location":    r.Location,
		"time":        r.Time,
		"session_id":  r.SessionID,
		"received_at": r.ReceivedAt,
	}
	if !r.ObservedAt.IsZero() {
		out["observed_at"] = r.ObservedAt
	}
	if r.Located {
		out["x"] = r.X
		out["y"] = r.Y
	}
	return out
}
