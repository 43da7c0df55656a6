// Package server provides embeddable HTTP handlers for inspecting and
// driving the fleet manager.
//
// Endpoints:
//
//	GET  {basePath}/status               in-memory snapshot of all groups
//	GET  {basePath}/report?group=...     disk-derived RUNNING/STOPPED/GHOST report
//	POST {basePath}/scale                body: {"group":"owner-repo","count":N}
//	POST {basePath}/ghosts/purge?group=  purge stale pidfiles
//	GET  {basePath}/metrics              prometheus metrics
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runfleet/runfleet/internal/fleet"
	"github.com/runfleet/runfleet/internal/metrics"
)

// Router wraps a fleet.Manager with HTTP handlers.
type Router struct {
	mgr      *fleet.Manager
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/status, /api/scale, ...
func NewRouter(mgr *fleet.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/report", r.handleReport)
	group.POST("/scale", r.handleScale)
	group.POST("/ghosts/purge", r.handlePurgeGhosts)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.mgr.Status())
}

func (r *Router) handleReport(c *gin.Context) {
	key := c.Query("group")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group is required"})
		return
	}
	entries, err := r.mgr.Report(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": key, "runners": entries})
}

type scaleRequest struct {
	Group string `json:"group" binding:"required"`
	Count *int   `json:"count" binding:"required"`
}

func (r *Router) handleScale(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.mgr.Scale(c.Request.Context(), req.Group, *req.Count); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": req.Group, "target": *req.Count})
}

func (r *Router) handlePurgeGhosts(c *gin.Context) {
	key := c.Query("group")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group is required"})
		return
	}
	ghosts, err := r.mgr.PurgeGhosts(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": key, "purged": len(ghosts), "ghosts": ghosts})
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *fleet.Manager) *http.Server {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}
