// Package adminhttp is the small read-only operations surface (spec §8,
// added as ambient rather than user-facing): a health check plus session
// and memory counts, rendered both as JSON and as one templ-rendered HTML
// page. Routing style is adapted from the teacher's routes.go
// (RegisterRoutes on a *gin.Engine, one handler per concern).
package adminhttp

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/sessionstore"
)

// HealthView is the data rendered by both the JSON and HTML health
// endpoints.
type HealthView struct {
	Status         string
	ActiveSessions int
	MemoryRecords  int
	Uptime         string
}

// Server exposes the admin HTTP surface over a Session Store and LTM
// Store.
type Server struct {
	store     *sessionstore.Store
	memory    *ltm.Store
	startedAt time.Time
}

// New builds a Server. Call RegisterRoutes to attach it to a *gin.Engine.
func New(store *sessionstore.Store, memory *ltm.Store) *Server {
	return &Server{store: store, memory: memory, startedAt: time.Now()}
}

// RegisterRoutes registers the admin routes on the given gin.Engine.
// Routes: /admin/health, /admin/health.html
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/admin/health", s.handleHealthJSON)
	router.GET("/admin/health.html", s.handleHealthHTML)
}

func (s *Server) snapshot(ctx context.Context) HealthView {
	memoryCount, err := s.memory.Count(ctx)
	if err != nil {
		memoryCount = 0
	}
	return HealthView{
		Status:         "ok",
		ActiveSessions: len(s.store.AllSessions()),
		MemoryRecords:  int(memoryCount),
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
	}
}

func (s *Server) handleHealthJSON(c *gin.Context) {
	v := s.snapshot(c.Request.Context())
	c.JSON(200, gin.H{
		"status":          v.Status,
		"active_sessions": v.ActiveSessions,
		"memory_records":  v.MemoryRecords,
		"uptime":          v.Uptime,
	})
}

func (s *Server) handleHealthHTML(c *gin.Context) {
	v := s.snapshot(c.Request.Context())
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := healthPage(v).Render(c.Request.Context(), c.Writer); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
	}
}
