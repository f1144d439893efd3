// Package statusapi is a read-only HTTP surface around the memory
// pipeline: health, store statistics, recency cache contents, and the
// effective configuration. It never mutates state; ingestion and search
// go through the MCP transport.
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/hyphae-dev/hyphae/internal/graph"
	"github.com/hyphae-dev/hyphae/internal/logging"
	"github.com/hyphae-dev/hyphae/internal/recency"
	"github.com/hyphae-dev/hyphae/internal/store"
	"github.com/hyphae-dev/hyphae/pkg/config"
)

// Server is the status HTTP server.
type Server struct {
	router     *gin.Engine
	cfg        *config.Config
	store      *store.Store
	graphStore *graph.Graph
	recency    *recency.Cache
	httpServer *http.Server
	startedAt  time.Time
	log        *logging.Logger
}

// NewServer builds the status server and wires its routes.
func NewServer(cfg *config.Config, s *store.Store, g *graph.Graph, rc *recency.Cache) *Server {
	log := logging.GetLogger("statusapi")

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.RestAPI.CORS {
		corsConfig := cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
			MaxAge:          12 * time.Hour,
		}
		router.Use(cors.New(corsConfig))
	}

	server := &Server{
		router:     router,
		cfg:        cfg,
		store:      s,
		graphStore: g,
		recency:    rc,
		startedAt:  time.Now(),
		log:        log,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.healthHandler)
		api.GET("/stats", s.statsHandler)
		api.GET("/recency", s.recencyHandler)
		api.GET("/config", s.configHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"status":         "healthy",
			"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		},
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	storeStats, err := s.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}

	data := gin.H{
		"memories": gin.H{
			"total":        storeStats.Total,
			"per_category": storeStats.PerCategory,
		},
	}

	if s.graphStore != nil {
		if graphStats, err := s.graphStore.Stats(); err == nil {
			edgesByType := graphStats.EdgesByType
			topConnected := make([]gin.H, 0, len(graphStats.TopConnected))
			for _, ref := range graphStats.TopConnected {
				topConnected = append(topConnected, gin.H{
					"record_id": ref.RecordID,
					"category":  ref.Category,
					"topic":     ref.Topic,
				})
			}
			data["graph"] = gin.H{
				"nodes":         graphStats.NodeCount,
				"edges":         graphStats.EdgeCount,
				"edges_by_type": edgesByType,
				"top_connected": topConnected,
			}
		} else {
			s.log.Warn("graph stats unavailable", "error", err)
		}
	}

	if s.recency != nil {
		data["recency"] = gin.H{
			"occupancy": s.recency.Len(),
			"capacity":  s.recency.Capacity(),
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (s *Server) recencyHandler(c *gin.Context) {
	if s.recency == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": []gin.H{}})
		return
	}

	slots := s.recency.Dump()
	out := make([]gin.H, 0, len(slots))
	for _, slot := range slots {
		out = append(out, gin.H{
			"record_id":   slot.RecordID,
			"category":    slot.Category,
			"topic":       slot.Topic,
			"content":     slot.Content,
			"inserted_at": slot.InsertedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

// configHandler exposes the non-sensitive slice of the effective config.
func (s *Server) configHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"profile":                   s.cfg.Profile,
			"recency_capacity":          s.cfg.Recency.Capacity,
			"rerank_default":            s.cfg.Rerank.Default,
			"graph_depth_default":       s.cfg.Graph.DefaultDepth,
			"high_similarity_threshold": s.cfg.Similarity.HighSimilarityThreshold,
			"ollama_enabled":            s.cfg.Ollama.Enabled,
			"qdrant_enabled":            s.cfg.Qdrant.Enabled,
		},
	})
}

// StartWithContext serves until the context is cancelled, then shuts
// down gracefully within shutdownTimeout.
func (s *Server) StartWithContext(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.RestAPI.Host, s.cfg.RestAPI.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("starting status API server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("server shutdown error", "error", err)
		return err
	}
	s.log.Info("status API server stopped")
	return nil
}

// Router returns the underlying Gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
