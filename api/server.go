// Package api serves the REST channel: task submission, status,
// cancellation, and response routing for clients that cannot hold a
// WebSocket open (bots, webhooks, curl).
package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
)

// Server holds the REST handlers and their collaborators.
type Server struct {
	token         string
	version       string
	orch          *orchestrator.Orchestrator
	bus           *bus.Bus
	store         *session.Store
	settingsStore *settings.Store
}

func NewServer(token, version string, orch *orchestrator.Orchestrator, b *bus.Bus, store *session.Store, settingsStore *settings.Store) *Server {
	return &Server{
		token:         token,
		version:       version,
		orch:          orch,
		bus:           b,
		store:         store,
		settingsStore: settingsStore,
	}
}

// Register mounts all REST routes on the engine. /health and /metrics are
// unauthenticated; everything under /api requires the bearer token.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api", s.authMiddleware())
	api.POST("/tasks", s.handleTaskRun)
	api.GET("/tasks/:user", s.handleTaskStatus)
	api.POST("/tasks/:user/cancel", s.handleTaskCancel)
	api.POST("/responses/:requestId", s.handleRespond)
	api.GET("/history/:user", s.handleHistory)
	api.GET("/settings", s.handleSettingsGet)
	api.PUT("/settings", s.handleSettingsUpdate)
}

// NewEngine builds a gin engine with the middleware every channel shares.
func NewEngine(devMode bool) *gin.Engine {
	if !devMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	return engine
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}
