package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dkeye/wigma-ws/internal/adapters/signal"
	"github.com/dkeye/wigma-ws/internal/app/orch"
	"github.com/dkeye/wigma-ws/internal/config"
	"github.com/dkeye/wigma-ws/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AdminAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token leaves the admin API open.
func AdminAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// JoinRateLimitMiddleware caps websocket upgrades per client address.
func JoinRateLimitMiddleware(rl *signal.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			log.Warn().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws upgrade rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController, rl *signal.RateLimiter) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws", JoinRateLimitMiddleware(rl), func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api", AdminAuthMiddleware(cfg.AdminToken))

	// GET /api/rooms: list rooms
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	// GET /api/rooms/:id: room info with members
	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.ProjectID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"projectId": room.ID(),
			"peers":     room.PeerCount(),
			"members":   room.MembersSnapshot(),
		})
	})

	// DELETE /api/rooms/:id: disconnect every peer and drop the room
	api.DELETE("/rooms/:id", func(c *gin.Context) {
		n, ok, err := o.Evict(c.Request.Context(), domain.ProjectID(c.Param("id")))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("project", c.Param("id")).Int("closed", n).Msg("room evicted via api")
		c.JSON(http.StatusOK, gin.H{"closed": n})
	})

	// GET /api/stats: runtime counters
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Stats())
	})

	log.Info().Str("module", "adapters.http").Bool("admin_auth", cfg.AdminToken != "").Msg("router setup")
	return r
}
