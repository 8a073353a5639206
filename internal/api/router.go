// Package api wires together all HTTP routes for the gateway.
//
// Route grouping philosophy:
//   - /v1/keys and /v1/connect* are unauthenticated by design: they are
//     how a caller obtains credentials in the first place. They are
//     throttled per client IP instead.
//   - /v1/webhook authenticates with the X-Api-Key header and is
//     throttled per key inside the dispatch pipeline, so one noisy
//     integration cannot starve the others.
//   - /metrics is deliberately absent: Prometheus metrics are served by
//     the side-channel server in cmd/server, never by this router.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/config"
	"github.com/clipgate/clipgate/internal/dispatch"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/middleware"
	"github.com/clipgate/clipgate/internal/signer"
	"github.com/clipgate/clipgate/internal/tiktok"
)

// Dependencies holds the constructed collaborators the router serves.
// cmd/server builds them once at startup and hands them here.
type Dependencies struct {
	Store      kv.Store
	Keys       *apikey.Registry
	Grants     GrantStore
	TikTok     *tiktok.Client
	Dispatcher *dispatch.Dispatcher
	URLSigner  *signer.Signer
	// Verifier is nil when media.verify_exists is disabled.
	Verifier ClipVerifier
	// IPLimiter is nil with the memory store; throttling is then off.
	IPLimiter *redis_rate.Limiter
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, deps *Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())

	keysHandler := NewKeysHandler(deps.Keys)
	connectHandler := NewConnectHandler(deps.Keys, deps.Grants, deps.TikTok)
	webhookHandler := NewWebhookHandler(deps.Dispatcher, deps.URLSigner, deps.Verifier)

	perMinute := 0
	if cfg.Security.RateLimiting.Enabled {
		perMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	ipLimit := middleware.IPRateLimitMiddleware(deps.IPLimiter, perMinute)

	v1 := router.Group("/v1")
	{
		v1.POST("/keys", ipLimit, keysHandler.IssueKey)
		v1.GET("/keys/self", keysHandler.DescribeKey)
		v1.GET("/connect", ipLimit, connectHandler.BeginConnect)
		v1.GET("/connect/callback", ipLimit, connectHandler.Callback)
		v1.POST("/webhook", webhookHandler.HandlePublish)
	}

	router.GET("/healthz", func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}
