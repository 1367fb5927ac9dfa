package syncserver

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig carries what the router needs from the application config.
type RouterConfig struct {
	AuthToken    string
	RateLimitRPS float64
}

func NewRouter(cfg RouterConfig, h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(h.log))
	if cfg.RateLimitRPS > 0 {
		r.Use(RateLimit(cfg.RateLimitRPS, int(cfg.RateLimitRPS)*2))
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "Content-Encoding", "X-Device-ID", "X-Device-Name"},
	}))

	r.GET("/health", h.Health)

	authed := r.Group("/")
	authed.Use(Auth(cfg.AuthToken))
	{
		authed.POST("/sync/push", h.Push)
		authed.GET("/sync/pull", h.Pull)
		// Wildcard because refs contain slashes (e.g. "sha256/<digest>").
		authed.PUT("/sync/artifacts/*ref", h.PutArtifact)
		authed.GET("/sync/artifacts/*ref", h.GetArtifact)
		authed.POST("/backup/upload", h.UploadBackup)
		authed.GET("/peers", h.KnownPeers)
	}
	return r
}
