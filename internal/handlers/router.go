package handlers

import (
	"time"

	"careline/internal/config"
	"careline/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps are the handlers and middleware inputs the HTTP surface needs.
type RouterDeps struct {
	Chat      *ChatHandler
	Analytics *AnalyticsHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler
	Limiter   middleware.Limiter
	Logger    *logrus.Logger
}

// NewRouter assembles the engine. Dashboard reads sit behind the JWT guard;
// chat and widget captures are public and rate limited.
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Security.CORS.Enabled {
		r.Use(cors.New(corsConfig(cfg.Security.CORS)))
	}
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(firstNonEmpty(cfg.Monitoring.Tracing.ServiceName, "careline")))
	}

	if deps.Health != nil {
		r.GET("/health", deps.Health.Health)
		r.GET("/ready", deps.Health.Ready)
		r.GET("/metrics", deps.Health.Metrics)
	}

	if deps.WebSocket != nil {
		r.GET("/ws", deps.WebSocket.HandleWebSocket)
		r.GET("/ws/chat", deps.WebSocket.HandleWebSocket)
		r.GET("/api/ws/stats", deps.WebSocket.GetStats)
	}

	public := r.Group("/")
	public.Use(middleware.RateLimitMiddleware(cfg, deps.Limiter, deps.Logger))
	if deps.Chat != nil {
		public.POST("/query", deps.Chat.Query)
	}
	if deps.Analytics != nil {
		RegisterCaptureRoutes(public, deps.Analytics)

		dashboard := r.Group("/")
		dashboard.Use(middleware.AuthMiddleware(cfg))
		RegisterAnalyticsReadRoutes(dashboard, deps.Analytics)
	}

	return r
}

func corsConfig(c config.CORSConfig) cors.Config {
	out := cors.Config{
		AllowMethods:     c.AllowedMethods,
		AllowHeaders:     c.AllowedHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}
	if len(out.AllowMethods) == 0 {
		out.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(out.AllowHeaders) == 0 {
		out.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			out.AllowAllOrigins = true
			return out
		}
	}
	if len(c.AllowedOrigins) == 0 {
		out.AllowAllOrigins = true
		return out
	}
	out.AllowOrigins = c.AllowedOrigins
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
