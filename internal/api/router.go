package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"msgflow/internal/config"
	"msgflow/internal/logger"
	"msgflow/pkg/health"
	"msgflow/pkg/middleware"
	"msgflow/pkg/ratelimit"
	"msgflow/pkg/tracing"
)

type RouterOptions struct {
	ServiceName string
	Tracing     bool
	RateLimit   config.RateLimitConfig
	Health      *health.CheckerRegistry

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Swagger mounts the generated API docs under /swagger.
	Swagger bool
}

// NewRouter builds the gin engine with the standard middleware chain. ctx
// bounds background work such as rate-limiter eviction.
func NewRouter(ctx context.Context, h *Handler, opts RouterOptions, log logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if opts.Tracing {
		router.Use(tracing.GinMiddleware(opts.ServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(log))

	if opts.RateLimit.Enabled {
		rateLimitConfig := ratelimit.DefaultConfig()
		if opts.RateLimit.RPS > 0 {
			rateLimitConfig.RPS = opts.RateLimit.RPS
		}
		if opts.RateLimit.Burst > 0 {
			rateLimitConfig.Burst = opts.RateLimit.Burst
		}
		if opts.RateLimit.CleanupInterval > 0 {
			rateLimitConfig.CleanupInterval = time.Duration(opts.RateLimit.CleanupInterval) * time.Second
		}
		if opts.RateLimit.MaxAge > 0 {
			rateLimitConfig.MaxAge = time.Duration(opts.RateLimit.MaxAge) * time.Second
		}
		router.Use(ratelimit.RateLimitMiddleware(ctx, rateLimitConfig))
		log.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	h.RegisterRoutes(router)

	registry := opts.Health
	if registry == nil {
		registry = health.NewCheckerRegistry()
	}
	router.GET("/health", func(c *gin.Context) {
		result := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if result.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, result)
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if opts.Swagger {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return router
}
