// Package api stellt den PID-Provider über HTTP bereit.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pid-provider/config"
	"pid-provider/services"
)

// Handler bündelt die Abhängigkeiten der Endpunkte.
type Handler struct {
	provider *services.Provider
	fetcher  *services.Fetcher
	logger   *zap.Logger
}

// NewRouter erstellt den gin-Router mit allen Routen.
func NewRouter(cfg *config.Config, provider *services.Provider, fetcher *services.Fetcher, tracer trace.Tracer, logger *zap.Logger) *gin.Engine {
	h := &Handler{provider: provider, fetcher: fetcher, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware(logger))
	if tracer != nil {
		router.Use(tracingMiddleware(tracer))
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", h.healthz)

	rg := router.Group("/pid_provider")
	rg.Use(bearerAuthMiddleware(cfg.Tokens()))
	rg.POST("/", h.register)
	rg.POST("/uri", h.registerByURI)
	rg.POST("/is-registered", h.isRegistered)
	rg.POST("/fix-pid-v2", h.fixPidV2)
	rg.GET("/:v3", h.get)
	rg.GET("/:v3/xml", h.xml)
	return router
}

func bearerAuthMiddleware(tokens []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if ok {
			for _, t := range tokens {
				if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid bearer token"})
	}
}

func requestIDMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func tracingMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
