// Package api exposes the loom engine over HTTP: a REST surface under
// /api/v1 for workflow commands and queries, a WebSocket endpoint that
// streams live events through the broker, and health/metrics endpoints
// for operators.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/stream"
)

// Server serves the loom HTTP API.
type Server struct {
	eng    *engine.Engine
	broker *stream.Broker
	logger *slog.Logger

	metricsHandler http.Handler

	rateLimit rate.Limit
	rateBurst int
	limiters  sync.Map // client IP → *rate.Limiter

	corsEnabled bool
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts the given handler at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithRateLimit enables per-client request limiting. Clients over the
// limit receive 429.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// WithCORS enables permissive CORS headers, including for the
// WebSocket upgrade.
func WithCORS() Option {
	return func(s *Server) { s.corsEnabled = true }
}

// New creates an API server around an engine and a stream broker.
func New(eng *engine.Engine, broker *stream.Broker, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{eng: eng, broker: broker, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully assembled http.Handler with all routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	if s.corsEnabled {
		cfg := cors.DefaultConfig()
		cfg.AllowAllOrigins = true
		cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		cfg.AllowWebSockets = true
		r.Use(cors.New(cfg))
	}
	if s.rateLimit > 0 {
		r.Use(s.rateLimitMiddleware())
	}

	r.GET("/health", s.health)
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/workflows", s.createWorkflow)
		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.PUT("/workflows/:id", s.updateWorkflow)
		v1.DELETE("/workflows/:id", s.cancelWorkflow)
		v1.GET("/workflows/:id/events", s.workflowEvents)
		v1.POST("/workflows/:id/dependencies", s.addDependency)
		v1.POST("/workflows/:id/coordination", s.registerSyncPoint)
		v1.POST("/workflows/:id/sync/:syncId/agent/:agentId", s.agentArrive)
		v1.POST("/workflows/:id/checkpoint", s.takeCheckpoint)
		v1.GET("/workflows/:id/checkpoints", s.listCheckpoints)
		v1.POST("/workflows/:id/compact", s.compactLog)
		v1.POST("/workflows/:id/recover", s.recoverWorkflow)
		v1.POST("/state/sync", s.syncState)
		v1.GET("/agents/:id/workflows", s.agentWorkflows)
		v1.GET("/stream", s.streamSocket)
	}

	return r
}

// rateLimitMiddleware applies a token-bucket limiter per client IP.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		val, _ := s.limiters.LoadOrStore(c.ClientIP(), rate.NewLimiter(s.rateLimit, s.rateBurst))
		lim := val.(*rate.Limiter) //nolint:errcheck // map only holds *rate.Limiter
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// health reports per-subsystem status; 503 when any subsystem is down.
func (s *Server) health(c *gin.Context) {
	h := s.eng.Health(c.Request.Context())
	resp := HealthResponse{
		Healthy:    h.Healthy,
		Subsystems: h.Subsystems,
	}
	if s.broker != nil {
		resp.Stream = s.broker.Stats()
		resp.Subsystems["stream_broker"] = "ok"
	}
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// respondError maps loom sentinel errors onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, loom.ErrValidation):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, loom.ErrWorkflowNotFound),
		errors.Is(err, loom.ErrStepNotFound),
		errors.Is(err, loom.ErrSyncPointNotFound),
		errors.Is(err, loom.ErrCheckpointNotFound):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, loom.ErrConflict):
		c.JSON(http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, loom.ErrIllegalTransition),
		errors.Is(err, loom.ErrRecoveryExhausted):
		c.JSON(http.StatusUnprocessableEntity, errorBody(err.Error()))
	default:
		s.logger.Error("request failed", slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}
