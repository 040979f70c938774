// Package api serves the device ingest and operator endpoints.
package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/httpmiddleware"
	"attendsync/internal/queue"
)

// LocalReader is the read side of the local store used by operator endpoints.
type LocalReader interface {
	CountByStatus(ctx context.Context) (map[attendance.SyncStatus]int, error)
	RecentCycleLogs(ctx context.Context, limit int) ([]attendance.CycleLog, error)
}

// CycleLogReader lists audit records, newest first.
type CycleLogReader interface {
	RecentCycleLogs(ctx context.Context, limit int) ([]attendance.CycleLog, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators of the router. Central may be nil when the central
// store is not configured.
type Deps struct {
	Local    LocalReader
	Central  CycleLogReader
	Queue    queue.Queue
	Signer   *auth.Signer
	Limiter  *httpmiddleware.SimpleTokenBucket
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
	Release  bool

	// AllowedOrigins lists browser origins for the operator dashboard. "*"
	// allows any origin without credentials; empty disables CORS.
	AllowedOrigins []string
}

type server struct {
	Deps
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(securityHeaders(d.Release))
	if len(d.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(d.AllowedOrigins))
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.POST("/devices/refresh", s.refreshDevice)

	limit := func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		limit = d.Limiter.GinMiddleware()
	}

	device := v1.Group("", auth.Authenticate(d.Signer, auth.RoleDevice), limit)
	device.POST("/captures", s.postCapture)

	ops := v1.Group("", auth.Authenticate(d.Signer, auth.RoleOperator), limit)
	ops.POST("/devices/register", s.registerDevice)
	ops.GET("/sync/logs", s.syncLogs)
	ops.GET("/events/summary", s.eventSummary)

	return r
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case slices.Contains(allowed, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		default:
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders(release bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		if release {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (s *server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]bool, len(s.Checks))
	for name, check := range s.Checks {
		ok := check(ctx)
		checks[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	label := "ok"
	if status != http.StatusOK {
		label = "degraded"
	}
	c.JSON(status, gin.H{"status": label, "checks": checks})
}
