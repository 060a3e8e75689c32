package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facegate/internal/auth"
)

// NewHTTPHandler assembles the gin engine: the websocket endpoint,
// system endpoints, and a small authenticated REST surface for
// monitoring integrations.
func NewHTTPHandler(r *Router, apiKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(LoggingMiddleware())
	e.Use(cors.Default())

	// Devices and operator consoles share the one websocket endpoint;
	// the first command on each connection decides its role.
	e.GET("/ws", r.HandleWS)

	// System endpoints (no auth)
	e.GET("/healthz", r.handleHealthz)
	e.GET("/readyz", r.handleReadyz)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Read-only REST surface (with auth)
	v1 := e.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(apiKey))
	v1.GET("/status", r.handleStatus)
	v1.GET("/devices", r.handleDevicesHTTP)

	return e
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports whether the store and the optional backends are
// reachable. A server with an unreachable store still serves cached
// gallery matches, but new enrollments and attendance will fail, so
// readiness goes red.
func (r *Router) handleReadyz(c *gin.Context) {
	ctx := c.Request.Context()
	failures := gin.H{}

	if err := r.repo.Ping(ctx); err != nil {
		failures["store"] = err.Error()
	}
	for name, check := range r.readyChecks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		failures["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, failures)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gallery_size": r.gal.Len(),
		"devices":      len(r.registry.DeviceSerials()),
		"operators":    r.registry.OperatorCount(),
	})
}

func (r *Router) handleDevicesHTTP(c *gin.Context) {
	serials := r.registry.DeviceSerials()
	if serials == nil {
		serials = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": serials})
}
