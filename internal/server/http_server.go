package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	padsigngin "github.com/padsign/padsign/api/gin"
	"github.com/padsign/padsign/config"
	"github.com/padsign/padsign/log"
)

// NewHTTPServer creates and configures the Gin HTTP server hosting the
// websocket endpoints and the admin REST surface.
func NewHTTPServer(cfg *config.ServerConfig, appLogger log.Logger, api *padsigngin.API) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// Request logging through our logger interface so trace ids get
	// attached.
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    latency.String(),
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			appLogger.Error(c.Request.Context(), c.Errors.String(), c.Errors.Last().Err, fields)
		} else {
			appLogger.Info(c.Request.Context(), "HTTP Request", fields)
		}
	})

	router.Use(otelgin.Middleware(cfg.OtelServiceName))

	api.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
		// No WriteTimeout: websocket connections outlive any sane request
		// deadline once hijacked.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return srv
}
