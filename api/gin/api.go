// Package padsigngin hosts the websocket entry points and the admin REST
// surface on a gin router.
package padsigngin

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/padsign/padsign/dispatch"
	"github.com/padsign/padsign/domain"
	"github.com/padsign/padsign/internal/auth"
	"github.com/padsign/padsign/orchestrator"
	"github.com/padsign/padsign/registry"
	"github.com/padsign/padsign/resilience"
)

// API bundles the handlers' collaborators.
type API struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	wrapper    *resilience.Wrapper
	orch       *orchestrator.Orchestrator
	finalizer  *orchestrator.Finalizer
	devices    domain.DeviceRepository
	hasher     auth.APIKeyHasher
	validator  domain.CredentialValidator
	promReg    *prometheus.Registry

	upgrader websocket.Upgrader
}

// NewAPI creates the HTTP/websocket API.
func NewAPI(
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	wrapper *resilience.Wrapper,
	orch *orchestrator.Orchestrator,
	finalizer *orchestrator.Finalizer,
	devices domain.DeviceRepository,
	hasher auth.APIKeyHasher,
	validator domain.CredentialValidator,
	promReg *prometheus.Registry,
) *API {
	return &API{
		registry:   reg,
		dispatcher: dispatcher,
		wrapper:    wrapper,
		orch:       orch,
		finalizer:  finalizer,
		devices:    devices,
		hasher:     hasher,
		validator:  validator,
		promReg:    promReg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tablets and workstations are native clients, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts all routes on the router.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{})))

	ws := router.Group("/ws")
	{
		ws.GET("/tablet/:deviceId", a.handleTabletWS)
		ws.GET("/workstation/:workstationId", a.handleWorkstationWS)
	}

	admin := router.Group("/api/v1", a.authMiddleware())
	{
		admin.POST("/sessions", a.handleCreateSession)
		admin.GET("/sessions", a.handleListSessions)
		admin.GET("/sessions/:sessionId", a.handleGetSession)
		admin.POST("/sessions/:sessionId/cancel", a.handleCancelSession)
		admin.POST("/sessions/:sessionId/finalize", a.handleFinalizeSession)

		admin.POST("/devices", a.handlePairDevice)
		admin.GET("/devices", a.handleListDevices)
		admin.DELETE("/devices/:deviceId", a.handleDeactivateDevice)

		admin.GET("/connections", a.handleListConnections)
		admin.POST("/connections/:deviceId/disconnect", a.handleDisconnectDevice)
		admin.POST("/connections/:deviceId/ping", a.handlePingDevice)
		admin.POST("/broadcast", a.handleBroadcast)
	}
}

func (a *API) handleHealthz(c *gin.Context) {
	tablets, workstations := a.registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"tablets":      tablets,
		"workstations": workstations,
	})
}
