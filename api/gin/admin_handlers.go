package padsigngin

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/orchestrator"
	"github.com/padsign/padsign/protocol"
)

type createSessionRequest struct {
	WorkstationID string            `json:"workstation_id" binding:"required"`
	LocationID    string            `json:"location_id"`
	SignerName    string            `json:"signer_name"`
	Kind          string            `json:"kind" binding:"required,oneof=simple document"`
	Context       map[string]string `json:"context"`
	RecordID      string            `json:"record_id"`
}

// handleCreateSession creates a session and dispatches it to a tablet
// through the resilience wrapper. A degraded backend yields 503 with the
// persisted session id when creation got that far.
func (a *API) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	outcome, err := a.wrapper.CreateAndDispatch(c.Request.Context(), &orchestrator.CreateRequest{
		TenantID:      tenantID(c),
		LocationID:    req.LocationID,
		WorkstationID: req.WorkstationID,
		SignerName:    req.SignerName,
		Kind:          domain.SessionKind(req.Kind),
		Context:       req.Context,
		RecordID:      req.RecordID,
	})
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	if !outcome.Success {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      outcome.Reason,
			"session_id": outcome.SessionID,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": outcome.SessionID,
		"outcome":    outcome.Dispatch.Outcome,
		"device_id":  outcome.Dispatch.DeviceID,
		"status":     outcome.Session.Status,
		"expires_at": outcome.Session.ExpiresAt,
	})
}

// handleListSessions lists the tenant's sessions, optionally narrowed by
// status, kind and a creation-time window (RFC 3339 `from`/`to`).
func (a *API) handleListSessions(c *gin.Context) {
	filter := domain.SessionFilter{
		Status: domain.SessionStatus(c.Query("status")),
		Kind:   domain.SessionKind(c.Query("kind")),
	}
	for _, bound := range []struct {
		param string
		dst   *time.Time
	}{
		{"from", &filter.FromDate},
		{"to", &filter.ToDate},
	} {
		raw := c.Query(bound.param)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": bound.param + " must be RFC 3339"})
			return
		}
		*bound.dst = ts
	}

	sessions, err := a.orch.ListSessions(c.Request.Context(), tenantID(c), filter)
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (a *API) handleGetSession(c *gin.Context) {
	session, err := a.orch.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	if session.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleCancelSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, err := a.orch.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	if session.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	claims := c.MustGet(claimsKey).(*domain.Claims)
	if err := a.orch.Cancel(c.Request.Context(), sessionID, claims.UserID, body.Reason); err != nil {
		writeProtocolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": domain.StatusCancelled})
}

// handleFinalizeSession promotes a completed document session's cached
// artifact to durable storage.
func (a *API) handleFinalizeSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, err := a.orch.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	if session.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	ref, err := a.finalizer.Finalize(c.Request.Context(), sessionID)
	if err != nil {
		writeProtocolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "signature_ref": ref})
}

type pairDeviceRequest struct {
	DeviceID      string `json:"device_id" binding:"required"`
	LocationID    string `json:"location_id" binding:"required"`
	WorkstationID string `json:"workstation_id"`
	Name          string `json:"name"`
}

// handlePairDevice registers a tablet and returns the generated API key.
// The key is shown exactly once; only its hash is stored.
func (a *API) handlePairDevice(c *gin.Context) {
	var req pairDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	apiKey := hex.EncodeToString(keyBytes)

	hash, err := a.hasher.Hash(apiKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to hash device API key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	device := &domain.Device{
		DeviceID:      req.DeviceID,
		TenantID:      tenantID(c),
		LocationID:    req.LocationID,
		WorkstationID: req.WorkstationID,
		Name:          req.Name,
		APIKeyHash:    hash,
		Active:        true,
		PairedAt:      time.Now().UTC(),
	}
	if err := a.devices.CreateDevice(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device_id": device.DeviceID,
		"api_key":   apiKey,
	})
}

func (a *API) handleListDevices(c *gin.Context) {
	devices, err := a.devices.ListDevicesByTenant(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (a *API) handleDeactivateDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")

	device, err := a.devices.GetDeviceByID(c.Request.Context(), deviceID)
	if err != nil || device.TenantID != tenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_request", "error_description": "unknown device"})
		return
	}

	if err := a.devices.DeactivateDevice(c.Request.Context(), deviceID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	// A live connection for a deactivated device is closed immediately.
	a.registry.DisconnectTablet(deviceID, "device deactivated")
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "active": false})
}

type connectionInfo struct {
	DeviceID      string    `json:"device_id"`
	LocationID    string    `json:"location_id"`
	WorkstationID string    `json:"workstation_id,omitempty"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (a *API) handleListConnections(c *gin.Context) {
	conns := a.registry.TabletsByTenant(tenantID(c))
	infos := make([]connectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, connectionInfo{
			DeviceID:      conn.DeviceID,
			LocationID:    conn.LocationID,
			WorkstationID: conn.WorkstationID,
			RemoteAddr:    conn.Transport.RemoteAddr(),
			ConnectedAt:   conn.ConnectedAt,
			LastHeartbeat: conn.LastHeartbeat,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": infos})
}

// handleDisconnectDevice force-closes a tablet connection. Best-effort;
// the response reports whether a live connection was found.
func (a *API) handleDisconnectDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	conn := a.registry.LookupTablet(deviceID)
	if conn == nil || conn.TenantID != tenantID(c) {
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "disconnected": false})
		return
	}
	ok := a.registry.DisconnectTablet(deviceID, "disconnected by operator")
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "disconnected": ok})
}

// handlePingDevice pushes an admin message to a tablet and reports
// whether the write succeeded. Best-effort.
func (a *API) handlePingDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	conn := a.registry.LookupTablet(deviceID)
	if conn == nil || conn.TenantID != tenantID(c) {
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "reachable": false})
		return
	}

	frame := protocol.MustEncode(protocol.TypeAdminMessage, protocol.AdminMessagePayload{Message: "ping"})
	err := conn.Transport.Send(frame)
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "reachable": err == nil})
}

type broadcastRequest struct {
	Message    string `json:"message" binding:"required"`
	LocationID string `json:"location_id"`
}

// handleBroadcast pushes a message to every authenticated tablet of the
// tenant, optionally narrowed to one location.
func (a *API) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	tenant := tenantID(c)
	frame := protocol.MustEncode(protocol.TypeBroadcast, protocol.AdminMessagePayload{Message: req.Message})
	sent := a.registry.Broadcast(func(conn *domain.DeviceConnection) bool {
		if conn.TenantID != tenant {
			return false
		}
		return req.LocationID == "" || conn.LocationID == req.LocationID
	}, frame)

	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

// writeProtocolError maps a reason-coded error to an HTTP status. Unknown
// errors become opaque 500s.
func writeProtocolError(c *gin.Context, err error) {
	var pe *pserr.ProtocolError
	if !errors.As(err, &pe) {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unhandled error in admin handler")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	status := http.StatusBadRequest
	switch pe.Code {
	case pserr.SessionNotFound:
		status = http.StatusNotFound
	case pserr.InvalidState, pserr.SessionExpired:
		status = http.StatusConflict
	case pserr.ServiceDegraded:
		status = http.StatusServiceUnavailable
	case pserr.ServerError:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"error":             pe.Code,
		"error_description": pe.Description,
		"session_id":        pe.SessionID,
	})
}
