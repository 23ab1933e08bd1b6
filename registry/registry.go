package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/internal/audit"
	"github.com/padsign/padsign/internal/auth"
	"github.com/padsign/padsign/internal/metrics"
	"github.com/padsign/padsign/protocol"
)

// Registry tracks live tablet and workstation connections. It is the only
// structure mutated from multiple transport goroutines; all access goes
// through its methods, never through the maps directly.
//
// Connections are registered unauthenticated and promoted by an in-band
// authentication frame. At most one authenticated connection exists per
// identity; a newer one supersedes (closes) the older.
type Registry struct {
	mu           sync.RWMutex
	tablets      map[string]*domain.DeviceConnection
	workstations map[string]*domain.WorkstationConnection

	pendingMu sync.Mutex
	pending   map[domain.Transport]*time.Timer

	devices   domain.DeviceRepository
	hasher    auth.APIKeyHasher
	validator domain.CredentialValidator

	heartbeatThreshold time.Duration
	sweepInterval      time.Duration
	authGrace          time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// Config carries the registry's timing knobs.
type Config struct {
	HeartbeatThreshold time.Duration
	SweepInterval      time.Duration
	AuthGrace          time.Duration
}

// New creates a connection registry. Call Start to run the stale sweep
// and Stop on shutdown.
func New(devices domain.DeviceRepository, hasher auth.APIKeyHasher, validator domain.CredentialValidator, cfg Config) *Registry {
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = 90 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.AuthGrace <= 0 {
		cfg.AuthGrace = 15 * time.Second
	}
	return &Registry{
		tablets:            make(map[string]*domain.DeviceConnection),
		workstations:       make(map[string]*domain.WorkstationConnection),
		pending:            make(map[domain.Transport]*time.Timer),
		devices:            devices,
		hasher:             hasher,
		validator:          validator,
		heartbeatThreshold: cfg.HeartbeatThreshold,
		sweepInterval:      cfg.SweepInterval,
		authGrace:          cfg.AuthGrace,
		done:               make(chan struct{}),
	}
}

// Start runs the periodic stale-connection sweep until Stop is called.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepStale(time.Now())
			case <-r.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep goroutine. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// Register records a freshly-opened, unauthenticated transport and arms
// the authentication grace timer. A transport that does not authenticate
// within the grace period is closed to avoid leaking half-open sessions.
func (r *Registry) Register(transport domain.Transport) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, exists := r.pending[transport]; exists {
		return // idempotent per transport
	}
	r.pending[transport] = time.AfterFunc(r.authGrace, func() {
		r.pendingMu.Lock()
		_, stillPending := r.pending[transport]
		delete(r.pending, transport)
		r.pendingMu.Unlock()
		if stillPending {
			log.Warn().Str("remote", transport.RemoteAddr()).Msg("Closing connection: authentication grace period elapsed")
			r.sendError(transport, pserr.NewInvalidCredentials("authentication required"))
			_ = transport.Close("authentication timeout")
		}
	})
}

// settled cancels the grace timer once a transport authenticated or closed.
func (r *Registry) settled(transport domain.Transport) {
	r.pendingMu.Lock()
	if timer, ok := r.pending[transport]; ok {
		timer.Stop()
		delete(r.pending, transport)
	}
	r.pendingMu.Unlock()
}

// AuthenticateTablet validates a tablet's pairing credential and installs
// the authenticated connection, superseding any prior one for the same
// device id.
func (r *Registry) AuthenticateTablet(ctx context.Context, transport domain.Transport, payload *protocol.AuthPayload) (*domain.DeviceConnection, error) {
	deviceID := payload.DeviceID
	if deviceID == "" || payload.APIKey == "" {
		return nil, pserr.NewInvalidCredentials("device_id and api_key are required")
	}

	device, err := r.devices.GetDeviceByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, pserr.NewInvalidCredentials("unknown device")
		}
		return nil, pserr.NewServerError("device lookup failed")
	}
	if !device.Active {
		return nil, pserr.NewDeviceInactive(deviceID)
	}
	if payload.TenantID != "" && payload.TenantID != device.TenantID {
		return nil, pserr.NewTenantMismatch("credential tenant does not match device record")
	}
	if err := r.hasher.Verify(device.APIKeyHash, payload.APIKey); err != nil {
		return nil, pserr.NewInvalidCredentials("api key rejected")
	}

	now := time.Now()
	conn := &domain.DeviceConnection{
		DeviceID:      device.DeviceID,
		TenantID:      device.TenantID,
		LocationID:    device.LocationID,
		WorkstationID: device.WorkstationID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Authenticated: true,
		Transport:     transport,
	}

	r.mu.Lock()
	prior := r.tablets[deviceID]
	r.tablets[deviceID] = conn
	r.mu.Unlock()
	r.settled(transport)

	if prior != nil {
		r.supersede(prior.Transport)
	} else {
		metrics.TabletConnectionsGauge.Inc()
	}

	_ = r.devices.TouchDevice(ctx, deviceID, now)
	audit.Log("Registry", "AuthenticateTablet", deviceID, device.TenantID, "tablet connection authenticated", true, nil)
	log.Info().Str("device_id", deviceID).Str("tenant_id", device.TenantID).Bool("superseded_prior", prior != nil).Msg("Tablet authenticated")
	return conn, nil
}

// AuthenticateWorkstation validates a workstation JWT and installs the
// authenticated connection with the same supersede semantics.
func (r *Registry) AuthenticateWorkstation(ctx context.Context, transport domain.Transport, payload *protocol.AuthPayload) (*domain.WorkstationConnection, error) {
	if payload.WorkstationID == "" || payload.Token == "" {
		return nil, pserr.NewInvalidCredentials("workstation_id and token are required")
	}

	claims, err := r.validator.Validate(ctx, payload.Token)
	if err != nil {
		return nil, err
	}
	if payload.TenantID != "" && payload.TenantID != claims.TenantID {
		return nil, pserr.NewTenantMismatch("credential tenant does not match token claims")
	}

	now := time.Now()
	conn := &domain.WorkstationConnection{
		WorkstationID: payload.WorkstationID,
		TenantID:      claims.TenantID,
		UserID:        claims.UserID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Authenticated: true,
		Transport:     transport,
	}

	r.mu.Lock()
	prior := r.workstations[payload.WorkstationID]
	r.workstations[payload.WorkstationID] = conn
	r.mu.Unlock()
	r.settled(transport)

	if prior != nil {
		r.supersede(prior.Transport)
	} else {
		metrics.WorkstationConnectionsGauge.Inc()
	}

	audit.Log("Registry", "AuthenticateWorkstation", payload.WorkstationID, claims.TenantID, "workstation connection authenticated", true, nil)
	log.Info().Str("workstation_id", payload.WorkstationID).Str("tenant_id", claims.TenantID).Bool("superseded_prior", prior != nil).Msg("Workstation authenticated")
	return conn, nil
}

// supersede notifies the older transport and closes it.
func (r *Registry) supersede(t domain.Transport) {
	if t == nil {
		return
	}
	frame := protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{
		Code:        "superseded",
		Description: "a newer authenticated connection replaced this one",
	})
	if err := t.Send(frame); err != nil {
		log.Debug().Err(err).Str("remote", t.RemoteAddr()).Msg("Superseded notice not delivered")
	}
	_ = t.Close("superseded")
}

// TouchTablet updates the device's heartbeat. Heartbeats for unknown
// identities are no-ops.
func (r *Registry) TouchTablet(deviceID string) {
	r.mu.Lock()
	if conn, ok := r.tablets[deviceID]; ok {
		conn.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// TouchWorkstation updates the workstation's heartbeat.
func (r *Registry) TouchWorkstation(workstationID string) {
	r.mu.Lock()
	if conn, ok := r.workstations[workstationID]; ok {
		conn.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// LookupTablet returns a snapshot of the live authenticated connection
// for a device id, or nil. Callers get a copy: heartbeats keep mutating
// the registry's own record, never a handed-out one.
func (r *Registry) LookupTablet(deviceID string) *domain.DeviceConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.tablets[deviceID]
	if !ok {
		return nil
	}
	cp := *conn
	return &cp
}

// LookupWorkstation returns a snapshot of the live authenticated
// workstation connection, or nil.
func (r *Registry) LookupWorkstation(workstationID string) *domain.WorkstationConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.workstations[workstationID]
	if !ok {
		return nil
	}
	cp := *conn
	return &cp
}

// SelectTablet picks a live tablet for dispatch. The device explicitly
// paired to the requesting workstation wins when live; otherwise any
// same-tenant, same-location tablet not currently busy. Ties among
// eligible candidates are unordered map iteration, which is deliberate.
func (r *Registry) SelectTablet(tenantID, locationID, workstationID string, busy func(deviceID string) bool) *domain.DeviceConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if workstationID != "" {
		for _, conn := range r.tablets {
			if conn.TenantID == tenantID && conn.WorkstationID == workstationID && !busy(conn.DeviceID) {
				cp := *conn
				return &cp
			}
		}
	}
	for _, conn := range r.tablets {
		if conn.TenantID != tenantID {
			continue
		}
		if locationID != "" && conn.LocationID != locationID {
			continue
		}
		if busy(conn.DeviceID) {
			continue
		}
		cp := *conn
		return &cp
	}
	return nil
}

// RemoveTablet drops the entry for a closed transport. The transport must
// match: a superseded connection closing late must not evict its
// replacement.
func (r *Registry) RemoveTablet(deviceID string, transport domain.Transport) {
	r.mu.Lock()
	conn, ok := r.tablets[deviceID]
	if ok && conn.Transport == transport {
		delete(r.tablets, deviceID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		metrics.TabletConnectionsGauge.Dec()
		log.Info().Str("device_id", deviceID).Msg("Tablet connection removed")
	}
}

// RemoveWorkstation drops the entry for a closed transport.
func (r *Registry) RemoveWorkstation(workstationID string, transport domain.Transport) {
	r.mu.Lock()
	conn, ok := r.workstations[workstationID]
	if ok && conn.Transport == transport {
		delete(r.workstations, workstationID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		metrics.WorkstationConnectionsGauge.Dec()
		log.Info().Str("workstation_id", workstationID).Msg("Workstation connection removed")
	}
}

// Forget releases the grace timer for a transport that closed before
// authenticating.
func (r *Registry) Forget(transport domain.Transport) {
	r.settled(transport)
}

// SweepStale removes and force-closes every connection whose last
// heartbeat is older than the threshold. Live connections are untouched.
func (r *Registry) SweepStale(now time.Time) int {
	cutoff := now.Add(-r.heartbeatThreshold)

	var staleTablets []*domain.DeviceConnection
	var staleWorkstations []*domain.WorkstationConnection

	r.mu.Lock()
	for id, conn := range r.tablets {
		if conn.LastHeartbeat.Before(cutoff) {
			delete(r.tablets, id)
			staleTablets = append(staleTablets, conn)
		}
	}
	for id, conn := range r.workstations {
		if conn.LastHeartbeat.Before(cutoff) {
			delete(r.workstations, id)
			staleWorkstations = append(staleWorkstations, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range staleTablets {
		_ = conn.Transport.Close("heartbeat timeout")
		metrics.TabletConnectionsGauge.Dec()
		metrics.ConnectionsSweptTotal.Inc()
		log.Warn().Str("device_id", conn.DeviceID).Time("last_heartbeat", conn.LastHeartbeat).Msg("Stale tablet connection swept")
	}
	for _, conn := range staleWorkstations {
		_ = conn.Transport.Close("heartbeat timeout")
		metrics.WorkstationConnectionsGauge.Dec()
		metrics.ConnectionsSweptTotal.Inc()
		log.Warn().Str("workstation_id", conn.WorkstationID).Time("last_heartbeat", conn.LastHeartbeat).Msg("Stale workstation connection swept")
	}
	return len(staleTablets) + len(staleWorkstations)
}

// Broadcast pushes a frame to every authenticated tablet matching the
// predicate and returns the successful-send count. Per-connection
// failures are logged and never abort the batch.
func (r *Registry) Broadcast(predicate func(*domain.DeviceConnection) bool, frame []byte) int {
	r.mu.RLock()
	targets := make([]*domain.DeviceConnection, 0, len(r.tablets))
	for _, conn := range r.tablets {
		if predicate == nil || predicate(conn) {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Transport.Send(frame); err != nil {
			log.Warn().Err(err).Str("device_id", conn.DeviceID).Msg("Broadcast send failed")
			continue
		}
		sent++
		metrics.BroadcastFramesTotal.Inc()
	}
	return sent
}

// DisconnectTablet force-closes a device connection by identity. Returns
// false when no live connection exists.
func (r *Registry) DisconnectTablet(deviceID, reason string) bool {
	r.mu.Lock()
	conn, ok := r.tablets[deviceID]
	if ok {
		delete(r.tablets, deviceID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = conn.Transport.Close(reason)
	metrics.TabletConnectionsGauge.Dec()
	audit.Log("Registry", "DisconnectTablet", "operator", deviceID, reason, true, nil)
	return true
}

// Counts reports live connection totals per actor kind.
func (r *Registry) Counts() (tablets, workstations int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tablets), len(r.workstations)
}

// TabletsByTenant snapshots the live tablet connections of one tenant.
// The returned records are copies taken under the lock.
func (r *Registry) TabletsByTenant(tenantID string) []*domain.DeviceConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.DeviceConnection
	for _, conn := range r.tablets {
		if conn.TenantID == tenantID {
			cp := *conn
			out = append(out, &cp)
		}
	}
	return out
}

func (r *Registry) sendError(t domain.Transport, pe *pserr.ProtocolError) {
	frame := protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{
		Code:        pe.Code,
		Description: pe.Description,
		SessionID:   pe.SessionID,
	})
	if err := t.Send(frame); err != nil {
		log.Debug().Err(err).Str("remote", t.RemoteAddr()).Msg("Error frame not delivered")
	}
}
