package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/artifactcache"
	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/internal/audit"
	"github.com/padsign/padsign/internal/metrics"
	"github.com/padsign/padsign/protocol"
)

// ConnectionDirectory is the view of the Connection Registry the
// orchestrator needs: resolving and selecting live authenticated peers.
// Connections are resolved at push time and never held.
type ConnectionDirectory interface {
	LookupTablet(deviceID string) *domain.DeviceConnection
	LookupWorkstation(workstationID string) *domain.WorkstationConnection
	SelectTablet(tenantID, locationID, workstationID string, busy func(deviceID string) bool) *domain.DeviceConnection
}

// Config carries the orchestrator's tunables.
type Config struct {
	SimpleTTL         time.Duration
	DocumentTTL       time.Duration
	SweepInterval     time.Duration
	MaxSignatureBytes int
}

// CreateRequest describes a new signature session.
type CreateRequest struct {
	TenantID      string
	LocationID    string
	WorkstationID string
	SignerName    string
	Kind          domain.SessionKind
	Context       map[string]string
	// RecordID names the business record to render for document-bound
	// sessions. Opaque to the protocol layer.
	RecordID string
}

// DispatchOutcome reports how dispatch ended. NoDeviceAvailable is a
// normal, reportable outcome, not an error.
type DispatchOutcome string

const (
	OutcomeDispatched        DispatchOutcome = "dispatched"
	OutcomeNoDeviceAvailable DispatchOutcome = "no_device_available"
)

// DispatchResult is the outcome of a dispatch attempt.
type DispatchResult struct {
	Outcome  DispatchOutcome
	DeviceID string
}

// Submission is a captured signature arriving from a tablet.
type Submission struct {
	SessionID      string
	DeviceID       string
	SignerName     string
	SignatureImage []byte
	Metadata       map[string]string
}

// SubmitResult is returned for both fresh completions and idempotent
// replays of an already-completed session.
type SubmitResult struct {
	Success      bool
	SessionID    string
	SignatureRef string
	Duplicate    bool
}

// Orchestrator drives the session state machine. It is the sole writer of
// session status; every transition goes through the repository's
// compare-and-set, serialized per session by a striped lock.
type Orchestrator struct {
	sessions  domain.SessionRepository
	directory ConnectionDirectory
	artifacts artifactcache.Cache
	renderer  domain.DocumentRenderer
	cfg       Config

	// inflight maps device id -> session id for devices currently bound
	// to a non-terminal dispatched session.
	inflight sync.Map

	locks [64]sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a session orchestrator. Call StartSweeper to run the
// periodic expiry sweep and Stop on shutdown.
func New(sessions domain.SessionRepository, directory ConnectionDirectory, artifacts artifactcache.Cache, renderer domain.DocumentRenderer, cfg Config) *Orchestrator {
	if cfg.SimpleTTL <= 0 {
		cfg.SimpleTTL = 2 * time.Minute
	}
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.MaxSignatureBytes <= 0 {
		cfg.MaxSignatureBytes = 2 * 1024 * 1024
	}
	return &Orchestrator{
		sessions:  sessions,
		directory: directory,
		artifacts: artifacts,
		renderer:  renderer,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
}

// lockFor returns the striped lock serializing one session's transitions.
func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &o.locks[h.Sum32()%uint32(len(o.locks))]
}

// CreateSession validates the request, allocates an id, computes the
// kind-specific expiry and persists the session as Pending. It fails only
// on malformed input or storage failure.
func (o *Orchestrator) CreateSession(ctx context.Context, req *CreateRequest) (*domain.SignatureSession, error) {
	if req.TenantID == "" {
		return nil, pserr.NewInvalidRequest("tenant_id is required")
	}
	if req.WorkstationID == "" {
		return nil, pserr.NewInvalidRequest("workstation_id is required")
	}
	switch req.Kind {
	case domain.KindSimple:
	case domain.KindDocument:
		if req.RecordID == "" {
			return nil, pserr.NewInvalidRequest("record_id is required for document sessions")
		}
	default:
		return nil, pserr.NewInvalidRequest(fmt.Sprintf("unknown session kind %q", req.Kind))
	}

	ttl := o.cfg.SimpleTTL
	if req.Kind == domain.KindDocument {
		ttl = o.cfg.DocumentTTL
	}
	now := time.Now().UTC()
	session := &domain.SignatureSession{
		ID:            uuid.NewString(),
		TenantID:      req.TenantID,
		LocationID:    req.LocationID,
		WorkstationID: req.WorkstationID,
		SignerName:    req.SignerName,
		Kind:          req.Kind,
		Context:       req.Context,
		DocumentRef:   req.RecordID,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := o.sessions.StoreSession(ctx, session); err != nil {
		log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to store new session")
		return nil, err
	}

	metrics.SessionsCreatedTotal.Inc()
	audit.Log("Orchestrator", "CreateSession", req.WorkstationID, session.ID, string(req.Kind), true, nil)
	log.Info().Str("session_id", session.ID).Str("kind", string(session.Kind)).Time("expires_at", session.ExpiresAt).Msg("Session created")
	return session, nil
}

// deviceBusy reports whether the device already carries an in-flight
// session.
func (o *Orchestrator) deviceBusy(deviceID string) bool {
	_, busy := o.inflight.Load(deviceID)
	return busy
}

// Dispatch selects a live tablet and pushes the signature request. With
// no eligible device the session stays Pending and the caller is told
// so; that is a reportable outcome, not an error.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionID string) (*DispatchResult, error) {
	mu := o.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.loadAndExpire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusPending {
		return nil, pserr.NewInvalidState(sessionID, fmt.Sprintf("dispatch requires pending status, found %s", session.Status))
	}

	conn := o.directory.SelectTablet(session.TenantID, session.LocationID, session.WorkstationID, o.deviceBusy)
	if conn == nil {
		metrics.NoDeviceAvailableTotal.Inc()
		log.Info().Str("session_id", sessionID).Msg("No device available for dispatch")
		return &DispatchResult{Outcome: OutcomeNoDeviceAvailable}, nil
	}

	// Reserve the device atomically before the push. Selection ran outside
	// this session's stripe lock, so a concurrent dispatch of another
	// session may have seen the same device idle.
	if _, bound := o.inflight.LoadOrStore(conn.DeviceID, sessionID); bound {
		metrics.NoDeviceAvailableTotal.Inc()
		log.Info().Str("session_id", sessionID).Str("device_id", conn.DeviceID).Msg("Device bound concurrently; no device available")
		return &DispatchResult{Outcome: OutcomeNoDeviceAvailable}, nil
	}

	frame, err := o.buildRequestFrame(ctx, session)
	if err != nil {
		o.inflight.Delete(conn.DeviceID)
		return nil, err
	}
	if err := conn.Transport.Send(frame); err != nil {
		o.inflight.Delete(conn.DeviceID)
		log.Warn().Err(err).Str("session_id", sessionID).Str("device_id", conn.DeviceID).Msg("Signature request push failed")
		metrics.NoDeviceAvailableTotal.Inc()
		return &DispatchResult{Outcome: OutcomeNoDeviceAvailable}, nil
	}

	update := *session
	update.Status = domain.StatusSentToDevice
	update.TargetDeviceID = conn.DeviceID
	if err := o.sessions.UpdateSessionStatus(ctx, sessionID, domain.StatusPending, &update); err != nil {
		o.inflight.Delete(conn.DeviceID)
		return nil, err
	}

	audit.Log("Orchestrator", "Dispatch", session.WorkstationID, sessionID, "pushed to "+conn.DeviceID, true, nil)
	log.Info().Str("session_id", sessionID).Str("device_id", conn.DeviceID).Msg("Session dispatched")
	return &DispatchResult{Outcome: OutcomeDispatched, DeviceID: conn.DeviceID}, nil
}

// buildRequestFrame renders the outbound request. Document sessions carry
// the rendered source document, which is also pre-cached so the signature
// can be merged into it on submission.
func (o *Orchestrator) buildRequestFrame(ctx context.Context, session *domain.SignatureSession) ([]byte, error) {
	payload := protocol.SignatureRequestPayload{
		SessionID:  session.ID,
		Kind:       string(session.Kind),
		SignerName: session.SignerName,
		Context:    session.Context,
		ExpiresAt:  session.ExpiresAt,
	}
	frameType := protocol.TypeSignatureRequest
	if session.Kind == domain.KindDocument {
		frameType = protocol.TypeDocumentSignatureRequest
		docBytes, err := o.renderer.Render(ctx, session.DocumentRef)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Str("record_id", session.DocumentRef).Msg("Document rendering failed")
			return nil, pserr.NewServerError("document rendering failed")
		}
		payload.Document = docBytes
		if err := o.artifacts.Put(ctx, &domain.CachedArtifact{
			SessionID:     session.ID,
			TenantID:      session.TenantID,
			SignerName:    session.SignerName,
			DocumentBytes: docBytes,
			Metadata:      session.Context,
		}); err != nil {
			// Already cached from a previous dispatch attempt; harmless.
			log.Debug().Err(err).Str("session_id", session.ID).Msg("Document pre-cache skipped")
		}
	}
	return protocol.Encode(frameType, payload)
}

// RecordProgress advances SentToDevice -> DeviceViewing ->
// SigningInProgress. Out-of-order or backward updates are ignored and
// logged, never applied.
func (o *Orchestrator) RecordProgress(ctx context.Context, sessionID string, next domain.SessionStatus) {
	if next != domain.StatusDeviceViewing && next != domain.StatusSigningInProgress {
		log.Warn().Str("session_id", sessionID).Str("status", string(next)).Msg("Ignoring progress update to non-progress state")
		return
	}

	mu := o.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.loadAndExpire(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Progress update for unavailable session ignored")
		return
	}
	if !session.Status.CanTransitionTo(next) {
		log.Warn().Str("session_id", sessionID).Str("from", string(session.Status)).Str("to", string(next)).Msg("Out-of-order progress update ignored")
		return
	}
	update := *session
	update.Status = next
	if err := o.sessions.UpdateSessionStatus(ctx, sessionID, session.Status, &update); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Progress update lost status race; ignored")
	}
}

// Submit validates and applies a captured signature. Duplicate
// submissions for an already-completed session are accepted as no-ops
// returning the original result. Completion pushes a best-effort
// notification to the bound workstation; failure to reach it never rolls
// back completion.
func (o *Orchestrator) Submit(ctx context.Context, sub *Submission) (*SubmitResult, error) {
	mu := o.lockFor(sub.SessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.sessions.GetSessionByID(ctx, sub.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, pserr.NewSessionNotFound(sub.SessionID)
		}
		return nil, err
	}

	// Idempotent replay: same device re-submitting a completed session.
	if session.Status == domain.StatusCompleted {
		if sub.DeviceID != session.TargetDeviceID {
			metrics.SubmissionsRejectedTotal.Inc()
			return nil, pserr.NewUnauthorizedDevice(sub.SessionID, sub.DeviceID)
		}
		return &SubmitResult{Success: true, SessionID: session.ID, SignatureRef: session.SignatureRef, Duplicate: true}, nil
	}
	if session.Status.IsTerminal() {
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, pserr.NewInvalidState(sub.SessionID, fmt.Sprintf("session is %s", session.Status))
	}
	// Lazy expiry check: an expired session can never be submitted even
	// if the sweep has not run yet.
	if session.Expired(time.Now()) {
		o.expireLocked(ctx, session)
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, pserr.NewSessionExpired(sub.SessionID)
	}
	if session.Status == domain.StatusPending {
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, pserr.NewInvalidState(sub.SessionID, "session has not been dispatched to a device")
	}
	if sub.DeviceID == "" || sub.DeviceID != session.TargetDeviceID {
		metrics.SubmissionsRejectedTotal.Inc()
		audit.Log("Orchestrator", "Submit", sub.DeviceID, sub.SessionID, "submission from unbound device", false, nil)
		return nil, pserr.NewUnauthorizedDevice(sub.SessionID, sub.DeviceID)
	}
	if len(sub.SignatureImage) == 0 {
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, pserr.NewInvalidSignaturePayload("signature image is empty")
	}
	if len(sub.SignatureImage) > o.cfg.MaxSignatureBytes {
		metrics.SubmissionsRejectedTotal.Inc()
		return nil, pserr.NewInvalidSignaturePayload(fmt.Sprintf("signature image exceeds %d bytes", o.cfg.MaxSignatureBytes))
	}

	now := time.Now().UTC()
	update := *session
	update.Status = domain.StatusCompleted
	update.CompletedAt = &now
	if sub.SignerName != "" {
		update.SignerName = sub.SignerName
	}

	switch session.Kind {
	case domain.KindDocument:
		o.attachToCache(ctx, session, sub)
		update.SignatureRef = "cache:" + session.ID
	default:
		update.Signature = sub.SignatureImage
		update.SignatureRef = "inline:" + session.ID
	}

	if err := o.sessions.UpdateSessionStatus(ctx, sub.SessionID, session.Status, &update); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			// A concurrent cancel/expire reached a terminal state first.
			current, gerr := o.sessions.GetSessionByID(ctx, sub.SessionID)
			if gerr == nil && current.Status == domain.StatusCompleted {
				return &SubmitResult{Success: true, SessionID: current.ID, SignatureRef: current.SignatureRef, Duplicate: true}, nil
			}
			metrics.SubmissionsRejectedTotal.Inc()
			return nil, pserr.NewInvalidState(sub.SessionID, "session reached a terminal state concurrently")
		}
		return nil, err
	}

	o.inflight.Delete(session.TargetDeviceID)
	metrics.SessionsCompletedTotal.Inc()
	audit.Log("Orchestrator", "Submit", sub.DeviceID, sub.SessionID, "signature accepted", true, nil)
	log.Info().Str("session_id", sub.SessionID).Str("device_id", sub.DeviceID).Msg("Session completed")

	o.notifyWorkstation(session.WorkstationID, protocol.TypeSignatureCompleted, protocol.CompletedPayload{
		SessionID:    session.ID,
		SignatureRef: update.SignatureRef,
		CompletedAt:  &now,
	})

	return &SubmitResult{Success: true, SessionID: session.ID, SignatureRef: update.SignatureRef}, nil
}

// attachToCache merges the signature into the pre-cached document, or
// caches a fresh artifact when the original was already evicted.
func (o *Orchestrator) attachToCache(ctx context.Context, session *domain.SignatureSession, sub *Submission) {
	attached := o.artifacts.UpdateIfPresent(ctx, session.ID, func(a *domain.CachedArtifact) {
		a.SignatureImage = sub.SignatureImage
		a.TargetDeviceID = sub.DeviceID
		if sub.SignerName != "" {
			a.SignerName = sub.SignerName
		}
		for k, v := range sub.Metadata {
			if a.Metadata == nil {
				a.Metadata = map[string]string{}
			}
			a.Metadata[k] = v
		}
	})
	if attached {
		return
	}
	if err := o.artifacts.Put(ctx, &domain.CachedArtifact{
		SessionID:      session.ID,
		TenantID:       session.TenantID,
		TargetDeviceID: sub.DeviceID,
		SignerName:     sub.SignerName,
		SignatureImage: sub.SignatureImage,
		Metadata:       sub.Metadata,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Artifact cache write failed")
	}
}

// Cancel transitions a non-terminal session to Cancelled and notifies the
// bound device and the workstation. It never closes a connection.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, actor, reason string) error {
	mu := o.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := o.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return pserr.NewSessionNotFound(sessionID)
		}
		return err
	}
	if session.Status.IsTerminal() {
		return pserr.NewInvalidState(sessionID, fmt.Sprintf("session is already %s", session.Status))
	}

	update := *session
	update.Status = domain.StatusCancelled
	update.StatusReason = reason
	if err := o.sessions.UpdateSessionStatus(ctx, sessionID, session.Status, &update); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return pserr.NewInvalidState(sessionID, "session reached a terminal state concurrently")
		}
		return err
	}

	if session.TargetDeviceID != "" {
		o.inflight.Delete(session.TargetDeviceID)
		o.notifyTablet(session.TargetDeviceID, protocol.TypeSessionCancelled, protocol.CancelledPayload{
			SessionID: sessionID, Actor: actor, Reason: reason,
		})
	}
	o.notifyWorkstation(session.WorkstationID, protocol.TypeSessionCancelled, protocol.CancelledPayload{
		SessionID: sessionID, Actor: actor, Reason: reason,
	})

	metrics.SessionsCancelledTotal.Inc()
	audit.Log("Orchestrator", "Cancel", actor, sessionID, reason, true, nil)
	log.Info().Str("session_id", sessionID).Str("actor", actor).Msg("Session cancelled")
	return nil
}

// GetSession returns the session, applying the lazy expiry check first.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*domain.SignatureSession, error) {
	mu := o.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	session, err := o.loadAndExpire(ctx, sessionID)
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		return nil, pserr.NewSessionNotFound(sessionID)
	}
	return session, err
}

// ListSessions returns a tenant's sessions narrowed by the filter.
// Listings are read-only reporting; expiry stays with the sweep and the
// lazy per-session checks.
func (o *Orchestrator) ListSessions(ctx context.Context, tenantID string, filter domain.SessionFilter) ([]*domain.SignatureSession, error) {
	if tenantID == "" {
		return nil, pserr.NewInvalidRequest("tenant_id is required")
	}
	return o.sessions.ListSessionsByTenant(ctx, tenantID, filter)
}

// loadAndExpire loads a session and lazily expires it when its window has
// passed. Callers must hold the session's stripe lock.
func (o *Orchestrator) loadAndExpire(ctx context.Context, sessionID string) (*domain.SignatureSession, error) {
	session, err := o.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.IsTerminal() && session.Expired(time.Now()) {
		o.expireLocked(ctx, session)
	}
	return session, nil
}

// expireLocked transitions the session to Expired and notifies both
// parties best-effort. Callers must hold the session's stripe lock.
func (o *Orchestrator) expireLocked(ctx context.Context, session *domain.SignatureSession) {
	update := *session
	update.Status = domain.StatusExpired
	if err := o.sessions.UpdateSessionStatus(ctx, session.ID, session.Status, &update); err != nil {
		// Another writer reached a terminal state first; nothing to do.
		log.Debug().Err(err).Str("session_id", session.ID).Msg("Expiry lost status race")
		return
	}
	session.Status = domain.StatusExpired
	if session.TargetDeviceID != "" {
		o.inflight.Delete(session.TargetDeviceID)
		o.notifyTablet(session.TargetDeviceID, protocol.TypeSessionExpired, protocol.ExpiredPayload{SessionID: session.ID})
	}
	o.notifyWorkstation(session.WorkstationID, protocol.TypeSessionExpired, protocol.ExpiredPayload{SessionID: session.ID})
	metrics.SessionsExpiredTotal.Inc()
	audit.Log("Orchestrator", "Expire", "sweeper", session.ID, "", true, nil)
	log.Info().Str("session_id", session.ID).Msg("Session expired")
}

// ExpireDue runs one expiry sweep over non-terminal sessions whose window
// has passed. Returns the number of sessions transitioned.
func (o *Orchestrator) ExpireDue(ctx context.Context, now time.Time) int {
	due, err := o.sessions.ListExpiredSessions(ctx, now, 100)
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep listing failed")
		return 0
	}
	expired := 0
	for _, session := range due {
		mu := o.lockFor(session.ID)
		mu.Lock()
		current, err := o.sessions.GetSessionByID(ctx, session.ID)
		if err == nil && !current.Status.IsTerminal() {
			o.expireLocked(ctx, current)
			expired++
		}
		mu.Unlock()
	}
	return expired
}

// StartSweeper runs the periodic session-expiry sweep until Stop.
func (o *Orchestrator) StartSweeper() {
	go func() {
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.ExpireDue(context.Background(), time.Now())
			case <-o.done:
				return
			}
		}
	}()
}

// Stop terminates the sweeper. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
}

// notifyWorkstation pushes a frame to the workstation's live connection.
// Best-effort: a missing or failing connection is logged only.
func (o *Orchestrator) notifyWorkstation(workstationID, frameType string, payload interface{}) {
	conn := o.directory.LookupWorkstation(workstationID)
	if conn == nil {
		log.Warn().Str("workstation_id", workstationID).Str("frame", frameType).Msg("Workstation not connected; notification dropped")
		return
	}
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		log.Error().Err(err).Str("frame", frameType).Msg("Notification encode failed")
		return
	}
	if err := conn.Transport.Send(frame); err != nil {
		log.Warn().Err(err).Str("workstation_id", workstationID).Str("frame", frameType).Msg("Workstation notification failed")
	}
}

// notifyTablet pushes a frame to the device's live connection, best-effort.
func (o *Orchestrator) notifyTablet(deviceID, frameType string, payload interface{}) {
	conn := o.directory.LookupTablet(deviceID)
	if conn == nil {
		log.Debug().Str("device_id", deviceID).Str("frame", frameType).Msg("Tablet not connected; notification dropped")
		return
	}
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		log.Error().Err(err).Str("frame", frameType).Msg("Notification encode failed")
		return
	}
	if err := conn.Transport.Send(frame); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Str("frame", frameType).Msg("Tablet notification failed")
	}
}
