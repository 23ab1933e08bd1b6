package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/artifactcache"
	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/internal/audit"
)

// Finalizer promotes a completed document session's cached artifact to
// durable storage: it merges the signature into the source document via
// the compositor, stores the signed bytes, updates the session's
// signature reference and drops the cache entry. Anything not finalized
// before the cache TTL elapses is gone.
type Finalizer struct {
	sessions   domain.SessionRepository
	artifacts  artifactcache.Cache
	compositor domain.SignatureCompositor
	blobs      domain.BlobStore
}

// NewFinalizer creates a finalizer over the given collaborators.
func NewFinalizer(sessions domain.SessionRepository, artifacts artifactcache.Cache, compositor domain.SignatureCompositor, blobs domain.BlobStore) *Finalizer {
	return &Finalizer{
		sessions:   sessions,
		artifacts:  artifacts,
		compositor: compositor,
		blobs:      blobs,
	}
}

// Finalize produces and stores the signed document for a completed
// document-bound session and returns the storage id. Calling it twice
// returns the already-stored reference.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string) (string, error) {
	session, err := f.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", pserr.NewSessionNotFound(sessionID)
		}
		return "", err
	}
	if session.Kind != domain.KindDocument {
		return "", pserr.NewInvalidRequest("only document sessions are finalized")
	}
	if session.Status != domain.StatusCompleted {
		return "", pserr.NewInvalidState(sessionID, "session is not completed")
	}
	// Idempotent: already promoted.
	if session.SignatureRef != "" && session.SignatureRef != "cache:"+sessionID {
		return session.SignatureRef, nil
	}

	artifact, ok := f.artifacts.Get(ctx, sessionID)
	if !ok {
		return "", pserr.NewInvalidState(sessionID, "cached artifact expired before finalization")
	}
	if len(artifact.SignatureImage) == 0 {
		return "", pserr.NewInvalidState(sessionID, "cached artifact carries no signature")
	}

	signed := artifact.SignatureImage
	if len(artifact.DocumentBytes) > 0 {
		signed, err = f.compositor.ApplySignature(ctx, artifact.DocumentBytes, artifact.SignatureImage, nil)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Signature compositing failed")
			return "", pserr.NewServerError("signature compositing failed")
		}
	}

	metadata := map[string]string{
		"session_id":  sessionID,
		"tenant_id":   session.TenantID,
		"signer_name": artifact.SignerName,
		"device_id":   artifact.TargetDeviceID,
	}
	storageID, err := f.blobs.Store(ctx, signed, metadata)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Signed artifact store failed")
		return "", pserr.NewServerError("artifact storage failed")
	}

	update := *session
	update.SignatureRef = storageID
	if err := f.sessions.UpdateSessionStatus(ctx, sessionID, domain.StatusCompleted, &update); err != nil {
		// The blob is stored; losing the ref update means a retry will
		// store a second copy, which is acceptable.
		log.Warn().Err(err).Str("session_id", sessionID).Str("storage_id", storageID).Msg("Signature ref update failed after store")
	}
	f.artifacts.Remove(ctx, sessionID)

	audit.Log("Orchestrator", "Finalize", "api", sessionID, storageID, true, nil)
	log.Info().Str("session_id", sessionID).Str("storage_id", storageID).Dur("age", time.Since(session.CreatedAt)).Msg("Session artifact finalized")
	return storageID, nil
}
