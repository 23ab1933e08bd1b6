// Package dispatch decodes inbound frames, routes them by message kind
// and encodes all outbound pushes through one shared send path. Transport
// errors are swallowed and logged, never propagated into business logic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/padsign/padsign/domain"
	pserr "github.com/padsign/padsign/errors"
	"github.com/padsign/padsign/orchestrator"
	"github.com/padsign/padsign/protocol"
	"github.com/padsign/padsign/registry"
	"github.com/padsign/padsign/resilience"
)

// Peer is the dispatcher's per-transport state: which actor connected,
// under what advisory identity, and whether it has authenticated yet.
type Peer struct {
	Kind          domain.ActorKind
	AdvisoryID    string // identity from the connection path, advisory only
	ID            string // authoritative identity, set on authentication
	Authenticated bool
	Transport     domain.Transport
}

// Dispatcher bridges the Connection Registry and the Session
// Orchestrator. One instance serves all connections; per-connection state
// lives in Peer, owned by the transport's read loop.
type Dispatcher struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	wrapper  *resilience.Wrapper
}

// New creates a dispatcher.
func New(reg *registry.Registry, orch *orchestrator.Orchestrator, wrapper *resilience.Wrapper) *Dispatcher {
	return &Dispatcher{registry: reg, orch: orch, wrapper: wrapper}
}

// OnOpen registers a freshly-accepted transport and greets it with a
// structured "please authenticate" frame instead of a bare close.
func (d *Dispatcher) OnOpen(kind domain.ActorKind, advisoryID string, transport domain.Transport) *Peer {
	d.registry.Register(transport)
	peer := &Peer{Kind: kind, AdvisoryID: advisoryID, Transport: transport}
	d.send(transport, protocol.TypeConnection, protocol.ConnectionPayload{
		Message:      "connected, authentication required",
		AuthRequired: true,
	})
	log.Debug().Str("kind", string(kind)).Str("advisory_id", advisoryID).Str("remote", transport.RemoteAddr()).Msg("Connection opened")
	return peer
}

// OnClose releases registry state for a closed transport.
func (d *Dispatcher) OnClose(peer *Peer) {
	if !peer.Authenticated {
		d.registry.Forget(peer.Transport)
		return
	}
	switch peer.Kind {
	case domain.ActorTablet:
		d.registry.RemoveTablet(peer.ID, peer.Transport)
	case domain.ActorWorkstation:
		d.registry.RemoveWorkstation(peer.ID, peer.Transport)
	}
}

// OnMessage is the single inbound entry point per transport. Malformed
// and unknown frames produce an error frame echoed to the sender, never
// a torn-down connection.
func (d *Dispatcher) OnMessage(ctx context.Context, peer *Peer, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("remote", peer.Transport.RemoteAddr()).Msg("Malformed frame")
		d.sendError(peer.Transport, pserr.NewInvalidRequest("malformed frame"))
		return
	}

	switch frame.Type {
	case protocol.TypeAuthentication:
		d.handleAuthentication(ctx, peer, frame.Payload)
	case protocol.TypeHeartbeat:
		d.handleHeartbeat(peer)
	case protocol.TypeTabletStatus, protocol.TypeWorkstationStatus:
		d.handleStatus(ctx, peer, frame.Payload)
	case protocol.TypeSignatureCompleted, protocol.TypeDocumentSignatureCompleted:
		d.handleSubmission(ctx, peer, frame.Payload)
	case protocol.TypeConnectionProbe:
		d.send(peer.Transport, protocol.TypeConnection, protocol.ConnectionPayload{Message: "alive"})
	default:
		log.Debug().Str("type", frame.Type).Str("remote", peer.Transport.RemoteAddr()).Msg("Unknown frame type")
		d.sendError(peer.Transport, pserr.NewInvalidRequest("unknown frame type: "+frame.Type))
	}
}

// handleAuthentication promotes the connection. Failure closes the
// transport after a structured error frame; the registry audits both
// outcomes.
func (d *Dispatcher) handleAuthentication(ctx context.Context, peer *Peer, raw json.RawMessage) {
	var payload protocol.AuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.sendError(peer.Transport, pserr.NewInvalidRequest("malformed authentication payload"))
		return
	}

	// Replayed authentication on an already-authenticated connection is
	// acknowledged, not re-processed.
	if peer.Authenticated {
		d.send(peer.Transport, protocol.TypeAuthentication, protocol.AuthResultPayload{Success: true})
		return
	}

	var authErr error
	switch peer.Kind {
	case domain.ActorTablet:
		if peer.AdvisoryID != "" && payload.DeviceID != "" && peer.AdvisoryID != payload.DeviceID {
			authErr = pserr.NewInvalidCredentials("path identity does not match credential identity")
			break
		}
		conn, err := d.registry.AuthenticateTablet(ctx, peer.Transport, &payload)
		if err != nil {
			authErr = err
			break
		}
		peer.ID = conn.DeviceID
		peer.Authenticated = true
	case domain.ActorWorkstation:
		if peer.AdvisoryID != "" && payload.WorkstationID != "" && peer.AdvisoryID != payload.WorkstationID {
			authErr = pserr.NewInvalidCredentials("path identity does not match credential identity")
			break
		}
		conn, err := d.registry.AuthenticateWorkstation(ctx, peer.Transport, &payload)
		if err != nil {
			authErr = err
			break
		}
		peer.ID = conn.WorkstationID
		peer.Authenticated = true
	default:
		authErr = pserr.NewInvalidRequest("unknown actor kind")
	}

	if authErr != nil {
		var pe *pserr.ProtocolError
		if !errors.As(authErr, &pe) {
			pe = pserr.NewServerError("authentication failed")
		}
		d.send(peer.Transport, protocol.TypeAuthentication, protocol.AuthResultPayload{Success: false, Reason: pe.Code})
		d.sendError(peer.Transport, pe)
		// The grace timer must not fire against a transport we are
		// closing ourselves.
		d.registry.Forget(peer.Transport)
		_ = peer.Transport.Close("authentication failed")
		return
	}

	d.send(peer.Transport, protocol.TypeAuthentication, protocol.AuthResultPayload{Success: true})
}

// handleHeartbeat refreshes liveness and echoes the heartbeat. Heartbeats
// from unauthenticated peers are ignored; replays are harmless.
func (d *Dispatcher) handleHeartbeat(peer *Peer) {
	if peer.Authenticated {
		switch peer.Kind {
		case domain.ActorTablet:
			d.registry.TouchTablet(peer.ID)
		case domain.ActorWorkstation:
			d.registry.TouchWorkstation(peer.ID)
		}
	}
	d.send(peer.Transport, protocol.TypeHeartbeat, nil)
}

// handleStatus advances the in-flight session's progress state.
// Out-of-order and post-terminal updates are accepted as no-ops.
func (d *Dispatcher) handleStatus(ctx context.Context, peer *Peer, raw json.RawMessage) {
	if !peer.Authenticated {
		d.sendError(peer.Transport, pserr.NewInvalidCredentials("authentication required"))
		return
	}
	var payload protocol.StatusPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.SessionID == "" {
		d.sendError(peer.Transport, pserr.NewInvalidRequest("malformed status payload"))
		return
	}

	var next domain.SessionStatus
	switch payload.Status {
	case string(domain.StatusDeviceViewing):
		next = domain.StatusDeviceViewing
	case string(domain.StatusSigningInProgress):
		next = domain.StatusSigningInProgress
	default:
		log.Debug().Str("session_id", payload.SessionID).Str("status", payload.Status).Msg("Unrecognized status value ignored")
		return
	}

	d.registry.TouchTablet(peer.ID)
	d.orch.RecordProgress(ctx, payload.SessionID, next)
}

// handleSubmission routes a captured signature through the resilience
// wrapper. The submitting identity is the authenticated peer, never the
// payload.
func (d *Dispatcher) handleSubmission(ctx context.Context, peer *Peer, raw json.RawMessage) {
	if !peer.Authenticated || peer.Kind != domain.ActorTablet {
		d.sendError(peer.Transport, pserr.NewInvalidCredentials("submissions require an authenticated tablet"))
		return
	}
	var payload protocol.SubmissionPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.SessionID == "" {
		d.sendError(peer.Transport, pserr.NewInvalidRequest("malformed submission payload"))
		return
	}

	outcome, err := d.wrapper.Submit(ctx, &orchestrator.Submission{
		SessionID:      payload.SessionID,
		DeviceID:       peer.ID,
		SignerName:     payload.SignerName,
		SignatureImage: payload.SignatureImage,
		Metadata:       payload.Metadata,
	})
	if err != nil {
		var pe *pserr.ProtocolError
		if !errors.As(err, &pe) {
			pe = pserr.NewServerError("submission failed")
		}
		d.sendError(peer.Transport, pe)
		return
	}

	d.registry.TouchTablet(peer.ID)

	if !outcome.Success {
		d.sendError(peer.Transport, &pserr.ProtocolError{
			Code:        outcome.Reason,
			Description: "submission could not be processed",
			SessionID:   outcome.SessionID,
		})
		return
	}
	d.send(peer.Transport, protocol.TypeSignatureCompleted, protocol.CompletedPayload{
		SessionID:    outcome.SessionID,
		SignatureRef: outcome.Result.SignatureRef,
	})
}

// send is the shared outbound path. Transport errors are logged only.
func (d *Dispatcher) send(t domain.Transport, frameType string, payload interface{}) {
	frame, err := protocol.Encode(frameType, payload)
	if err != nil {
		log.Error().Err(err).Str("frame", frameType).Msg("Outbound frame encode failed")
		return
	}
	if err := t.Send(frame); err != nil {
		log.Warn().Err(err).Str("frame", frameType).Str("remote", t.RemoteAddr()).Msg("Outbound send failed")
	}
}

func (d *Dispatcher) sendError(t domain.Transport, pe *pserr.ProtocolError) {
	d.send(t, protocol.TypeError, protocol.ErrorPayload{
		Code:        pe.Code,
		Description: pe.Description,
		SessionID:   pe.SessionID,
	})
}
