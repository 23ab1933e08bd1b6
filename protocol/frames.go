package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Every message on the wire is a tagged frame: {"type": ..., "payload": ...}.
// The payload schema depends on the type; unknown types are answered with
// an error frame, never a dropped connection.

// Inbound frame types.
const (
	TypeAuthentication             = "authentication"
	TypeHeartbeat                  = "heartbeat"
	TypeTabletStatus               = "tablet_status"
	TypeWorkstationStatus          = "workstation_status"
	TypeSignatureCompleted         = "signature_completed"
	TypeDocumentSignatureCompleted = "document_signature_completed"
	TypeConnectionProbe            = "connection_probe"
)

// Outbound frame types.
const (
	TypeConnection               = "connection"
	TypeSignatureRequest         = "signature_request"
	TypeDocumentSignatureRequest = "document_signature_request"
	TypeSessionCancelled         = "session_cancelled"
	TypeSessionExpired           = "session_expired"
	TypeError                    = "error"
	TypeAdminMessage             = "admin_message"
	TypeBroadcast                = "broadcast"
)

// Frame is the wire envelope.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed frame.
func Encode(frameType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		raw = data
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal. It
// panics on error and is reserved for static payload types.
func MustEncode(frameType string, payload interface{}) []byte {
	data, err := Encode(frameType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses the wire envelope. The payload stays raw until the
// handler for the type unmarshals it.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &f, nil
}

// AuthPayload carries the in-band credential. Tablets present their
// pairing API key; workstations present a company-scoped JWT. The
// identity here is authoritative; the connection path identity is
// advisory and must match.
type AuthPayload struct {
	DeviceID      string `json:"device_id,omitempty"`
	WorkstationID string `json:"workstation_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	Token         string `json:"token,omitempty"`
}

// AuthResultPayload is the outbound answer to an authentication frame.
type AuthResultPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// HeartbeatPayload is exchanged for liveness. Timestamps are informational.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StatusPayload reports signing progress from a tablet or workstation.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SubmissionPayload carries a captured signature back from a tablet.
// SignatureImage is base64 on the wire (JSON []byte encoding).
type SubmissionPayload struct {
	SessionID      string            `json:"session_id"`
	DeviceID       string            `json:"device_id"`
	SignerName     string            `json:"signer_name,omitempty"`
	SignatureImage []byte            `json:"signature_image"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SignatureRequestPayload asks a tablet to capture a signature.
type SignatureRequestPayload struct {
	SessionID  string            `json:"session_id"`
	Kind       string            `json:"kind"`
	SignerName string            `json:"signer_name,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	// Document bytes ride along only for document-bound sessions.
	Document  []byte    `json:"document,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CompletedPayload notifies the originating workstation of the outcome.
type CompletedPayload struct {
	SessionID    string     `json:"session_id"`
	SignatureRef string     `json:"signature_ref,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CancelledPayload notifies both parties of a cancellation.
type CancelledPayload struct {
	SessionID string `json:"session_id"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ExpiredPayload notifies both parties of an expiry.
type ExpiredPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload mirrors errors.ProtocolError on the wire.
type ErrorPayload struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// ConnectionPayload greets a freshly-opened transport and asks the peer
// to authenticate.
type ConnectionPayload struct {
	Message      string `json:"message"`
	AuthRequired bool   `json:"auth_required"`
}

// AdminMessagePayload carries an operator message to devices.
type AdminMessagePayload struct {
	Message string `json:"message"`
}
