package domain

import "time"

// ActorKind distinguishes the two parties of the protocol.
type ActorKind string

const (
	ActorTablet      ActorKind = "tablet"
	ActorWorkstation ActorKind = "workstation"
)

// Transport is one live bidirectional channel to a peer. Implementations
// must serialize Send calls internally; Close is idempotent.
type Transport interface {
	// Send encodes and writes a single frame. It must not block past the
	// configured write deadline.
	Send(frame []byte) error
	// Close tears down the channel with a human-readable reason.
	Close(reason string) error
	// RemoteAddr identifies the peer endpoint for logging.
	RemoteAddr() string
}

// DeviceConnection is one live transport session for a signing tablet.
// It starts unauthenticated; a successful in-band authentication frame
// promotes it. At most one authenticated connection exists per device id.
type DeviceConnection struct {
	DeviceID      string
	TenantID      string
	LocationID    string
	WorkstationID string // paired workstation, optional
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Authenticated bool
	Transport     Transport
}

// WorkstationConnection is the originating workstation's live session.
type WorkstationConnection struct {
	WorkstationID string
	TenantID      string
	UserID        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Authenticated bool
	Transport     Transport
}
