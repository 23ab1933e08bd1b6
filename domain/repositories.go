package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when the requested record does
// not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict is returned by UpdateSessionStatus when the expected
// status no longer matches, i.e. another writer transitioned the session
// first. First to reach a terminal state wins.
var ErrStatusConflict = errors.New("session status conflict")

// SessionRepository is the single source of truth for signature sessions.
// The orchestrator is the sole writer; all state transitions go through
// UpdateSessionStatus so concurrent submit/cancel/expire calls on the same
// session are serialized by a compare-and-set on the current status.
type SessionRepository interface {
	StoreSession(ctx context.Context, session *SignatureSession) error
	GetSessionByID(ctx context.Context, id string) (*SignatureSession, error)

	// UpdateSessionStatus transitions the session from expectedStatus,
	// applying the given mutation atomically. Returns ErrStatusConflict if
	// the stored status differs from expectedStatus.
	UpdateSessionStatus(ctx context.Context, id string, expectedStatus SessionStatus, update *SignatureSession) error

	// ListExpiredSessions returns non-terminal sessions whose expiry has
	// passed, for the periodic expiry sweep.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*SignatureSession, error)

	ListSessionsByTenant(ctx context.Context, tenantID string, filter SessionFilter) ([]*SignatureSession, error)
}

// DeviceRepository stores tablet pairing records.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *Device) error
	GetDeviceByID(ctx context.Context, deviceID string) (*Device, error)
	// TouchDevice records the device as seen now. Best-effort.
	TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error
	DeactivateDevice(ctx context.Context, deviceID string) error
	ListDevicesByTenant(ctx context.Context, tenantID string) ([]*Device, error)
}
