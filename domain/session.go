package domain

import "time"

// SessionKind discriminates the two signature flows sharing one lifecycle.
type SessionKind string

const (
	// KindSimple is an ad-hoc signature with no source document.
	KindSimple SessionKind = "simple"
	// KindDocument binds the signature to a rendered source document that
	// must be composited and stored before the session is finalized.
	KindDocument SessionKind = "document"
)

// SessionStatus is the state machine position of a signature session.
type SessionStatus string

const (
	StatusPending           SessionStatus = "pending"
	StatusSentToDevice      SessionStatus = "sent_to_device"
	StatusDeviceViewing     SessionStatus = "device_viewing"
	StatusSigningInProgress SessionStatus = "signing_in_progress"
	StatusCompleted         SessionStatus = "completed"
	StatusExpired           SessionStatus = "expired"
	StatusCancelled         SessionStatus = "cancelled"
	StatusError             SessionStatus = "error"
)

// IsTerminal reports whether the status can never change again.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusError:
		return true
	}
	return false
}

// statusRank orders the non-terminal progress states. Terminal states are
// reachable from any non-terminal state; backwards moves are never allowed.
var statusRank = map[SessionStatus]int{
	StatusPending:           0,
	StatusSentToDevice:      1,
	StatusDeviceViewing:     2,
	StatusSigningInProgress: 3,
}

// CanTransitionTo reports whether moving from s to next is a legal,
// forward-only transition.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	from, okFrom := statusRank[s]
	to, okTo := statusRank[next]
	if !okFrom || !okTo {
		return false
	}
	return to > from
}

// SignatureSession is the durable unit of work: one signature request's
// full lifecycle from creation to a terminal outcome.
type SignatureSession struct {
	ID             string            `bson:"_id"`
	TenantID       string            `bson:"tenant_id"`
	LocationID     string            `bson:"location_id,omitempty"`
	WorkstationID  string            `bson:"workstation_id"`
	TargetDeviceID string            `bson:"target_device_id,omitempty"` // bound once a device accepts
	SignerName     string            `bson:"signer_name,omitempty"`
	Kind           SessionKind       `bson:"kind"`
	Context        map[string]string `bson:"context,omitempty"` // opaque business context, never interpreted
	DocumentRef    string            `bson:"document_ref,omitempty"`
	SignatureRef   string            `bson:"signature_ref,omitempty"`
	Signature      []byte            `bson:"signature,omitempty"` // inline image, simple sessions only
	Status         SessionStatus     `bson:"status"`
	StatusReason   string            `bson:"status_reason,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	ExpiresAt      time.Time         `bson:"expires_at"`
	CompletedAt    *time.Time        `bson:"completed_at,omitempty"`
}

// Expired reports whether the session's expiry window has passed. The
// window is fixed at creation and never extended.
func (s *SignatureSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status   SessionStatus
	Kind     SessionKind
	FromDate time.Time
	ToDate   time.Time
}
