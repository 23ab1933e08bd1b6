package domain

import "time"

// CachedArtifact is the ephemeral record bridging "signature received" and
// "signed artifact persisted". It is keyed by session id and lost on TTL
// eviction by design; callers needing durability must finalize first.
type CachedArtifact struct {
	SessionID      string
	TenantID       string
	TargetDeviceID string
	SignerName     string
	SignatureImage []byte
	DocumentBytes  []byte
	Metadata       map[string]string
	CachedAt       time.Time
}
