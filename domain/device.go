package domain

import "time"

// Device is the durable pairing record binding a physical tablet to a
// tenant and location. Pairing produces the long-lived API key whose hash
// is stored here; the key itself is shown to the operator exactly once.
type Device struct {
	DeviceID      string     `bson:"_id"`
	TenantID      string     `bson:"tenant_id"`
	LocationID    string     `bson:"location_id"`
	WorkstationID string     `bson:"workstation_id,omitempty"` // optional fixed pairing
	Name          string     `bson:"name,omitempty"`
	APIKeyHash    string     `bson:"api_key_hash"`
	Active        bool       `bson:"active"`
	PairedAt      time.Time  `bson:"paired_at"`
	LastSeenAt    *time.Time `bson:"last_seen_at,omitempty"`
}
