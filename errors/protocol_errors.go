package errors

import "fmt"

// ProtocolError is a reason-coded rejection surfaced to protocol peers and
// API callers. Codes are stable wire values; descriptions are for humans.
type ProtocolError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Stable error codes.
const (
	InvalidCredentials      = "invalid_credentials"
	TenantMismatch          = "tenant_mismatch"
	DeviceInactive          = "device_inactive"
	InvalidState            = "invalid_state"
	SessionExpired          = "session_expired"
	UnauthorizedDevice      = "unauthorized_device"
	InvalidSignaturePayload = "invalid_signature_payload"
	NoDeviceAvailable       = "no_device_available"
	SessionNotFound         = "session_not_found"
	InvalidRequest          = "invalid_request"
	ServerError             = "server_error"
	ServiceDegraded         = "service_degraded"
)

func NewInvalidCredentials(description string) *ProtocolError {
	return &ProtocolError{Code: InvalidCredentials, Description: description}
}

func NewTenantMismatch(description string) *ProtocolError {
	return &ProtocolError{Code: TenantMismatch, Description: description}
}

func NewDeviceInactive(deviceID string) *ProtocolError {
	return &ProtocolError{Code: DeviceInactive, Description: fmt.Sprintf("device %s is not active", deviceID)}
}

func NewInvalidState(sessionID string, description string) *ProtocolError {
	return &ProtocolError{Code: InvalidState, Description: description, SessionID: sessionID}
}

func NewSessionExpired(sessionID string) *ProtocolError {
	return &ProtocolError{Code: SessionExpired, Description: "session expiry window has passed", SessionID: sessionID}
}

func NewUnauthorizedDevice(sessionID, deviceID string) *ProtocolError {
	return &ProtocolError{
		Code:        UnauthorizedDevice,
		Description: fmt.Sprintf("device %s is not bound to this session", deviceID),
		SessionID:   sessionID,
	}
}

func NewInvalidSignaturePayload(description string) *ProtocolError {
	return &ProtocolError{Code: InvalidSignaturePayload, Description: description}
}

func NewSessionNotFound(sessionID string) *ProtocolError {
	return &ProtocolError{Code: SessionNotFound, Description: "no session with this id", SessionID: sessionID}
}

func NewInvalidRequest(description string) *ProtocolError {
	return &ProtocolError{Code: InvalidRequest, Description: description}
}

func NewServerError(description string) *ProtocolError {
	return &ProtocolError{Code: ServerError, Description: description}
}

// IsCode reports whether err is a ProtocolError with the given code.
func IsCode(err error, code string) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.Code == code
}
