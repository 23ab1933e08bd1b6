package audit

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`   // device, workstation or user identity
	Target    string    `json:"target,omitempty"`  // session id or device id
	Details   string    `json:"details,omitempty"` // additional details
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"` // error message if the action failed
}

var auditLogger = log.Output(os.Stdout).With().Logger()

// sink is the optional forwarder for audit events (e.g. Kafka). Nil means
// local logging only. Set once at startup via SetSink.
var sink Sink

// Sink receives serialized audit events fire-and-forget. Implementations
// must never block the protocol path for long; errors are logged, not
// returned to callers of Log.
type Sink interface {
	Emit(event []byte) error
}

// SetSink installs a forwarding sink. Call once during startup, before
// the first Log.
func SetSink(s Sink) {
	sink = s
}

// Log records an audit event. It never returns an error and is never
// awaited by the protocol path.
func Log(service, action, actor, target, details string, success bool, err error) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Service:   service,
		Action:    action,
		Actor:     actor,
		Target:    target,
		Details:   details,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		// Fallback to unstructured logging if JSON marshaling fails
		log.Error().Err(marshalErr).Msg("Failed to marshal audit event to JSON")
		auditLogger.Error().
			Str("service", service).
			Str("action", action).
			Str("actor", actor).
			Str("target", target).
			Str("details", details).
			Bool("success", success).
			Err(err).
			Msg("Audit Log (fallback)")
		return
	}

	auditLogger.Log().RawJSON("audit_event", entry).Msg("")

	if sink != nil {
		if emitErr := sink.Emit(entry); emitErr != nil {
			log.Warn().Err(emitErr).Msg("Audit sink emit failed")
		}
	}
}
