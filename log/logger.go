package log

import "context"

// Logger defines a standard interface for structured logging used by the
// server wiring. Individual packages use the global zerolog logger
// directly; this interface exists so transports and servers can be handed
// a logger without importing zerolog.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	Fatal(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	With(fields map[string]interface{}) Logger
}
