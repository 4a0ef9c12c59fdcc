package logger

import "context"

// Standard field names for consistent structured logging across syncd.
// Use these constants instead of raw strings to keep log queries stable.
const (
	FieldComponent = "component"
	FieldEventID   = "event_id"
	FieldDedupKey  = "dedup_key"
	FieldEventType = "event_type"
	FieldSourceNode = "source_node"
	FieldTargetNode = "target_node"
	FieldUsername  = "username"
	FieldItemPath  = "item_path"
	FieldState     = "state"
	FieldAttempts  = "attempts"
	FieldReason    = "reason"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
)

type contextKey string

const eventIDKey contextKey = "logger_event_id"

// WithEventID attaches a pending-event id to the context for logging.
func WithEventID(ctx context.Context, eventID int64) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// FieldsFromContext extracts logging fields previously attached to ctx.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if id, ok := ctx.Value(eventIDKey).(int64); ok {
		fields = append(fields, FieldEventID, id)
	}
	return fields
}
