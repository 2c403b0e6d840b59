package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every log record emitted with the enriched context.
type LogFields struct {
	TenantID      *string
	RunID         *string
	CorrelationID *string
	EventID       *string // provider external event id
	EventType     *string
	Channel       *string
	Component     string // e.g. "router.dispatcher"
}

// WithLogFields merges fields into ctx, newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.TenantID != nil {
		result.TenantID = next.TenantID
	}
	if next.RunID != nil {
		result.RunID = next.RunID
	}
	if next.CorrelationID != nil {
		result.CorrelationID = next.CorrelationID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Channel != nil {
		result.Channel = next.Channel
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}
