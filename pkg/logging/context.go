package logging

import (
	"context"
)

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	RequestIDKey   = "request_id"
	PipelineKey    = "pipeline"
)

// contextKey keeps values set here from colliding with other packages that
// use plain strings as context keys.
type contextKey string

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey(TraceIDKey), traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, contextKey(MessageIDKey), messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, contextKey(ServiceNameKey), serviceName)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey(RequestIDKey), requestID)
}

func WithPipeline(ctx context.Context, pipeline string) context.Context {
	return context.WithValue(ctx, contextKey(PipelineKey), pipeline)
}

func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return getString(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return getString(ctx, ServiceNameKey)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func GetPipeline(ctx context.Context) string {
	return getString(ctx, PipelineKey)
}

func getString(ctx context.Context, key string) string {
	if value, ok := ctx.Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

// GetLogFields returns the key/value pairs carried by ctx, in a fixed order.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []string{TraceIDKey, RequestIDKey, MessageIDKey, PipelineKey, ServiceNameKey} {
		if value := getString(ctx, key); value != "" {
			fields = append(fields, key, value)
		}
	}

	return fields
}
