package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "msgflow")
	ctx = WithMessageID(ctx, "m-1")
	ctx = WithTraceID(ctx, "t-1")
	ctx = WithPipeline(ctx, "orders")

	assert.Equal(t, []interface{}{
		"trace_id", "t-1",
		"message_id", "m-1",
		"pipeline", "orders",
		"service_name", "msgflow",
	}, GetLogFields(ctx))
}

func TestContextKeysDoNotCollideWithStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), MessageIDKey, "foreign")
	assert.Empty(t, GetMessageID(ctx))

	ctx = WithRequestID(ctx, "req-9")
	assert.Equal(t, "req-9", GetRequestID(ctx))
}
