package broker

import (
	"context"

	"msgflow/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, env models.Envelope) error
	Close() error
}

type Consumer interface {
	// Consume blocks until ctx is done, handing each decoded envelope to
	// handler. Envelopes the handler keeps failing on go to the DLQ topic.
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, env models.Envelope) error

// DLQ reasons, used as metric labels and in the envelope metadata.
const (
	ReasonDecode          = "decode_failed"
	ReasonInvalid         = "invalid_envelope"
	ReasonRetriesExceeded = "max_retries_exceeded"
	ReasonFailedOutcome   = "processing_failed"
)
