package stages

import (
	"context"
	"strings"
	"time"

	"msgflow/internal/config"
	"msgflow/internal/pipeline"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/models"
)

const (
	defaultTimestampField = "processed_at"
	defaultMarkerField    = "persisted"
)

func newRequirePayload(_ config.StageConfig, _ Deps) (pipeline.Transformer, error) {
	return pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		if msg.IsEmpty() {
			return models.Message{}, pipeline.Reject("empty payload")
		}
		return msg, nil
	}), nil
}

func newRequireFields(cfg config.StageConfig, _ Deps) (pipeline.Transformer, error) {
	if len(cfg.Fields) == 0 {
		return nil, pkgerrors.Configf("stage %q: require_fields needs at least one field", cfg.Name)
	}
	fields := append([]string(nil), cfg.Fields...)

	return pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		payload, ok := msg.PayloadMap()
		if !ok {
			return models.Message{}, pipeline.Reject("payload is not a JSON object")
		}
		for _, field := range fields {
			if _, found := lookupField(payload, field); !found {
				return models.Message{}, pipeline.Rejectf("missing field %s", field)
			}
		}
		return msg, nil
	}), nil
}

func newTimestamp(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error) {
	field := cfg.Field
	if field == "" {
		field = defaultTimestampField
	}
	now := deps.Now

	return pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithAttribute(field, now().UTC().Format(time.RFC3339Nano)), nil
	}), nil
}

func newMarker(cfg config.StageConfig, _ Deps) (pipeline.Transformer, error) {
	field := cfg.Field
	if field == "" {
		field = defaultMarkerField
	}
	var value interface{} = true
	if cfg.Value != nil {
		value = cfg.Value
	}

	return pipeline.TransformFunc(func(_ context.Context, msg models.Message) (models.Message, error) {
		return msg.WithAttribute(field, value), nil
	}), nil
}

// lookupField resolves a dot separated path such as "customer.id".
func lookupField(data map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
