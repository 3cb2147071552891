package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"msgflow/internal/config"
	"msgflow/internal/logger"
	"msgflow/internal/pipeline"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/models"
)

const defaultCacheTarget = "cache"

type cacheLookup struct {
	name       string
	client     redis.UniversalClient
	keyPattern string
	field      string
	target     string
	logger     logger.Logger
}

// newCacheLookup reads a Redis key built from key_pattern and merges the
// value into attribute target. A missing key is a stage failure.
func newCacheLookup(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error) {
	if deps.Redis == nil {
		return nil, pkgerrors.Configf("stage %q: cache_lookup requires a redis connection", cfg.Name)
	}
	if cfg.KeyPattern == "" {
		return nil, pkgerrors.Configf("stage %q: key_pattern is required for cache_lookup", cfg.Name)
	}
	if strings.Contains(cfg.KeyPattern, "{field_value}") && cfg.Field == "" {
		return nil, pkgerrors.Configf("stage %q: key_pattern uses {field_value} but no field is set", cfg.Name)
	}

	target := cfg.Target
	if target == "" {
		target = defaultCacheTarget
	}

	return &cacheLookup{
		name:       cfg.Name,
		client:     deps.Redis,
		keyPattern: cfg.KeyPattern,
		field:      cfg.Field,
		target:     target,
		logger:     deps.Logger,
	}, nil
}

func (c *cacheLookup) Transform(ctx context.Context, msg models.Message) (models.Message, error) {
	key, err := c.key(msg)
	if err != nil {
		return models.Message{}, err
	}

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return models.Message{}, fmt.Errorf("cache key not found: %s", key)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("redis get failed: %w", err)
	}

	c.logger.DebugwCtx(ctx, "Cache lookup hit",
		"stage", c.name,
		"cache_key", key,
	)

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return msg.WithAttribute(c.target, map[string]interface{}{"value": val}), nil
	}
	return msg.WithAttribute(c.target, data), nil
}

func (c *cacheLookup) key(msg models.Message) (string, error) {
	key := strings.ReplaceAll(c.keyPattern, "{id}", msg.ID)
	key = strings.ReplaceAll(key, "{source}", msg.Source)

	if c.field == "" {
		return key, nil
	}
	payload, _ := msg.PayloadMap()
	value, ok := lookupField(payload, c.field)
	if !ok {
		return "", fmt.Errorf("field %s not found in payload", c.field)
	}
	return strings.ReplaceAll(key, "{field_value}", fmt.Sprintf("%v", value)), nil
}
