// Package stages builds pipelines from configuration. Each stage type in the
// catalog turns a config.StageConfig into a pipeline.Transformer.
package stages

import (
	"time"

	"github.com/redis/go-redis/v9"

	"msgflow/internal/config"
	"msgflow/internal/logger"
	"msgflow/internal/pipeline"
	"msgflow/pkg/cel"
	pkgerrors "msgflow/pkg/errors"
)

const (
	TypeRequirePayload = "require_payload"
	TypeRequireFields  = "require_fields"
	TypeTimestamp      = "timestamp"
	TypeCELFilter      = "cel_filter"
	TypeCELTransform   = "cel_transform"
	TypeCacheLookup    = "cache_lookup"
	TypeMarker         = "marker"
)

// Deps are the shared collaborators stage constructors may need.
type Deps struct {
	Redis     redis.UniversalClient
	Evaluator *cel.Evaluator
	Logger    logger.Logger
	Now       func() time.Time
}

type factory func(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error)

var catalog = map[string]factory{
	TypeRequirePayload: newRequirePayload,
	TypeRequireFields:  newRequireFields,
	TypeTimestamp:      newTimestamp,
	TypeCELFilter:      newCELFilter,
	TypeCELTransform:   newCELTransform,
	TypeCacheLookup:    newCacheLookup,
	TypeMarker:         newMarker,
}

// Types lists the registered stage types.
func Types() []string {
	return []string{
		TypeRequirePayload, TypeRequireFields, TypeTimestamp,
		TypeCELFilter, TypeCELTransform, TypeCacheLookup, TypeMarker,
	}
}

// NeedsRedis reports whether any configured stage reads from Redis.
func NeedsRedis(cfg config.PipelineConfig) bool {
	for _, sc := range cfg.Stages {
		if sc.Type == TypeCacheLookup {
			return true
		}
	}
	return false
}

// New builds the transformer for a single stage definition.
func New(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error) {
	f, ok := catalog[cfg.Type]
	if !ok {
		return nil, pkgerrors.Configf("stage %q: unknown type %q", cfg.Name, cfg.Type)
	}
	return f(cfg, deps)
}

// Build assembles a pipeline from configuration. Every problem is reported as
// a configuration error.
func Build(cfg config.PipelineConfig, deps Deps) (*pipeline.Pipeline, error) {
	deps = withDefaults(deps)

	b := pipeline.NewBuilder(cfg.Name, cfg.Version)
	for _, sc := range cfg.Stages {
		policy, err := pipeline.ParsePolicy(sc.Policy)
		if err != nil {
			return nil, pkgerrors.Configf("stage %q: %v", sc.Name, err)
		}

		t, err := New(sc, deps)
		if err != nil {
			return nil, err
		}

		if err := b.AddStage(sc.Name, t, policy); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

func withDefaults(deps Deps) Deps {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return deps
}
