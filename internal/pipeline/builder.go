package pipeline

import (
	"strings"
	"sync"

	pkgerrors "msgflow/pkg/errors"
)

// Builder accumulates stages and freezes them into a Pipeline. It is single
// use: after Build every further call fails with a state error.
type Builder struct {
	mu      sync.Mutex
	name    string
	version string
	stages  []Stage
	names   map[string]struct{}
	built   bool
}

func NewBuilder(name, version string) *Builder {
	return &Builder{
		name:    name,
		version: version,
		names:   make(map[string]struct{}),
	}
}

// AddStage registers a named stage. Duplicate or empty names, a nil
// transformer and unknown policies are configuration errors.
func (b *Builder) AddStage(name string, t Transformer, policy Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return errBuilderFinalized()
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return pkgerrors.Configf("stage name is required")
	}
	if t == nil {
		return pkgerrors.Configf("stage %q has no transformer", name)
	}
	if !policy.valid() {
		return pkgerrors.Configf("stage %q has invalid policy %s", name, policy)
	}
	if _, exists := b.names[name]; exists {
		return pkgerrors.Configf("stage %q already registered", name)
	}

	b.names[name] = struct{}{}
	b.stages = append(b.stages, Stage{
		name:        name,
		transformer: t,
		policy:      policy,
	})
	return nil
}

func (b *Builder) AddFunc(name string, fn TransformFunc, policy Policy) error {
	if fn == nil {
		return b.AddStage(name, nil, policy)
	}
	return b.AddStage(name, fn, policy)
}

// Build freezes the registered stages. A pipeline must have at least one stage.
func (b *Builder) Build() (*Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return nil, errBuilderFinalized()
	}
	if len(b.stages) == 0 {
		return nil, pkgerrors.Configf("pipeline %q has no stages", b.name)
	}

	b.built = true
	stages := make([]Stage, len(b.stages))
	copy(stages, b.stages)

	name := b.name
	if name == "" {
		name = "default"
	}

	return &Pipeline{
		name:    name,
		version: b.version,
		stages:  stages,
	}, nil
}

func errBuilderFinalized() error {
	return pkgerrors.ErrState.WithDetail("message", "builder already finalized")
}
