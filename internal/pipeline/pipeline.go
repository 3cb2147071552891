// Package pipeline defines immutable, ordered message processing pipelines
// and the builder that produces them. A Pipeline is built once and then
// shared read-only by any number of concurrent runs.
package pipeline

import (
	"fmt"
	"strings"
)

type Pipeline struct {
	name    string
	version string
	stages  []Stage
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) Version() string {
	return p.version
}

// Stages returns the ordered stages. The slice is a copy.
func (p *Pipeline) Stages() []Stage {
	stages := make([]Stage, len(p.stages))
	copy(stages, p.stages)
	return stages
}

func (p *Pipeline) Len() int {
	return len(p.stages)
}

// StageAt returns the i-th stage without copying the stage list.
func (p *Pipeline) StageAt(i int) Stage {
	return p.stages[i]
}

func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

func (p *Pipeline) String() string {
	label := p.name
	if p.version != "" {
		label = fmt.Sprintf("%s@%s", p.name, p.version)
	}
	return fmt.Sprintf("%s[%s]", label, strings.Join(p.StageNames(), " -> "))
}
