// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
)

// Pipeline is an ordered, validated set of stages. It is immutable and safe
// to share between runs.
type Pipeline struct {
	name     string
	stages   []Stage
	warnings []string
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// StageNames returns stage names in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Warnings returns build-time findings that do not prevent running, such as
// requirements no stage provides.
func (p *Pipeline) Warnings() []string {
	return append([]string(nil), p.warnings...)
}

// Builder assembles a Pipeline.
//
// Description:
//
//	Errors are accumulated and reported by Build so calls can be chained.
//
// Example:
//
//	p, err := pipeline.NewBuilder("doctor").
//	    Add(sanitizer).
//	    Add(matcher).
//	    Build()
type Builder struct {
	name      string
	stages    []Stage
	names     map[string]bool
	providers map[string]string
	errors    []error
}

// NewBuilder creates a builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		names:     make(map[string]bool),
		providers: make(map[string]string),
	}
}

// Add registers a stage. Registration order breaks ties in execution order.
func (b *Builder) Add(stage Stage) *Builder {
	if stage == nil {
		b.errors = append(b.errors, ErrNilStage)
		return b
	}
	name := stage.Name()
	if b.names[name] {
		b.errors = append(b.errors, fmt.Errorf("%w: %s", ErrDuplicateStage, name))
		return b
	}
	for _, capability := range stage.Provides() {
		if owner, ok := b.providers[capability]; ok {
			b.errors = append(b.errors, fmt.Errorf("%w: %s by %s and %s", ErrDuplicateProvider, capability, owner, name))
			return b
		}
	}
	for _, capability := range stage.Provides() {
		b.providers[capability] = name
	}
	b.names[name] = true
	b.stages = append(b.stages, stage)
	return b
}

// Build orders the stages so every stage follows the providers of its
// requirements.
//
// Description:
//
//	Kahn's algorithm over provider → consumer edges. Among stages that are
//	ready at the same time the one registered first runs first, so the
//	order is deterministic. A requirement with no provider is not an error:
//	the stage is kept and will be skipped at run time.
//
// Outputs:
//
//	*Pipeline - The ordered pipeline.
//	error - First accumulated Add error, ErrNoStages, or *CycleError.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.stages) == 0 {
		return nil, ErrNoStages
	}

	index := make(map[string]int, len(b.stages))
	for i, s := range b.stages {
		index[s.Name()] = i
	}

	var warnings []string
	indegree := make([]int, len(b.stages))
	dependents := make([][]int, len(b.stages))
	for i, s := range b.stages {
		seen := make(map[int]bool)
		for _, req := range s.Requires() {
			owner, ok := b.providers[req]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("stage %s requires %s, which no stage provides", s.Name(), req))
				continue
			}
			from := index[owner]
			if seen[from] {
				continue
			}
			seen[from] = true
			indegree[i]++
			dependents[from] = append(dependents[from], i)
		}
	}

	done := make([]bool, len(b.stages))
	order := make([]Stage, 0, len(b.stages))
	for len(order) < len(b.stages) {
		next := -1
		for i := range b.stages {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, s := range b.stages {
				if !done[i] {
					cycle = append(cycle, s.Name())
				}
			}
			return nil, &CycleError{Stages: cycle}
		}
		done[next] = true
		order = append(order, b.stages[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}

	return &Pipeline{name: b.name, stages: order, warnings: warnings}, nil
}
