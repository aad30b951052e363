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
	"context"
	"errors"
	"time"
)

// DefaultStageTimeout applies when a stage reports no timeout.
const DefaultStageTimeout = 10 * time.Second

// Capabilities provided and required by the built-in stages.
const (
	CapSanitizedTraceback = "sanitized_traceback"
	CapMatchedPatterns    = "matched_patterns"
	CapEnrichedContext    = "enriched_context"
	CapLLMPayload         = "llm_payload"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusOK       Status = "ok"
	StatusSkipped  Status = "skipped"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunOK       RunStatus = "ok"
	RunDegraded RunStatus = "degraded"
)

// Stage is one named unit of pipeline processing.
//
// Description:
//
//	Requires and Provides name capabilities, not stages. A stage runs only
//	when every capability it requires was provided by an earlier stage that
//	finished ok or degraded. Process returns StatusOK or StatusDegraded on
//	success; StatusSkipped means the stage had nothing to do and provides
//	nothing. A returned error, or a panic, marks only this stage failed.
//
// Thread Safety:
//
//	Stages are shared by concurrent runs and must not keep per-run state.
type Stage interface {
	Name() string
	Requires() []string
	Provides() []string
	Timeout() time.Duration
	Process(ctx context.Context, rc *Context) (Status, error)
}

// BaseStage supplies the static parts of a Stage. Embed it and implement
// Process.
type BaseStage struct {
	StageName     string
	StageRequires []string
	StageProvides []string
	StageTimeout  time.Duration
}

// Name returns the stage name.
func (s *BaseStage) Name() string {
	return s.StageName
}

// Requires returns the required capabilities, never nil.
func (s *BaseStage) Requires() []string {
	if s.StageRequires == nil {
		return []string{}
	}
	return s.StageRequires
}

// Provides returns the provided capabilities, never nil.
func (s *BaseStage) Provides() []string {
	if s.StageProvides == nil {
		return []string{}
	}
	return s.StageProvides
}

// Timeout returns the stage timeout or DefaultStageTimeout.
func (s *BaseStage) Timeout() time.Duration {
	if s.StageTimeout <= 0 {
		return DefaultStageTimeout
	}
	return s.StageTimeout
}

// FuncStage wraps a function as a Stage.
//
// Example:
//
//	st := pipeline.NewFuncStage("tagger", []string{pipeline.CapMatchedPatterns}, nil,
//	    func(ctx context.Context, rc *pipeline.Context) (pipeline.Status, error) {
//	        return pipeline.StatusOK, nil
//	    })
type FuncStage struct {
	BaseStage
	fn func(context.Context, *Context) (Status, error)
}

// NewFuncStage creates a stage from fn.
func NewFuncStage(
	name string,
	requires, provides []string,
	fn func(context.Context, *Context) (Status, error),
) *FuncStage {
	return &FuncStage{
		BaseStage: BaseStage{
			StageName:     name,
			StageRequires: requires,
			StageProvides: provides,
		},
		fn: fn,
	}
}

// Process runs the wrapped function.
func (s *FuncStage) Process(ctx context.Context, rc *Context) (Status, error) {
	if s.fn == nil {
		return StatusFailed, errors.New("func stage has no function")
	}
	return s.fn(ctx, rc)
}

// WithTimeout sets the stage timeout.
func (s *FuncStage) WithTimeout(d time.Duration) *FuncStage {
	s.StageTimeout = d
	return s
}
