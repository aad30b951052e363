// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages holds the built-in analysis stages:
//
//	sanitizer            provides sanitized_traceback
//	pattern_matcher      sanitized_traceback → matched_patterns
//	context_enhancer     sanitized_traceback, matched_patterns → enriched_context
//	llm_context_builder  sanitized_traceback, enriched_context → llm_payload
//
// Each stage records typed metadata under its own name for the metadata
// contract.
package stages

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/patterns"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/plugins"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

// PipelineName names the default pipeline.
const PipelineName = "doctor"

var (
	// ErrEmptyTraceback is returned by the sanitizer for blank input.
	ErrEmptyTraceback = errors.New("empty traceback")

	// ErrMissingEnrichment is returned when a stage finds its input
	// metadata absent or of the wrong type.
	ErrMissingEnrichment = errors.New("missing enrichment")
)

// PluginSource supplies the executable plugins for one run.
type PluginSource interface {
	Matchers() []plugins.Matcher
}

// Deps are the shared collaborators of the built-in stages.
type Deps struct {
	Store   *patterns.Store
	Plugins PluginSource
	Trimmer *budget.Trimmer
	Logger  *slog.Logger
}

// Build assembles the default pipeline.
func Build(d Deps) (*pipeline.Pipeline, error) {
	if d.Store == nil {
		return nil, errors.New("stages: pattern store is required")
	}
	if d.Trimmer == nil {
		d.Trimmer = budget.NewTrimmer(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return pipeline.NewBuilder(PipelineName).
		Add(NewSanitizer()).
		Add(NewPatternMatcher(d.Store, d.Plugins, d.Logger)).
		Add(NewContextEnhancer()).
		Add(NewLLMContextBuilder(d.Trimmer)).
		Build()
}

// privacyLevel reads the run's configured sanitization level.
func privacyLevel(rc *pipeline.Context) (sanitize.Level, error) {
	level, err := sanitize.ParseLevel(rc.Config.Privacy.Mode)
	if err != nil {
		return sanitize.LevelStrict, fmt.Errorf("privacy mode: %w", err)
	}
	return level, nil
}
