// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/patterns"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
)

// PatternMatcher classifies the sanitized traceback with the rule store and
// then asks each executable plugin for an opinion.
type PatternMatcher struct {
	pipeline.BaseStage
	store   *patterns.Store
	plugins PluginSource
	logger  *slog.Logger
}

// NewPatternMatcher creates the matcher stage. plugins may be nil.
func NewPatternMatcher(store *patterns.Store, plugins PluginSource, logger *slog.Logger) *PatternMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatternMatcher{
		BaseStage: pipeline.BaseStage{
			StageName:     contract.KeyMatcher,
			StageRequires: []string{pipeline.CapSanitizedTraceback},
			StageProvides: []string{pipeline.CapMatchedPatterns},
			StageTimeout:  30 * time.Second,
		},
		store:   store,
		plugins: plugins,
		logger:  logger,
	}
}

// Process implements pipeline.Stage.
//
// Description:
//
//	Records at most one built-in match: the highest-priority rule, ties
//	resolved by declaration order. Plugin suggestions are appended after it
//	in invocation order and never replace it. A plugin that returns nil has
//	no opinion. A plugin error becomes a warning on the run; the stage still
//	succeeds.
func (m *PatternMatcher) Process(ctx context.Context, rc *pipeline.Context) (pipeline.Status, error) {
	text := rc.SanitizedTraceback
	meta := &contract.MatcherMetadata{RulesGeneration: m.store.Snapshot().Generation}

	if p, ok := m.store.Match(text); ok {
		rc.Matches = append(rc.Matches, datatypes.Match{
			PatternID:     p.ID,
			Category:      string(p.Category),
			SuggestionKey: p.SuggestionKey,
			Priority:      p.Priority,
			Source:        datatypes.SourceBuiltin,
		})
		meta.BuiltinMatched = true
		meta.PatternID = p.ID
	}

	if m.plugins != nil {
		for _, pm := range m.plugins.Matchers() {
			if err := ctx.Err(); err != nil {
				rc.Warn("plugin matching interrupted: %v", err)
				break
			}
			meta.PluginsInvoked++
			s, err := pm.Match(ctx, text)
			if err != nil {
				msg := fmt.Sprintf("%s: %v", pm.ID(), err)
				meta.PluginErrors = append(meta.PluginErrors, msg)
				rc.Warn("plugin %s", msg)
				m.logger.Warn("plugin failed",
					slog.String("run_id", rc.RunID),
					slog.String("plugin", pm.ID()),
					slog.String("error", err.Error()))
				continue
			}
			if s == nil {
				continue
			}
			meta.PluginMatches++
			rc.Matches = append(rc.Matches, datatypes.Match{
				Source:     datatypes.SourcePlugin,
				PluginID:   pm.ID(),
				Suggestion: s.Suggestion,
				Metadata:   s.Metadata,
			})
		}
	}

	rc.SetMetadata(m.Name(), meta)
	return pipeline.StatusOK, nil
}
