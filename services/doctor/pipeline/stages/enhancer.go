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
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/sanitize"
)

const (
	maxKeywords     = 32
	maxErrorMessage = 1024
)

// errorLine matches "pkg.module.SomeError: message" style summary lines.
var errorLine = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt|Warning|Fault))(?::\s*(.*))?$`)

// ContextEnhancer derives the error type, message, keywords and sanitized
// system information used to build the payload.
type ContextEnhancer struct {
	pipeline.BaseStage
}

// NewContextEnhancer creates the enhancer stage.
func NewContextEnhancer() *ContextEnhancer {
	return &ContextEnhancer{BaseStage: pipeline.BaseStage{
		StageName:     contract.KeyEnhancer,
		StageRequires: []string{pipeline.CapSanitizedTraceback, pipeline.CapMatchedPatterns},
		StageProvides: []string{pipeline.CapEnrichedContext},
		StageTimeout:  5 * time.Second,
	}}
}

// Process implements pipeline.Stage.
func (e *ContextEnhancer) Process(_ context.Context, rc *pipeline.Context) (pipeline.Status, error) {
	level, err := privacyLevel(rc)
	if err != nil {
		return pipeline.StatusFailed, err
	}

	errType, msg := ParseError(rc.SanitizedTraceback)
	keywords := budget.ExtractKeywords(errType + " " + msg)
	for _, m := range rc.Matches {
		if m.Category != "" {
			keywords = appendUnique(keywords, m.Category)
		}
	}
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}

	var info map[string]string
	if len(rc.Event.SystemInfo) > 0 {
		info = make(map[string]string, len(rc.Event.SystemInfo))
		for k, v := range rc.Event.SystemInfo {
			info[sanitize.Sanitize(k, level)] = sanitize.Sanitize(v, level)
		}
	}

	rc.SetMetadata(e.Name(), &contract.EnhancerMetadata{
		ErrorType:    errType,
		ErrorMessage: msg,
		Keywords:     keywords,
		SystemInfo:   info,
		NodeKnown:    rc.Event.NodeContext != nil,
		GraphNodes:   rc.Event.WorkflowGraph.Len(),
	})
	return pipeline.StatusOK, nil
}

// ParseError finds the exception summary line of a traceback, searching
// from the bottom. Without a recognizable line the last non-empty line is
// returned as the message.
func ParseError(traceback string) (errType, message string) {
	lines := strings.Split(strings.TrimRight(traceback, "\n"), "\n")
	last := ""
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if last == "" {
			last = line
		}
		if m := errorLine.FindStringSubmatch(line); m != nil {
			return m[1], clip(m[2], maxErrorMessage)
		}
	}
	return "", clip(last, maxErrorMessage)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// nodeForPayload returns a sanitized copy of the failing node context.
func nodeForPayload(n *datatypes.NodeContext, level sanitize.Level) *datatypes.NodeContext {
	if n == nil {
		return nil
	}
	return &datatypes.NodeContext{
		NodeID:    n.NodeID,
		NodeName:  sanitize.Sanitize(n.NodeName, level),
		NodeClass: n.NodeClass,
		NodeTitle: sanitize.Sanitize(n.NodeTitle, level),
	}
}
