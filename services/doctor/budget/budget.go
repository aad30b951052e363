// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget bounds the size of the payload sent to a model provider.
//
// It provides token estimation, per-section accounting against a soft and
// hard limit, upstream pruning of the workflow graph and the progressive
// trimming that fits a payload into its budget.
package budget

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// ErrBudgetExceeded is reported when the minimum payload is still above the
// hard limit.
var ErrBudgetExceeded = errors.New("token budget exceeded")

// Section names used in Usage.
const (
	SectionTraceback  = "traceback"
	SectionSystemInfo = "system_info"
	SectionWorkflow   = "workflow"
	SectionContext    = "context"
)

// Limits is the token budget for one provider class.
type Limits struct {
	Soft int
	Hard int
}

// Usage is estimated tokens per section.
type Usage map[string]int

// Total returns the sum over all sections.
func (u Usage) Total() int {
	n := 0
	for _, v := range u {
		n += v
	}
	return n
}

// Largest returns the section consuming the most tokens. Ties resolve by
// name so the result is deterministic.
func (u Usage) Largest() (string, int) {
	names := make([]string, 0, len(u))
	for k := range u {
		names = append(names, k)
	}
	sort.Strings(names)
	best, top := "", -1
	for _, k := range names {
		if u[k] > top {
			best, top = k, u[k]
		}
	}
	return best, top
}

// Measure estimates each section of a payload.
func Measure(est Estimator, p *datatypes.LLMPayload) Usage {
	u := Usage{SectionTraceback: est.Estimate(p.Traceback)}
	if len(p.SystemInfo) > 0 {
		u[SectionSystemInfo] = est.Estimate(mustJSON(p.SystemInfo))
	}
	if p.Workflow.Len() > 0 {
		u[SectionWorkflow] = est.Estimate(mustJSON(p.Workflow))
	}
	header := struct {
		ErrorType    string                 `json:"error_type,omitempty"`
		ErrorMessage string                 `json:"error_message,omitempty"`
		Node         *datatypes.NodeContext `json:"node,omitempty"`
		Matches      []datatypes.Match      `json:"matches,omitempty"`
	}{p.ErrorType, p.ErrorMessage, p.Node, p.Matches}
	u[SectionContext] = est.Estimate(mustJSON(header))
	return u
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// =============================================================================
// Keywords
// =============================================================================

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "not": true, "was": true,
	"are": true, "but": true, "from": true, "this": true, "that": true, "has": true,
	"have": true, "had": true, "tried": true, "error": true, "failed": true,
	"cannot": true, "could": true, "into": true, "than": true, "none": true,
	"object": true, "type": true, "value": true, "line": true, "file": true,
}

// keywordHints expands error vocabulary into the system info vocabulary it
// relates to.
var keywordHints = map[string][]string{
	"cuda":     {"gpu", "vram", "cuda", "driver"},
	"memory":   {"ram", "vram", "memory", "gpu"},
	"oom":      {"ram", "vram", "memory"},
	"mps":      {"gpu", "mps", "metal"},
	"torch":    {"torch", "pytorch", "cuda", "python"},
	"module":   {"python", "packages", "venv"},
	"import":   {"python", "packages", "venv"},
	"dtype":    {"torch", "precision", "gpu"},
	"driver":   {"driver", "gpu", "cuda"},
	"xformers": {"xformers", "torch", "cuda"},
}

var hintKeys = func() []string {
	keys := make([]string, 0, len(keywordHints))
	for k := range keywordHints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}()

// ExtractKeywords returns lowercase keywords from error text in first
// appearance order, expanded with related system-info terms. A word
// containing a hint key (outofmemoryerror contains memory) pulls in that
// key's terms.
func ExtractKeywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(w string) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
	for _, f := range fields {
		for _, w := range strings.Split(f, "_") {
			if len(w) < 3 || stopwords[w] || isNumeric(w) {
				continue
			}
			add(w)
			for _, key := range hintKeys {
				if strings.Contains(w, key) {
					for _, hint := range keywordHints[key] {
						add(hint)
					}
				}
			}
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
