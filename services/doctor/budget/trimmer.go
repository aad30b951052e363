// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// DefaultMaxSystemInfo caps system info entries when condensing.
const DefaultMaxSystemInfo = 8

// tracebackWindows are the head/tail line counts tried in order.
var tracebackWindows = [][2]int{{40, 60}, {20, 40}, {10, 20}, {5, 10}, {2, 5}, {1, 3}}

// charWindows are head/tail rune counts for tracebacks without useful line
// structure, tried after the line windows.
var charWindows = [][2]int{{4000, 4000}, {2000, 2000}, {800, 800}, {300, 300}, {120, 120}}

// Input is everything the trimmer may place in a payload.
type Input struct {
	Traceback    string
	ErrorType    string
	ErrorMessage string
	Node         *datatypes.NodeContext
	Matches      []datatypes.Match
	SystemInfo   map[string]string
	Graph        *datatypes.Graph
	FailingNode  string
	Keywords     []string
	Class        datatypes.ProviderClass
	Limits       Limits
	Prune        PruneOptions
}

// Result is the fitted payload.
type Result struct {
	Payload *datatypes.LLMPayload
	Usage   Usage

	// OverSoft is set when the payload is above the soft limit.
	OverSoft bool

	// Exceeded is set when even the minimum payload is above the hard limit.
	Exceeded bool
}

// Trimmer fits payloads into a token budget.
type Trimmer struct {
	est           Estimator
	maxSystemInfo int
}

// NewTrimmer returns a trimmer using est. A nil estimator means heuristic.
func NewTrimmer(est Estimator) *Trimmer {
	if est == nil {
		est = HeuristicEstimator{}
	}
	return &Trimmer{est: est, maxSystemInfo: DefaultMaxSystemInfo}
}

// Estimator returns the estimator in use.
func (t *Trimmer) Estimator() Estimator {
	return t.est
}

// Fit builds a payload and trims it into in.Limits.
//
// # Description
//
// The initial payload carries the workflow pruned with in.Prune, all system
// info and the full traceback. While the estimate is above the soft limit
// the trimmer applies, in order:
//
//  1. re-pruning with halved max_nodes, down to the failing node alone
//  2. system info condensed to a keyword-ranked subset, then keyword
//     matches only, then dropped
//  3. traceback cut to head and tail lines around an omission marker,
//     with shrinking windows, then by characters
//
// Every candidate is measured and accepted only if it does not raise the
// estimate, so Payload.TrimSteps is non-increasing. Trimming stops as soon
// as the estimate is within the soft limit.
//
// # Outputs
//
//   - Result: Exceeded is set when the smallest reachable payload is still
//     above the hard limit; the payload is returned regardless.
//
// # Thread Safety
//
// Safe for concurrent use if the Estimator is.
func (t *Trimmer) Fit(in Input) Result {
	st := &trimState{est: t.est, soft: in.Limits.Soft}
	st.start(&datatypes.LLMPayload{
		ErrorType:     in.ErrorType,
		ErrorMessage:  in.ErrorMessage,
		Traceback:     in.Traceback,
		Node:          in.Node,
		Matches:       in.Matches,
		SystemInfo:    copyInfo(in.SystemInfo),
		Workflow:      Prune(in.Graph, in.FailingNode, in.Prune),
		ProviderClass: in.Class,
		SoftLimit:     in.Limits.Soft,
		HardLimit:     in.Limits.Hard,
	})

	// (1) smaller graph
	for n := st.p.Workflow.Len(); n > 1 && st.over(); {
		n /= 2
		cand := st.clone()
		cand.Workflow = Prune(in.Graph, in.FailingNode, PruneOptions{MaxDepth: in.Prune.MaxDepth, MaxNodes: n})
		st.try(fmt.Sprintf("prune:max_nodes=%d", n), cand)
	}

	// (2) condensed system info
	if len(st.p.SystemInfo) > 0 && st.over() {
		cand := st.clone()
		cand.SystemInfo = condenseInfo(in.SystemInfo, in.Keywords, t.maxSystemInfo, false)
		st.try(fmt.Sprintf("system_info:top=%d", t.maxSystemInfo), cand)
	}
	if len(st.p.SystemInfo) > 0 && st.over() {
		cand := st.clone()
		cand.SystemInfo = condenseInfo(in.SystemInfo, in.Keywords, t.maxSystemInfo, true)
		st.try("system_info:keywords", cand)
	}
	if len(st.p.SystemInfo) > 0 && st.over() {
		cand := st.clone()
		cand.SystemInfo = nil
		st.try("system_info:dropped", cand)
	}

	// (3) shorter traceback
	for _, w := range tracebackWindows {
		if !st.over() {
			break
		}
		cand := st.clone()
		cand.Traceback = TruncateLines(in.Traceback, w[0], w[1])
		if cand.Traceback != st.p.Traceback {
			st.try(fmt.Sprintf("traceback:lines=%d+%d", w[0], w[1]), cand)
		}
	}
	base := st.p.Traceback
	for _, w := range charWindows {
		if !st.over() {
			break
		}
		cand := st.clone()
		cand.Traceback = truncateRunes(base, w[0], w[1])
		if cand.Traceback != st.p.Traceback {
			st.try(fmt.Sprintf("traceback:chars=%d+%d", w[0], w[1]), cand)
		}
	}

	total := st.usage.Total()
	st.p.EstimatedTokens = total
	st.p.Sections = st.usage
	return Result{
		Payload:  st.p,
		Usage:    st.usage,
		OverSoft: total > in.Limits.Soft,
		Exceeded: total > in.Limits.Hard,
	}
}

type trimState struct {
	est   Estimator
	soft  int
	p     *datatypes.LLMPayload
	usage Usage
}

func (s *trimState) start(p *datatypes.LLMPayload) {
	s.p = p
	s.usage = Measure(s.est, p)
	p.TrimSteps = []datatypes.TrimStep{{Step: "initial", Tokens: s.usage.Total()}}
}

func (s *trimState) over() bool {
	return s.usage.Total() > s.soft
}

func (s *trimState) clone() *datatypes.LLMPayload {
	c := *s.p
	return &c
}

// try accepts cand when it does not increase the estimate.
func (s *trimState) try(step string, cand *datatypes.LLMPayload) bool {
	u := Measure(s.est, cand)
	if u.Total() > s.usage.Total() {
		return false
	}
	cand.TrimSteps = append(append([]datatypes.TrimStep(nil), s.p.TrimSteps...),
		datatypes.TrimStep{Step: step, Tokens: u.Total()})
	s.p = cand
	s.usage = u
	return true
}

// TruncateLines keeps the first head and last tail lines and replaces the
// rest with a count marker. Text that is already short enough is returned
// unchanged.
func TruncateLines(text string, head, tail int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= head+tail+1 {
		return text
	}
	omitted := len(lines) - head - tail
	out := make([]string, 0, head+tail+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... [%d lines omitted] ...", omitted))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}

func truncateRunes(text string, head, tail int) string {
	r := []rune(text)
	if len(r) <= head+tail+32 {
		return text
	}
	omitted := len(r) - head - tail
	return string(r[:head]) + fmt.Sprintf(" ... [%d chars omitted] ... ", omitted) + string(r[len(r)-tail:])
}

func copyInfo(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// condenseInfo ranks entries by how many keywords they mention and keeps at
// most limit of them. With keywordsOnly, entries mentioning no keyword are
// dropped.
func condenseInfo(info map[string]string, keywords []string, limit int, keywordsOnly bool) map[string]string {
	type scored struct {
		key   string
		score int
	}
	ranked := make([]scored, 0, len(info))
	for k, v := range info {
		hay := strings.ToLower(k + " " + v)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(hay, kw) {
				score++
			}
		}
		if keywordsOnly && score == 0 {
			continue
		}
		ranked = append(ranked, scored{key: k, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].key < ranked[j].key
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if len(ranked) == 0 {
		return nil
	}
	out := make(map[string]string, len(ranked))
	for _, s := range ranked {
		out[s.key] = info[s.key]
	}
	return out
}
