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
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// chain builds 0 <- 1 <- ... <- n-1, where node i takes node i-1 as input.
func chain(n int) *datatypes.Graph {
	g := &datatypes.Graph{Nodes: make(map[string]datatypes.Node, n)}
	for i := 0; i < n; i++ {
		node := datatypes.Node{Type: "Step"}
		if i > 0 {
			node.Inputs = []string{strconv.Itoa(i - 1)}
		}
		g.Nodes[strconv.Itoa(i)] = node
	}
	return g
}

// upstreamConnected reports whether every kept node is reachable from the
// failing node by following inputs inside the pruned graph.
func upstreamConnected(g *datatypes.Graph, failing string) bool {
	seen := map[string]bool{failing: true}
	stack := []string{failing}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, up := range g.Nodes[id].Inputs {
			if !seen[up] {
				seen[up] = true
				stack = append(stack, up)
			}
		}
	}
	return len(seen) == g.Len()
}

// =============================================================================
// Pruner
// =============================================================================

func TestPrune_LongChainRespectsMaxNodes(t *testing.T) {
	g := chain(100)

	out := Prune(g, "99", PruneOptions{MaxDepth: 1000, MaxNodes: 40})

	assert.LessOrEqual(t, out.Len(), 40)
	assert.Equal(t, 40, out.Len())
	assert.True(t, out.Has("99"))
	assert.True(t, out.Has("60"))
	assert.False(t, out.Has("59"))
	assert.True(t, upstreamConnected(out, "99"))
	assert.Empty(t, out.Nodes["60"].Inputs, "edge to a dropped node must be removed")
	assert.Equal(t, 100, g.Len(), "source graph is not modified")
}

func TestPrune_DefaultDepth(t *testing.T) {
	out := Prune(chain(100), "99", DefaultPruneOptions())

	assert.Equal(t, []string{"96", "97", "98", "99"}, out.IDs())
}

func TestPrune_UpstreamOnly(t *testing.T) {
	g := &datatypes.Graph{Nodes: map[string]datatypes.Node{
		"loader":  {Type: "CheckpointLoader"},
		"encode":  {Type: "CLIPTextEncode", Inputs: []string{"loader"}},
		"sampler": {Type: "KSampler", Inputs: []string{"loader", "encode", "encode"}},
		"decode":  {Type: "VAEDecode", Inputs: []string{"sampler", "loader"}},
		"save":    {Type: "SaveImage", Inputs: []string{"decode"}},
		"orphan":  {Type: "Note"},
	}}

	out := Prune(g, "sampler", DefaultPruneOptions())

	assert.Equal(t, []string{"encode", "loader", "sampler"}, out.IDs())
	assert.Equal(t, []string{"loader", "encode"}, out.Nodes["sampler"].Inputs)
}

func TestPrune_Edges(t *testing.T) {
	assert.Nil(t, Prune(nil, "1", DefaultPruneOptions()))

	empty := Prune(chain(3), "missing", DefaultPruneOptions())
	require.NotNil(t, empty)
	assert.Zero(t, empty.Len())

	onlySelf := Prune(chain(3), "2", PruneOptions{MaxDepth: 0, MaxNodes: 40})
	assert.Equal(t, []string{"2"}, onlySelf.IDs())

	clamp := Prune(chain(3), "2", PruneOptions{MaxDepth: 3, MaxNodes: 0})
	assert.Equal(t, []string{"2"}, clamp.IDs())
}

func TestPrune_UnknownInputsIgnored(t *testing.T) {
	g := &datatypes.Graph{Nodes: map[string]datatypes.Node{
		"a": {Type: "A", Inputs: []string{"ghost", "b"}},
		"b": {Type: "B"},
	}}

	out := Prune(g, "a", DefaultPruneOptions())

	assert.Equal(t, []string{"b"}, out.Nodes["a"].Inputs)
}

// =============================================================================
// Estimation and accounting
// =============================================================================

func TestHeuristicEstimator(t *testing.T) {
	var e HeuristicEstimator

	assert.Zero(t, e.Estimate(""))
	assert.Equal(t, 3, e.Estimate("one two"))
	assert.Equal(t, 25, e.Estimate(strings.Repeat("x", 100)))
	assert.Equal(t, "heuristic", e.Name())
	assert.IsType(t, HeuristicEstimator{}, NewEstimator("heuristic", nil))
	assert.IsType(t, &TiktokenEstimator{}, NewEstimator("tiktoken", nil))
}

func TestUsage(t *testing.T) {
	u := Usage{SectionTraceback: 50, SectionWorkflow: 50, SectionContext: 10}

	assert.Equal(t, 110, u.Total())
	name, n := u.Largest()
	assert.Equal(t, SectionTraceback, name)
	assert.Equal(t, 50, n)
}

func TestMeasure_Sections(t *testing.T) {
	p := &datatypes.LLMPayload{
		Traceback:  "RuntimeError: x",
		SystemInfo: map[string]string{"gpu": "RTX"},
		Workflow:   chain(2),
	}

	u := Measure(HeuristicEstimator{}, p)

	assert.Contains(t, u, SectionTraceback)
	assert.Contains(t, u, SectionSystemInfo)
	assert.Contains(t, u, SectionWorkflow)
	assert.Contains(t, u, SectionContext)
}

func TestExtractKeywords(t *testing.T) {
	kws := ExtractKeywords("torch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB")

	assert.Contains(t, kws, "cuda")
	assert.Contains(t, kws, "gpu")
	assert.Contains(t, kws, "vram")
	assert.Contains(t, kws, "memory")
	assert.NotContains(t, kws, "tried")
	assert.NotContains(t, kws, "00")
	assert.Equal(t, kws, ExtractKeywords("torch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB"))
}

// =============================================================================
// Trimmer
// =============================================================================

func bigInput(limits Limits) Input {
	var tb strings.Builder
	tb.WriteString("Traceback (most recent call last):\n")
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&tb, "  File \"~/ComfyUI/module_%d.py\", line %d, in fn_%d\n    call_%d()\n", i, i, i, i)
	}
	tb.WriteString("torch.cuda.OutOfMemoryError: CUDA out of memory")

	info := map[string]string{"gpu": "NVIDIA RTX 3060 12GB", "vram_free": "120MB", "cuda": "12.1"}
	for i := 0; i < 40; i++ {
		info[fmt.Sprintf("package_%02d", i)] = strings.Repeat("v", 40)
	}

	return Input{
		Traceback:    tb.String(),
		ErrorType:    "torch.cuda.OutOfMemoryError",
		ErrorMessage: "CUDA out of memory",
		Node:         &datatypes.NodeContext{NodeID: "99", NodeClass: "KSampler"},
		SystemInfo:   info,
		Graph:        chain(100),
		FailingNode:  "99",
		Keywords:     ExtractKeywords("torch.cuda.OutOfMemoryError: CUDA out of memory"),
		Class:        datatypes.ProviderRemote,
		Limits:       limits,
		Prune:        PruneOptions{MaxDepth: 100, MaxNodes: 40},
	}
}

func TestFit_UnderSoftLimitUntouched(t *testing.T) {
	in := Input{
		Traceback:   "ValueError: bad",
		Graph:       chain(5),
		FailingNode: "4",
		Class:       datatypes.ProviderLocal,
		Limits:      Limits{Soft: 1000, Hard: 2000},
		Prune:       DefaultPruneOptions(),
	}

	res := NewTrimmer(nil).Fit(in)

	require.Len(t, res.Payload.TrimSteps, 1)
	assert.Equal(t, "initial", res.Payload.TrimSteps[0].Step)
	assert.Equal(t, "ValueError: bad", res.Payload.Traceback)
	assert.Equal(t, 4, res.Payload.Workflow.Len())
	assert.False(t, res.OverSoft)
	assert.False(t, res.Exceeded)
	assert.Equal(t, res.Usage.Total(), res.Payload.EstimatedTokens)
}

func TestFit_TrimmingIsMonotonic(t *testing.T) {
	res := NewTrimmer(HeuristicEstimator{}).Fit(bigInput(Limits{Soft: 600, Hard: 900}))

	steps := res.Payload.TrimSteps
	require.Greater(t, len(steps), 1)
	for i := 1; i < len(steps); i++ {
		assert.LessOrEqual(t, steps[i].Tokens, steps[i-1].Tokens, "step %s", steps[i].Step)
	}
	assert.LessOrEqual(t, res.Payload.EstimatedTokens, 900)
	assert.False(t, res.Exceeded)
	assert.Contains(t, res.Payload.Traceback, "lines omitted")
	assert.Contains(t, res.Payload.Traceback, "CUDA out of memory")
	assert.True(t, res.Payload.Workflow.Has("99"))
}

func TestFit_OrderOfTrimming(t *testing.T) {
	res := NewTrimmer(HeuristicEstimator{}).Fit(bigInput(Limits{Soft: 600, Hard: 900}))

	var kinds []string
	for _, s := range res.Payload.TrimSteps[1:] {
		kind := strings.SplitN(s.Step, ":", 2)[0]
		if len(kinds) == 0 || kinds[len(kinds)-1] != kind {
			kinds = append(kinds, kind)
		}
	}
	assert.Equal(t, []string{"prune", "system_info", "traceback"}, kinds)
}

func TestFit_SystemInfoKeepsKeywordEntries(t *testing.T) {
	in := bigInput(Limits{Soft: 600, Hard: 900})

	condensed := condenseInfo(in.SystemInfo, in.Keywords, 3, false)

	assert.Len(t, condensed, 3)
	assert.Contains(t, condensed, "gpu")
	assert.Contains(t, condensed, "cuda")
	assert.Contains(t, condensed, "vram_free")

	only := condenseInfo(in.SystemInfo, in.Keywords, 8, true)
	assert.Len(t, only, 3)
}

func TestFit_BudgetExceeded(t *testing.T) {
	in := Input{
		Traceback:    "RuntimeError: boom",
		ErrorMessage: strings.Repeat("unavoidable context ", 200),
		Class:        datatypes.ProviderLocal,
		Limits:       Limits{Soft: 10, Hard: 20},
		Prune:        DefaultPruneOptions(),
	}

	res := NewTrimmer(nil).Fit(in)

	assert.True(t, res.OverSoft)
	assert.True(t, res.Exceeded)
	require.NotNil(t, res.Payload)
}

func TestFit_SingleLineTracebackCutByChars(t *testing.T) {
	in := Input{
		Traceback: strings.Repeat("x", 40000),
		Class:     datatypes.ProviderLocal,
		Limits:    Limits{Soft: 500, Hard: 800},
	}

	res := NewTrimmer(nil).Fit(in)

	assert.Contains(t, res.Payload.Traceback, "chars omitted")
	assert.LessOrEqual(t, res.Payload.EstimatedTokens, 500)
}

func TestTruncateLines(t *testing.T) {
	text := "a\nb\nc\nd\ne\nf"

	assert.Equal(t, "a\nb\n... [3 lines omitted] ...\nf", TruncateLines(text, 2, 1))
	assert.Equal(t, text, TruncateLines(text, 3, 3))
}
