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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/budget"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/contract"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/patterns"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/pipeline"
	"github.com/AleutianAI/AleutianDoctor/services/doctor/plugins"
)

const cudaOOM = `Traceback (most recent call last):
  File "/opt/comfy/execution.py", line 151, in recursive_execute
    output_data, output_ui = get_output_data(obj, input_data_all)
  File "/opt/comfy/nodes.py", line 1206, in sample
    return common_ksampler(model, seed, steps, cfg)
torch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB
`

type fakeMatcher struct {
	id    string
	s     *plugins.Suggestion
	err   error
	calls int
}

func (f *fakeMatcher) ID() string { return f.id }

func (f *fakeMatcher) Match(context.Context, string) (*plugins.Suggestion, error) {
	f.calls++
	return f.s, f.err
}

type fakeSource []plugins.Matcher

func (f fakeSource) Matchers() []plugins.Matcher { return f }

func newOrchestrator(t *testing.T, src PluginSource, trimmer *budget.Trimmer) *pipeline.Orchestrator {
	t.Helper()
	store, err := patterns.NewStore(patterns.Options{})
	require.NoError(t, err)
	p, err := Build(Deps{Store: store, Plugins: src, Trimmer: trimmer})
	require.NoError(t, err)
	o, err := pipeline.NewOrchestrator(p, nil, nil)
	require.NoError(t, err)
	return o
}

func cudaEvent() datatypes.ErrorEvent {
	return datatypes.ErrorEvent{
		Traceback: cudaOOM,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		NodeContext: &datatypes.NodeContext{
			NodeID:    "3",
			NodeName:  "KSampler",
			NodeClass: "KSampler",
		},
		SystemInfo: map[string]string{"gpu": "RTX 3060", "vram": "12 GiB", "os": "linux"},
	}
}

func TestBuild_Order(t *testing.T) {
	store, err := patterns.NewStore(patterns.Options{})
	require.NoError(t, err)
	p, err := Build(Deps{Store: store})
	require.NoError(t, err)

	assert.Equal(t, []string{
		contract.KeySanitizer, contract.KeyMatcher, contract.KeyEnhancer, contract.KeyBuilder,
	}, p.StageNames())
	assert.Empty(t, p.Warnings())

	_, err = Build(Deps{})
	assert.Error(t, err)
}

func TestRun_CudaOOM(t *testing.T) {
	o := newOrchestrator(t, nil, nil)
	cfg := config.Default()

	rc := o.Run(context.Background(), cudaEvent(), cfg)
	out := rc.Output()

	assert.Equal(t, pipeline.RunOK, out.Status)
	assert.False(t, out.Quarantined, out.QuarantineReason)
	assert.True(t, out.Ready)
	assert.False(t, out.BudgetExceeded)
	assert.Equal(t, contract.Version, out.MetadataContractVersion)
	assert.Equal(t, cudaOOM, rc.SanitizedTraceback)

	require.Len(t, out.MatchedPatterns, 1)
	m := out.MatchedPatterns[0]
	assert.Equal(t, "cuda_oom", m.PatternID)
	assert.Equal(t, datatypes.SourceBuiltin, m.Source)
	assert.GreaterOrEqual(t, m.Priority, 80)

	for _, name := range o.Pipeline().StageNames() {
		assert.Equal(t, pipeline.StatusOK, out.StageStatus[name], name)
	}

	require.NotNil(t, out.LLMPayload)
	assert.Equal(t, datatypes.ProviderLocal, out.LLMPayload.ProviderClass)
	assert.Equal(t, "torch.cuda.OutOfMemoryError", out.LLMPayload.ErrorType)
	assert.Contains(t, out.LLMPayload.ErrorMessage, "CUDA out of memory")
	assert.LessOrEqual(t, out.LLMPayload.EstimatedTokens, cfg.Budget.Local.SoftLimit)
	assert.Equal(t, "KSampler", out.LLMPayload.Node.NodeName)

	enriched, ok := rc.Metadata(contract.KeyEnhancer)
	require.True(t, ok)
	em := enriched.(*contract.EnhancerMetadata)
	assert.Contains(t, em.Keywords, "cuda")
	assert.True(t, em.NodeKnown)
}

func TestRun_TamperedPluginIsBlocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("plugin tests need /bin/sh")
	}
	root := t.TempDir()
	path := filepath.Join(root, "gpu_hints.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho '{\"suggestion\":\"x\"}'\n"), 0o644))
	m, err := plugins.BuildManifest(path, "1.0.0", nil)
	require.NoError(t, err)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "gpu_hints.json"), data, 0o644))

	// Modified after the manifest was written.
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho '{\"suggestion\":\"evil\"}'\n"), 0o644))

	engine := plugins.NewEngine(config.PluginsConfig{
		EnableCommunity: true,
		Allowlist:       []string{"gpu_hints"},
		Root:            root,
		MaxFileBytes:    4096,
		Timeout:         2 * time.Second,
		MaxOutputBytes:  1024,
		Interpreters:    map[string][]string{".sh": {"/bin/sh"}},
	}, nil)
	loaded, err := engine.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, plugins.Blocked, loaded[0].Decision)
	assert.Contains(t, loaded[0].Reason, "sha256 mismatch")

	o := newOrchestrator(t, engine, nil)
	out := o.Run(context.Background(), cudaEvent(), nil).Output()

	assert.Equal(t, pipeline.StatusOK, out.StageStatus[contract.KeyMatcher])
	require.Len(t, out.MatchedPatterns, 1)
	assert.Equal(t, datatypes.SourceBuiltin, out.MatchedPatterns[0].Source)
	assert.True(t, out.Ready)
}

func TestRun_PluginResults(t *testing.T) {
	good := &fakeMatcher{id: "gpu_hints", s: &plugins.Suggestion{
		Suggestion: "lower the batch size",
		Metadata:   map[string]any{"vram": "12"},
	}}
	silent := &fakeMatcher{id: "quiet"}
	broken := &fakeMatcher{id: "broken", err: errors.New("exit status 1")}

	o := newOrchestrator(t, fakeSource{broken, silent, good}, nil)
	rc := o.Run(context.Background(), cudaEvent(), nil)
	out := rc.Output()

	assert.Equal(t, pipeline.RunOK, out.Status)
	assert.Equal(t, pipeline.StatusOK, out.StageStatus[contract.KeyMatcher])
	require.Len(t, out.MatchedPatterns, 2)
	assert.Equal(t, datatypes.SourceBuiltin, out.MatchedPatterns[0].Source)
	assert.Equal(t, "gpu_hints", out.MatchedPatterns[1].PluginID)
	assert.Equal(t, "lower the batch size", out.MatchedPatterns[1].Suggestion)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1, silent.calls)

	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "broken")

	meta, _ := rc.Metadata(contract.KeyMatcher)
	mm := meta.(*contract.MatcherMetadata)
	assert.Equal(t, 3, mm.PluginsInvoked)
	assert.Equal(t, 1, mm.PluginMatches)
	assert.Len(t, mm.PluginErrors, 1)
	assert.True(t, mm.BuiltinMatched)
}

func TestRun_StrictPrivacy(t *testing.T) {
	ev := cudaEvent()
	ev.Traceback = `Traceback (most recent call last):
  File "/home/alice/ComfyUI/custom_nodes/pack/node.py", line 12, in run
    load(token="abcd1234efgh5678")
RuntimeError: failed to reach 192.168.1.20 for alice@example.com
`
	ev.NodeContext.NodeTitle = "upload to /home/alice/outputs"
	ev.SystemInfo = map[string]string{"python": "/home/alice/venv/bin/python"}

	cfg := config.Default()
	cfg.Privacy.Mode = "strict"
	o := newOrchestrator(t, nil, nil)
	rc := o.Run(context.Background(), ev, cfg)
	out := rc.Output()

	require.NotNil(t, out.LLMPayload)
	body, err := json.Marshal(out.LLMPayload)
	require.NoError(t, err)
	for _, leak := range []string{"alice", "192.168.1.20", "abcd1234efgh5678"} {
		assert.NotContains(t, string(body), leak)
		assert.NotContains(t, rc.SanitizedTraceback, leak)
	}
	assert.Equal(t, "RuntimeError", out.LLMPayload.ErrorType)

	meta, _ := rc.Metadata(contract.KeySanitizer)
	sm := meta.(*contract.SanitizerMetadata)
	assert.Equal(t, "strict", sm.Level)
	assert.NotEmpty(t, sm.Redactions)
}

func TestRun_EmptyTraceback(t *testing.T) {
	o := newOrchestrator(t, nil, nil)
	ev := cudaEvent()
	ev.Traceback = "  \n"
	out := o.Run(context.Background(), ev, nil).Output()

	assert.Equal(t, pipeline.RunDegraded, out.Status)
	assert.Equal(t, pipeline.StatusFailed, out.StageStatus[contract.KeySanitizer])
	assert.Contains(t, out.StageErrors[contract.KeySanitizer], "empty traceback")
	for _, name := range []string{contract.KeyMatcher, contract.KeyEnhancer, contract.KeyBuilder} {
		assert.Equal(t, pipeline.StatusSkipped, out.StageStatus[name], name)
	}
	assert.Nil(t, out.LLMPayload)
	assert.False(t, out.Ready)
	assert.NotNil(t, out.MatchedPatterns)
}

func TestRun_BudgetExceeded(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Class = "remote"
	cfg.Budget.Remote = config.Limits{SoftLimit: 5, HardLimit: 10}

	o := newOrchestrator(t, nil, nil)
	rc := o.Run(context.Background(), cudaEvent(), cfg)
	out := rc.Output()

	assert.True(t, out.BudgetExceeded)
	assert.False(t, out.Ready)
	assert.False(t, out.Quarantined, out.QuarantineReason)
	assert.Equal(t, pipeline.StatusDegraded, out.StageStatus[contract.KeyBuilder])
	require.NotNil(t, out.LLMPayload)
	assert.Equal(t, datatypes.ProviderRemote, out.LLMPayload.ProviderClass)
	assert.NotEmpty(t, out.LLMPayload.TrimSteps)

	found := false
	for _, w := range out.Warnings {
		found = found || strings.Contains(w, budget.ErrBudgetExceeded.Error())
	}
	assert.True(t, found, out.Warnings)
}

func TestRun_SoftLimitWarning(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.Local = config.Limits{SoftLimit: 5, HardLimit: 100000}

	out := newOrchestrator(t, nil, nil).Run(context.Background(), cudaEvent(), cfg).Output()

	assert.True(t, out.Ready)
	assert.False(t, out.BudgetExceeded)
	assert.Equal(t, pipeline.StatusOK, out.StageStatus[contract.KeyBuilder])
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[len(out.Warnings)-1], "soft limit")
}

func TestRun_UnknownPrivacyMode(t *testing.T) {
	cfg := config.Default()
	cfg.Privacy.Mode = "paranoid"

	out := newOrchestrator(t, nil, nil).Run(context.Background(), cudaEvent(), cfg).Output()
	assert.Equal(t, pipeline.StatusFailed, out.StageStatus[contract.KeySanitizer])
	assert.False(t, out.Ready)
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name, in, typ, msg string
	}{
		{"python", cudaOOM, "torch.cuda.OutOfMemoryError", "CUDA out of memory. Tried to allocate 2.00 GiB"},
		{"bare type", "Traceback:\nKeyboardInterrupt\n", "KeyboardInterrupt", ""},
		{"chained takes last", "ValueError: first\n\nDuring handling...\nKeyError: 'model'\n", "KeyError", "'model'"},
		{"no summary", "something odd happened\n\n", "", "something odd happened"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, msg := ParseError(tt.in)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.msg, msg)
		})
	}

	_, msg := ParseError(strings.Repeat("x", 5000))
	assert.Len(t, msg, maxErrorMessage)
}

func TestContextEnhancer_CapsKeywords(t *testing.T) {
	words := make([]string, 0, 80)
	for i := 0; i < 80; i++ {
		words = append(words, "keyword"+strings.Repeat("z", i%7)+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	rc := &pipeline.Context{
		Event:              datatypes.ErrorEvent{},
		Config:             config.Default(),
		SanitizedTraceback: "RuntimeError: " + strings.Join(words, " "),
		Enrichment:         map[string]any{},
	}
	status, err := NewContextEnhancer().Process(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusOK, status)

	meta := rc.Enrichment[contract.KeyEnhancer].(*contract.EnhancerMetadata)
	assert.LessOrEqual(t, len(meta.Keywords), maxKeywords)
	assert.False(t, meta.NodeKnown)
}

func TestLLMContextBuilder_RequiresEnrichment(t *testing.T) {
	rc := &pipeline.Context{Config: config.Default(), Enrichment: map[string]any{}}
	status, err := NewLLMContextBuilder(nil).Process(context.Background(), rc)
	assert.Equal(t, pipeline.StatusFailed, status)
	assert.ErrorIs(t, err, ErrMissingEnrichment)
}
