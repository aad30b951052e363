// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_Minimal(t *testing.T) {
	ev, err := DecodeEvent(strings.NewReader(`{"traceback":"ValueError: x"}`))

	require.NoError(t, err)
	assert.Equal(t, "ValueError: x", ev.Traceback)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "", ev.FailingNodeID())
}

func TestDecodeEvent_Full(t *testing.T) {
	body := `{
		"traceback": "RuntimeError: boom",
		"timestamp": "2025-06-01T10:00:00Z",
		"node_context": {"node_id": "7", "node_class": "KSampler"},
		"workflow_graph": {"nodes": {"7": {"type": "KSampler", "inputs": ["4"]}, "4": {"type": "Loader"}}},
		"system_info": {"gpu": "RTX 4090"}
	}`

	ev, err := DecodeEvent(strings.NewReader(body))

	require.NoError(t, err)
	assert.Equal(t, "7", ev.FailingNodeID())
	assert.Equal(t, 2, ev.WorkflowGraph.Len())
	assert.Equal(t, []string{"4"}, ev.WorkflowGraph.Nodes["7"].Inputs)
	assert.Equal(t, 2025, ev.Timestamp.Year())
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty traceback": `{"traceback":""}`,
		"not json":        `{`,
		"missing node id": `{"traceback":"x","node_context":{"node_name":"a"}}`,
		"too large":       `{"traceback":"` + strings.Repeat("a", MaxTracebackBytes+1) + `"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(strings.NewReader(body))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNode_UnmarshalAPIExportShape(t *testing.T) {
	var g Graph
	data := `{
		"3": {"class_type": "KSampler", "inputs": {"seed": 5, "model": ["4", 0], "positive": [6, 0], "steps": [1, 2, 3]}},
		"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}}
	}`

	require.NoError(t, json.Unmarshal([]byte(data), &g))

	assert.Equal(t, "KSampler", g.Nodes["3"].Type)
	assert.Equal(t, []string{"4", "6"}, g.Nodes["3"].Inputs)
	assert.Empty(t, g.Nodes["4"].Inputs)
}

func TestGraph_CloneIsDeep(t *testing.T) {
	g := &Graph{Nodes: map[string]Node{"1": {Type: "A", Inputs: []string{"2"}}, "2": {Type: "B"}}}

	c := g.Clone()
	c.Nodes["1"].Inputs[0] = "changed"
	delete(c.Nodes, "2")

	assert.Equal(t, "2", g.Nodes["1"].Inputs[0])
	assert.True(t, g.Has("2"))
	assert.Equal(t, []string{"1", "2"}, g.IDs())
	assert.Nil(t, (*Graph)(nil).Clone())
	assert.Zero(t, (*Graph)(nil).Len())
}

func TestGraph_RoundTrip(t *testing.T) {
	g := &Graph{Nodes: map[string]Node{"1": {Type: "A", Inputs: []string{"2"}}}}

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var back Graph
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, g.Nodes, back.Nodes)
}
