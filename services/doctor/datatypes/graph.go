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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Node is one workflow node as far as the pruner is concerned: its type and
// the ids of the nodes feeding its inputs.
type Node struct {
	Type   string   `json:"type"`
	Inputs []string `json:"inputs,omitempty"`
}

// UnmarshalJSON accepts both the minimal shape
//
//	{"type": "KSampler", "inputs": ["4", "5"]}
//
// and the editor's API export shape
//
//	{"class_type": "KSampler", "inputs": {"model": ["4", 0], "seed": 42}}
//
// In the export shape an input is a link when its value is a two element
// array whose first element is a node id. Link order follows the sorted
// input names so decoding is deterministic.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      string          `json:"type"`
		ClassType string          `json:"class_type"`
		Inputs    json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	n.Type = raw.Type
	if n.Type == "" {
		n.Type = raw.ClassType
	}
	n.Inputs = nil

	trimmed := bytes.TrimSpace(raw.Inputs)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var ids []json.RawMessage
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return fmt.Errorf("node inputs: %w", err)
		}
		for _, id := range ids {
			if s, ok := nodeID(id); ok {
				n.Inputs = append(n.Inputs, s)
			}
		}
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return fmt.Errorf("node inputs: %w", err)
		}
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			var link []json.RawMessage
			if json.Unmarshal(named[name], &link) != nil || len(link) != 2 {
				continue
			}
			if s, ok := nodeID(link[0]); ok {
				n.Inputs = append(n.Inputs, s)
			}
		}
	default:
		return fmt.Errorf("node inputs: unsupported shape")
	}
	return nil
}

// nodeID accepts ids encoded as strings or integers.
func nodeID(raw json.RawMessage) (string, bool) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, s != ""
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String(), true
	}
	return "", false
}

// Graph is a partial workflow graph keyed by node id.
type Graph struct {
	Nodes map[string]Node `json:"nodes"`
}

// UnmarshalJSON accepts {"nodes": {...}} or a bare id -> node map.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Nodes map[string]Node `json:"nodes"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Nodes != nil {
		g.Nodes = wrapped.Nodes
		return nil
	}
	var bare map[string]Node
	if err := json.Unmarshal(data, &bare); err != nil {
		return err
	}
	delete(bare, "nodes")
	g.Nodes = bare
	return nil
}

// Len returns the number of nodes; safe on a nil graph.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Nodes)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.Nodes[id]
	return ok
}

// IDs returns node ids in sorted order.
func (g *Graph) IDs() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{Nodes: make(map[string]Node, len(g.Nodes))}
	for id, n := range g.Nodes {
		out.Nodes[id] = Node{Type: n.Type, Inputs: append([]string(nil), n.Inputs...)}
	}
	return out
}
