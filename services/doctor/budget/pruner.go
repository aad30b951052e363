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
	"github.com/AleutianAI/AleutianDoctor/services/doctor/datatypes"
)

// Default pruning bounds.
const (
	DefaultMaxDepth = 3
	DefaultMaxNodes = 40
)

// PruneOptions bounds the upstream walk.
type PruneOptions struct {
	// MaxDepth is the number of input hops followed from the failing node.
	// Zero keeps only the failing node.
	MaxDepth int

	// MaxNodes caps the result, failing node included. Values below one are
	// treated as one.
	MaxNodes int
}

// DefaultPruneOptions returns depth 3, nodes 40.
func DefaultPruneOptions() PruneOptions {
	return PruneOptions{MaxDepth: DefaultMaxDepth, MaxNodes: DefaultMaxNodes}
}

// Prune returns the part of g upstream of the failing node.
//
// # Description
//
// Breadth-first from failingNode along inputs edges only, so downstream
// consumers of the failing node are never included. Nodes are admitted in
// BFS order (inputs in declared order) until MaxNodes is reached; nodes
// deeper than MaxDepth are not visited. Input references to dropped or
// unknown nodes are removed so the result is self-consistent.
//
// # Inputs
//
//   - g: Source graph. Not modified.
//   - failingNode: Id of the node that raised.
//   - opts: Bounds.
//
// # Outputs
//
//   - *datatypes.Graph: A new graph. Nil when g is nil; empty when the
//     failing node is not part of g.
func Prune(g *datatypes.Graph, failingNode string, opts PruneOptions) *datatypes.Graph {
	if g == nil {
		return nil
	}
	out := &datatypes.Graph{Nodes: make(map[string]datatypes.Node)}
	if !g.Has(failingNode) {
		return out
	}
	maxNodes := opts.MaxNodes
	if maxNodes < 1 {
		maxNodes = 1
	}

	type item struct {
		id    string
		depth int
	}
	kept := map[string]bool{failingNode: true}
	order := []string{failingNode}
	queue := []item{{id: failingNode}}

	for len(queue) > 0 && len(order) < maxNodes {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= opts.MaxDepth {
			continue
		}
		for _, up := range g.Nodes[cur.id].Inputs {
			if kept[up] || !g.Has(up) {
				continue
			}
			if len(order) >= maxNodes {
				break
			}
			kept[up] = true
			order = append(order, up)
			queue = append(queue, item{id: up, depth: cur.depth + 1})
		}
	}

	for _, id := range order {
		src := g.Nodes[id]
		node := datatypes.Node{Type: src.Type}
		seen := make(map[string]bool, len(src.Inputs))
		for _, up := range src.Inputs {
			if kept[up] && !seen[up] {
				seen[up] = true
				node.Inputs = append(node.Inputs, up)
			}
		}
		out.Nodes[id] = node
	}
	return out
}
