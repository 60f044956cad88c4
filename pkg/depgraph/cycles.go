// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package depgraph

import (
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// DetectCycles re-runs cycle detection over the whole graph. It is
// idempotent: repeated runs tag the same edge set.
func (g *Graph) DetectCycles() [][]resource.Ref {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.detectCyclesLocked()
	out := make([][]resource.Ref, len(g.cycles))
	for i, c := range g.cycles {
		out[i] = append([]resource.Ref(nil), c...)
	}
	return out
}

// detectCyclesLocked walks the dependency edges with a recursion stack.
// Re-entering a node on the stack yields the cycle as the path slice from
// the re-entry point; every edge along it is tagged circular.
func (g *Graph) detectCyclesLocked() {
	var (
		visited = map[resource.Ref]struct{}{}
		onStack = map[resource.Ref]struct{}{}
		cycles  [][]resource.Ref
	)

	var dfs func(ref resource.Ref, path []resource.Ref)
	dfs = func(ref resource.Ref, path []resource.Ref) {
		if _, ok := onStack[ref]; ok {
			start := 0
			for i, p := range path {
				if p == ref {
					start = i
					break
				}
			}
			cycle := append(append([]resource.Ref(nil), path[start:]...), ref)
			cycles = append(cycles, cycle)
			return
		}
		if _, ok := visited[ref]; ok {
			return
		}
		visited[ref] = struct{}{}
		onStack[ref] = struct{}{}
		path = append(path, ref)

		if n, ok := g.nodes[ref]; ok {
			for dep := range n.Dependencies {
				dfs(dep, path)
			}
		}
		delete(onStack, ref)
	}

	for ref := range g.nodes {
		if _, ok := visited[ref]; !ok {
			dfs(ref, nil)
		}
	}

	g.cycles = cycles
	for _, cycle := range cycles {
		for i := 0; i+1 < len(cycle); i++ {
			g.markCircularLocked(cycle[i], cycle[i+1])
		}
	}
}

func (g *Graph) markCircularLocked(source, target resource.Ref) {
	for _, rel := range g.relations {
		if rel.Source == source && rel.Target == target && rel.Kind != EdgeCircular {
			rel.Kind = EdgeCircular
			level.Warn(g.logger).Log("msg", "circular dependency detected",
				"source", source, "target", target, "type", rel.Type)
		}
	}
}

// inCycleLocked reports whether ref participates in any detected cycle.
func (g *Graph) inCycleLocked(ref resource.Ref) bool {
	for _, cycle := range g.cycles {
		for _, r := range cycle {
			if r == ref {
				return true
			}
		}
	}
	return false
}
