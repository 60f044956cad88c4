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
	"sort"

	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Weights holds the tunable constants of priority computation. Relative
// ordering of the defaults matters more than the absolute values.
type Weights struct {
	// Cleanup terms.
	CleanupDependentWeight  int // per dependent
	CleanupDependencyWeight int // subtracted per dependency
	CleanupKindBonus        map[string]int

	// Recreation terms.
	RecreationFanInBase       int // multiplied by max(0, 10-|dependencies|)
	RecreationDependentWeight int // per dependent
	RecreationKindBonus       map[string]int

	// Shared terms.
	CriticalNamespaces     map[string]struct{}
	CriticalNamespaceBonus int
}

func (w Weights) isZero() bool {
	return w.CleanupKindBonus == nil && w.RecreationKindBonus == nil
}

// DefaultWeights mirror the relative ordering used by the cluster tooling
// this engine grew out of: network entry points drain first, foundational
// data kinds come back first.
func DefaultWeights() Weights {
	return Weights{
		CleanupDependentWeight:  10,
		CleanupDependencyWeight: 5,
		CleanupKindBonus: map[string]int{
			"Service": 50, "Ingress": 50,
			"Deployment": 30, "StatefulSet": 30,
			"ConfigMap": 20, "Secret": 20,
		},
		RecreationFanInBase:       5,
		RecreationDependentWeight: 3,
		RecreationKindBonus: map[string]int{
			"ConfigMap": 50, "Secret": 50,
			"Service":    40,
			"Deployment": 30, "StatefulSet": 30,
			"Ingress": 20,
		},
		CriticalNamespaces: map[string]struct{}{
			"flux-system":     {},
			"kube-system":     {},
			"longhorn-system": {},
		},
		CriticalNamespaceBonus: 25,
	}
}

// IsCriticalNamespace reports whether ns carries the critical bonus.
func (w Weights) IsCriticalNamespace(ns string) bool {
	_, ok := w.CriticalNamespaces[ns]
	return ok
}

// CleanupOrder computes batches for tearing down the failed set plus
// everything transitively depending on it. Within a batch no resource
// depends on another; batches run dependents-first.
func (g *Graph) CleanupOrder(failed []resource.Ref) [][]resource.Ref {
	if len(failed) == 0 {
		return nil
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()

	// Subgraph: failed set plus all transitive dependents.
	sub := map[resource.Ref]struct{}{}
	for _, ref := range failed {
		if _, ok := g.nodes[ref]; !ok {
			continue
		}
		sub[ref] = struct{}{}
		for dep := range g.transitiveDependentsLocked(ref) {
			sub[dep] = struct{}{}
		}
	}

	g.computeCleanupPrioritiesLocked(sub)

	return g.kahnLocked(sub,
		func(n *Node) map[resource.Ref]struct{} { return n.Dependents },
		func(n *Node) map[resource.Ref]struct{} { return n.Dependencies },
		func(n *Node) int { return n.CleanupPriority },
	)
}

// RecreationOrder computes batches for bringing the given set back,
// dependencies-first.
func (g *Graph) RecreationOrder(refs []resource.Ref) [][]resource.Ref {
	if len(refs) == 0 {
		return nil
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()

	sub := map[resource.Ref]struct{}{}
	for _, ref := range refs {
		if _, ok := g.nodes[ref]; ok {
			sub[ref] = struct{}{}
		}
	}

	g.computeRecreationPrioritiesLocked(sub)

	return g.kahnLocked(sub,
		func(n *Node) map[resource.Ref]struct{} { return n.Dependencies },
		func(n *Node) map[resource.Ref]struct{} { return n.Dependents },
		func(n *Node) int { return n.RecreationPriority },
	)
}

// kahnLocked runs Kahn's algorithm over the subgraph. preds yields the edge
// set that counts toward a node's in-degree, succs the set decremented when
// a node is emitted. When every remaining in-degree is non-zero (a pure
// cycle) the single highest-priority node is emitted alone to break it.
func (g *Graph) kahnLocked(
	sub map[resource.Ref]struct{},
	preds, succs func(*Node) map[resource.Ref]struct{},
	priority func(*Node) int,
) [][]resource.Ref {
	inDegree := make(map[resource.Ref]int, len(sub))
	for ref := range sub {
		n := g.nodes[ref]
		d := 0
		for p := range preds(n) {
			if _, ok := sub[p]; ok {
				d++
			}
		}
		inDegree[ref] = d
	}

	var batches [][]resource.Ref
	for len(inDegree) > 0 {
		var batch []resource.Ref
		for ref, d := range inDegree {
			if d == 0 {
				batch = append(batch, ref)
			}
		}

		if len(batch) == 0 {
			// Pure cycle remains; break it on the best candidate.
			var best resource.Ref
			bestPrio := -1 << 31
			for ref := range inDegree {
				if p := priority(g.nodes[ref]); p > bestPrio || (p == bestPrio && ref.Key() < best.Key()) {
					best, bestPrio = ref, p
				}
			}
			level.Warn(g.logger).Log("msg", "breaking dependency cycle", "resource", best, "priority", bestPrio)
			batch = []resource.Ref{best}
		}

		sort.Slice(batch, func(i, j int) bool {
			pi, pj := priority(g.nodes[batch[i]]), priority(g.nodes[batch[j]])
			if pi != pj {
				return pi > pj
			}
			return batch[i].Key() < batch[j].Key()
		})
		batches = append(batches, batch)

		for _, ref := range batch {
			delete(inDegree, ref)
			for s := range succs(g.nodes[ref]) {
				if _, ok := inDegree[s]; ok {
					inDegree[s]--
				}
			}
		}
	}
	return batches
}

func (g *Graph) computeCleanupPrioritiesLocked(sub map[resource.Ref]struct{}) {
	for ref := range sub {
		n := g.nodes[ref]
		p := len(n.Dependents) * g.weights.CleanupDependentWeight
		p += g.weights.CleanupKindBonus[ref.Kind]
		if g.weights.IsCriticalNamespace(ref.Namespace) {
			p += g.weights.CriticalNamespaceBonus
		}
		p -= len(n.Dependencies) * g.weights.CleanupDependencyWeight
		n.CleanupPriority = p
	}
}

func (g *Graph) computeRecreationPrioritiesLocked(sub map[resource.Ref]struct{}) {
	for ref := range sub {
		n := g.nodes[ref]
		fanIn := 10 - len(n.Dependencies)
		if fanIn < 0 {
			fanIn = 0
		}
		p := fanIn * g.weights.RecreationFanInBase
		p += g.weights.RecreationKindBonus[ref.Kind]
		if g.weights.IsCriticalNamespace(ref.Namespace) {
			p += g.weights.CriticalNamespaceBonus
		}
		p += len(n.Dependents) * g.weights.RecreationDependentWeight
		n.RecreationPriority = p
	}
}
