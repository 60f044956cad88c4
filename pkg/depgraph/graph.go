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

// Package depgraph maintains the typed dependency graph of cluster resources
// and computes cleanup and recreation orderings, cycle detection and impact
// analysis over it.
package depgraph

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// EdgeKind classifies how strongly an edge constrains ordering.
type EdgeKind string

const (
	// EdgeHard blocks ordering.
	EdgeHard EdgeKind = "hard"
	// EdgeSoft is a preferred but non-blocking ordering hint.
	EdgeSoft EdgeKind = "soft"
	// EdgeCircular is set by cycle detection on edges inside a cycle.
	EdgeCircular EdgeKind = "circular"
)

// Relation is a directed dependency edge: Source depends on Target.
type Relation struct {
	Source   resource.Ref
	Target   resource.Ref
	Kind     EdgeKind
	Type     string // owns, references, sources_from, mounts_volume, routes_to, depends_on, ...
	Strength float64
	Risk     resource.Severity
	// Optional provenance.
	FieldPath string
	Reason    string
}

// Node is a resource vertex. Dependency sets are maintained symmetrically
// with the relation list: for every relation s -> t, t is in s.Dependencies
// and s is in t.Dependents.
type Node struct {
	Ref          resource.Ref
	State        resource.State
	Dependencies map[resource.Ref]struct{}
	Dependents   map[resource.Ref]struct{}
	LastUpdated  time.Time
	// Priorities are scratch data recomputed by each ordering call.
	CleanupPriority    int
	RecreationPriority int
	Metadata           map[string]string
}

type edgeKey struct {
	source, target resource.Ref
	relType        string
}

// Graph is the dependency graph. It is many-reader/single-writer; ordering
// calls take the writer lock so they observe a consistent snapshot and may
// recompute node priorities in place.
type Graph struct {
	logger  log.Logger
	clock   clock.PassiveClock
	weights Weights

	mtx       sync.RWMutex
	nodes     map[resource.Ref]*Node
	relations []*Relation
	edgeSet   map[edgeKey]*Relation
	cycles    [][]resource.Ref
}

// New returns an empty graph using the given weights (zero value means
// DefaultWeights).
func New(logger log.Logger, weights Weights) *Graph {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if weights.isZero() {
		weights = DefaultWeights()
	}
	return &Graph{
		logger:  logger,
		clock:   clock.RealClock{},
		weights: weights,
		nodes:   map[resource.Ref]*Node{},
		edgeSet: map[edgeKey]*Relation{},
	}
}

// WithClock substitutes the time source, for tests.
func (g *Graph) WithClock(c clock.PassiveClock) *Graph {
	g.clock = c
	return g
}

// AddResource inserts the resource if absent, otherwise updates its state.
func (g *Graph) AddResource(ref resource.Ref, state resource.State) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.addResourceLocked(ref, state)
}

func (g *Graph) addResourceLocked(ref resource.Ref, state resource.State) *Node {
	n, ok := g.nodes[ref]
	if !ok {
		n = &Node{
			Ref:          ref,
			State:        state,
			Dependencies: map[resource.Ref]struct{}{},
			Dependents:   map[resource.Ref]struct{}{},
			Metadata:     map[string]string{},
		}
		g.nodes[ref] = n
	} else {
		n.State = state
	}
	n.LastUpdated = g.clock.Now()
	return n
}

// SetState updates a node's state, creating it if necessary.
func (g *Graph) SetState(ref resource.Ref, state resource.State) {
	g.AddResource(ref, state)
}

// AddRelations inserts a batch of edges and re-runs cycle detection once at
// the end. Endpoints referenced but never added explicitly are auto-created
// healthy. Edges duplicating an existing (source, target, type) tuple are
// dropped.
func (g *Graph) AddRelations(rels ...Relation) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	for i := range rels {
		rel := rels[i]
		if rel.Source == rel.Target {
			continue
		}
		key := edgeKey{rel.Source, rel.Target, rel.Type}
		if _, ok := g.edgeSet[key]; ok {
			continue
		}
		if rel.Kind == "" {
			rel.Kind = EdgeHard
		}
		if rel.Strength == 0 {
			rel.Strength = 1.0
		}
		if rel.Risk == "" {
			rel.Risk = resource.SeverityLow
		}

		src := g.nodeOrCreateLocked(rel.Source)
		tgt := g.nodeOrCreateLocked(rel.Target)
		src.Dependencies[rel.Target] = struct{}{}
		tgt.Dependents[rel.Source] = struct{}{}

		stored := rel
		g.relations = append(g.relations, &stored)
		g.edgeSet[key] = &stored

		level.Debug(g.logger).Log("msg", "added dependency",
			"source", rel.Source, "target", rel.Target, "type", rel.Type)
	}

	g.detectCyclesLocked()
}

func (g *Graph) nodeOrCreateLocked(ref resource.Ref) *Node {
	if n, ok := g.nodes[ref]; ok {
		return n
	}
	return g.addResourceLocked(ref, resource.StateHealthy)
}

// Node returns a copy of the node for ref, if present.
func (g *Graph) Node(ref resource.Ref) (Node, bool) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	n, ok := g.nodes[ref]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

func copyNode(n *Node) Node {
	out := *n
	out.Dependencies = make(map[resource.Ref]struct{}, len(n.Dependencies))
	for r := range n.Dependencies {
		out.Dependencies[r] = struct{}{}
	}
	out.Dependents = make(map[resource.Ref]struct{}, len(n.Dependents))
	for r := range n.Dependents {
		out.Dependents[r] = struct{}{}
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return len(g.nodes)
}

// Relations returns a copy of all relations.
func (g *Graph) Relations() []Relation {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	out := make([]Relation, 0, len(g.relations))
	for _, r := range g.relations {
		out = append(out, *r)
	}
	return out
}

// Cycles returns the cycles found by the last detection pass.
func (g *Graph) Cycles() [][]resource.Ref {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	out := make([][]resource.Ref, len(g.cycles))
	for i, c := range g.cycles {
		out[i] = append([]resource.Ref(nil), c...)
	}
	return out
}

// TransitiveDependents returns every resource that transitively depends on
// ref, not including ref itself.
func (g *Graph) TransitiveDependents(ref resource.Ref) []resource.Ref {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	out := make([]resource.Ref, 0)
	for r := range g.transitiveDependentsLocked(ref) {
		out = append(out, r)
	}
	return out
}

// TransitiveDependencies returns every resource ref transitively depends on,
// not including ref itself.
func (g *Graph) TransitiveDependencies(ref resource.Ref) []resource.Ref {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	visited := map[resource.Ref]struct{}{}
	var out []resource.Ref
	var walk func(resource.Ref)
	walk = func(r resource.Ref) {
		if _, ok := visited[r]; ok {
			return
		}
		visited[r] = struct{}{}
		n, ok := g.nodes[r]
		if !ok {
			return
		}
		for dep := range n.Dependencies {
			if _, seen := visited[dep]; !seen {
				out = append(out, dep)
			}
			walk(dep)
		}
	}
	walk(ref)
	return out
}

// transitiveDependentsLocked returns every resource that transitively depends
// on ref, not including ref itself.
func (g *Graph) transitiveDependentsLocked(ref resource.Ref) map[resource.Ref]struct{} {
	visited := map[resource.Ref]struct{}{}
	out := map[resource.Ref]struct{}{}

	var walk func(resource.Ref)
	walk = func(r resource.Ref) {
		if _, ok := visited[r]; ok {
			return
		}
		visited[r] = struct{}{}
		n, ok := g.nodes[r]
		if !ok {
			return
		}
		for dep := range n.Dependents {
			out[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(ref)
	delete(out, ref)
	return out
}
