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
	"fmt"
	"sort"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Complexity buckets an impact estimate.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Impact describes the blast radius of a failed resource.
type Impact struct {
	Resource              string     `json:"failedResource" yaml:"failedResource"`
	DirectAffected        int        `json:"directlyAffected" yaml:"directlyAffected"`
	TotalAffected         int        `json:"totalAffected" yaml:"totalAffected"`
	AffectedResources     []string   `json:"affectedResources" yaml:"affectedResources"`
	CriticalAffected      []string   `json:"criticalAffected" yaml:"criticalAffected"`
	Complexity            Complexity `json:"cleanupComplexity" yaml:"cleanupComplexity"`
	EstimatedRecoveryTime string     `json:"estimatedRecoveryTime" yaml:"estimatedRecoveryTime"`
	CircularDependency    bool       `json:"circularDependency,omitempty" yaml:"circularDependency,omitempty"`
}

// AnalyzeImpact computes the impact of a failure of ref. Unknown resources
// yield an error so callers can distinguish "no dependents" from "never seen".
func (g *Graph) AnalyzeImpact(ref resource.Ref) (Impact, error) {
	g.mtx.RLock()
	defer g.mtx.RUnlock()

	n, ok := g.nodes[ref]
	if !ok {
		return Impact{}, fmt.Errorf("resource %s not in dependency graph", ref)
	}

	affected := g.transitiveDependentsLocked(ref)
	out := Impact{
		Resource:              ref.Key(),
		DirectAffected:        len(n.Dependents),
		TotalAffected:         len(affected),
		Complexity:            ComplexityLow,
		EstimatedRecoveryTime: "5-10 minutes",
	}

	for r := range affected {
		out.AffectedResources = append(out.AffectedResources, r.Key())
		an, ok := g.nodes[r]
		if !ok {
			continue
		}
		if g.weights.IsCriticalNamespace(r.Namespace) ||
			r.Kind == "Service" || r.Kind == "Ingress" ||
			len(an.Dependents) > 3 {
			out.CriticalAffected = append(out.CriticalAffected, r.Key())
		}
	}
	sort.Strings(out.AffectedResources)
	sort.Strings(out.CriticalAffected)

	switch {
	case out.TotalAffected > 10:
		out.Complexity = ComplexityHigh
		out.EstimatedRecoveryTime = "20-30 minutes"
	case out.TotalAffected > 5:
		out.Complexity = ComplexityMedium
		out.EstimatedRecoveryTime = "10-20 minutes"
	}

	if g.inCycleLocked(ref) {
		out.CircularDependency = true
		out.Complexity = ComplexityHigh
		out.EstimatedRecoveryTime = "15-25 minutes"
	}

	return out, nil
}
