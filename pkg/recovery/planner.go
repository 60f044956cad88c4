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

package recovery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/depgraph"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// PlanBatch is one parallel-executable group in a plan phase.
type PlanBatch struct {
	BatchNumber       int      `json:"batchNumber" yaml:"batchNumber"`
	Resources         []string `json:"resources" yaml:"resources"`
	ParallelExecution bool     `json:"parallelExecution" yaml:"parallelExecution"`
	EstimatedDuration string   `json:"estimatedDuration" yaml:"estimatedDuration"`
}

// PhasePlan is the cleanup or recreation half of a plan.
type PhasePlan struct {
	TotalBatches int         `json:"totalBatches" yaml:"totalBatches"`
	Batches      []PlanBatch `json:"batches" yaml:"batches"`
}

// Risk is the aggregated risk assessment of a plan.
type Risk struct {
	Level                      resource.Severity `json:"level" yaml:"level"`
	Factors                    []string          `json:"factors" yaml:"factors"`
	MitigationRequired         bool              `json:"mitigationRequired" yaml:"mitigationRequired"`
	ManualOversightRecommended bool              `json:"manualOversightRecommended" yaml:"manualOversightRecommended"`
}

// Plan is the full cleanup-and-recreation plan document.
type Plan struct {
	Timestamp          time.Time                  `json:"timestamp" yaml:"timestamp"`
	FailedResources    []string                   `json:"failedResources" yaml:"failedResources"`
	ImpactAnalysis     map[string]depgraph.Impact `json:"impactAnalysis" yaml:"impactAnalysis"`
	CleanupPlan        PhasePlan                  `json:"cleanupPlan" yaml:"cleanupPlan"`
	RecreationPlan     PhasePlan                  `json:"recreationPlan" yaml:"recreationPlan"`
	TotalEstimatedTime string                     `json:"totalEstimatedTime" yaml:"totalEstimatedTime"`
	RiskAssessment     Risk                       `json:"riskAssessment" yaml:"riskAssessment"`
	Recommendations    []string                   `json:"recommendations" yaml:"recommendations"`
}

// CleanupRefs returns the cleanup batches as resource refs.
func (p *Plan) CleanupRefs() ([][]resource.Ref, error) {
	return phaseRefs(p.CleanupPlan)
}

// RecreationRefs returns the recreation batches as resource refs.
func (p *Plan) RecreationRefs() ([][]resource.Ref, error) {
	return phaseRefs(p.RecreationPlan)
}

func phaseRefs(phase PhasePlan) ([][]resource.Ref, error) {
	out := make([][]resource.Ref, 0, len(phase.Batches))
	for _, b := range phase.Batches {
		var refs []resource.Ref
		for _, s := range b.Resources {
			ref, err := resource.ParseRef(s)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		out = append(out, refs)
	}
	return out, nil
}

// Planner assembles plans from the dependency graph.
type Planner struct {
	logger  log.Logger
	clock   clock.PassiveClock
	graph   *depgraph.Graph
	weights depgraph.Weights
}

// NewPlanner constructs a planner over the graph.
func NewPlanner(logger log.Logger, graph *depgraph.Graph, weights depgraph.Weights) *Planner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if weights.CriticalNamespaces == nil {
		weights = depgraph.DefaultWeights()
	}
	return &Planner{logger: logger, clock: clock.RealClock{}, graph: graph, weights: weights}
}

// WithClock substitutes the time source, for tests.
func (p *Planner) WithClock(c clock.PassiveClock) *Planner {
	p.clock = c
	return p
}

// Plan builds the cleanup-and-recreation plan for the failed set. The plan
// set expands to the failed resources, everything transitively depending on
// them, and the foundations they transitively depend on.
func (p *Planner) Plan(failed []resource.Ref) (*Plan, error) {
	if len(failed) == 0 {
		return nil, fmt.Errorf("no failed resources to plan for")
	}

	level.Info(p.logger).Log("msg", "planning cleanup and recreation", "failed", len(failed))

	seen := map[resource.Ref]struct{}{}
	var full []resource.Ref
	add := func(r resource.Ref) {
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			full = append(full, r)
		}
	}
	for _, ref := range failed {
		add(ref)
		for _, r := range p.graph.TransitiveDependents(ref) {
			add(r)
		}
		for _, r := range p.graph.TransitiveDependencies(ref) {
			add(r)
		}
	}

	impacts := map[string]depgraph.Impact{}
	for _, ref := range failed {
		impact, err := p.graph.AnalyzeImpact(ref)
		if err != nil {
			level.Warn(p.logger).Log("msg", "impact analysis skipped", "resource", ref, "err", err)
			continue
		}
		impacts[ref.Key()] = impact
	}

	cleanup := p.graph.CleanupOrder(full)
	recreation := p.graph.RecreationOrder(full)

	plan := &Plan{
		Timestamp:       p.clock.Now(),
		ImpactAnalysis:  impacts,
		CleanupPlan:     phasePlan(cleanup, "2-5 minutes"),
		RecreationPlan:  phasePlan(recreation, "3-8 minutes"),
		RiskAssessment:  p.assessRisk(failed, impacts),
		Recommendations: p.recommendations(failed, impacts),
		TotalEstimatedTime: fmt.Sprintf("%d-%d minutes",
			len(cleanup)*3+len(recreation)*5, len(cleanup)*5+len(recreation)*8),
	}
	for _, ref := range failed {
		plan.FailedResources = append(plan.FailedResources, ref.Key())
	}
	sort.Strings(plan.FailedResources)

	return plan, nil
}

func phasePlan(batches [][]resource.Ref, estimate string) PhasePlan {
	out := PhasePlan{TotalBatches: len(batches)}
	for i, batch := range batches {
		pb := PlanBatch{BatchNumber: i + 1, ParallelExecution: true, EstimatedDuration: estimate}
		for _, r := range batch {
			pb.Resources = append(pb.Resources, r.Key())
		}
		out.Batches = append(out.Batches, pb)
	}
	return out
}

func (p *Planner) assessRisk(failed []resource.Ref, impacts map[string]depgraph.Impact) Risk {
	risk := Risk{Level: resource.SeverityLow}
	raise := func(to resource.Severity) {
		if rank(to) > rank(risk.Level) {
			risk.Level = to
		}
	}

	criticalNamespaces := map[string]struct{}{}
	for _, ref := range failed {
		if p.weights.IsCriticalNamespace(ref.Namespace) {
			criticalNamespaces[ref.Namespace] = struct{}{}
		}
	}
	for ns := range criticalNamespaces {
		risk.Factors = append(risk.Factors, fmt.Sprintf("critical namespace involved: %s", ns))
		raise(resource.SeverityHigh)
	}

	totalAffected := 0
	cycles := false
	complexCleanups := 0
	for _, impact := range impacts {
		totalAffected += impact.TotalAffected
		if impact.CircularDependency {
			cycles = true
		}
		if impact.Complexity == depgraph.ComplexityHigh {
			complexCleanups++
		}
	}
	switch {
	case totalAffected > 10:
		risk.Factors = append(risk.Factors, fmt.Sprintf("high impact: %d resources affected", totalAffected))
		raise(resource.SeverityHigh)
	case totalAffected > 5:
		risk.Factors = append(risk.Factors, fmt.Sprintf("medium impact: %d resources affected", totalAffected))
		raise(resource.SeverityMedium)
	}
	if cycles {
		risk.Factors = append(risk.Factors, "circular dependencies detected")
		raise(resource.SeverityHigh)
	}
	if complexCleanups > 0 {
		risk.Factors = append(risk.Factors, fmt.Sprintf("complex cleanup required for %d resources", complexCleanups))
		raise(resource.SeverityMedium)
	}

	// Several independent high-risk factors compound.
	if len(criticalNamespaces) > 0 && (totalAffected > 10 || cycles) {
		raise(resource.SeverityCritical)
	}

	sort.Strings(risk.Factors)
	risk.MitigationRequired = risk.Level == resource.SeverityHigh || risk.Level == resource.SeverityCritical
	risk.ManualOversightRecommended = risk.Level == resource.SeverityCritical
	return risk
}

func rank(s resource.Severity) int {
	switch s {
	case resource.SeverityCritical:
		return 3
	case resource.SeverityHigh:
		return 2
	case resource.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func (p *Planner) recommendations(failed []resource.Ref, impacts map[string]depgraph.Impact) []string {
	recs := []string{
		"Ensure cluster has sufficient resources before starting recovery",
		"Monitor recovery progress and be prepared to intervene if needed",
	}

	criticalSet := map[string]struct{}{}
	for _, impact := range impacts {
		for _, r := range impact.CriticalAffected {
			criticalSet[r] = struct{}{}
		}
	}
	if len(criticalSet) > 0 {
		var list []string
		for r := range criticalSet {
			list = append(list, r)
		}
		sort.Strings(list)
		recs = append(recs, "Pay special attention to critical resources: "+strings.Join(list, ", "))
	}

	for _, ref := range failed {
		if ref.Namespace == "flux-system" {
			recs = append(recs, "Manager resources involved - consider suspending reconciliation during recovery")
			break
		}
	}
	for _, ref := range failed {
		if ref.Namespace == "longhorn-system" {
			recs = append(recs, "Storage system resources involved - ensure data backup before proceeding")
			break
		}
	}
	for _, impact := range impacts {
		if impact.CircularDependency {
			recs = append(recs, "Circular dependencies detected - manual intervention may be required")
			break
		}
	}
	return recs
}
