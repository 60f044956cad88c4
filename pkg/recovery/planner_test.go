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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/depgraph"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

func chainGraph() (*depgraph.Graph, []resource.Ref) {
	g := depgraph.New(nil, depgraph.Weights{})
	cm := resource.Ref{Kind: "ConfigMap", Name: "app-config", Namespace: "default", APIVersion: "v1"}
	d := resource.Ref{Kind: "Deployment", Name: "app-deployment", Namespace: "default", APIVersion: "v1"}
	s := resource.Ref{Kind: "Service", Name: "app-service", Namespace: "default", APIVersion: "v1"}
	i := resource.Ref{Kind: "Ingress", Name: "app-ingress", Namespace: "default", APIVersion: "v1"}

	g.AddRelations(
		depgraph.Relation{Source: d, Target: cm, Type: "references"},
		depgraph.Relation{Source: s, Target: d, Type: "routes_to"},
		depgraph.Relation{Source: i, Target: s, Type: "routes_to"},
	)
	return g, []resource.Ref{cm, d, s, i}
}

// Linear chain scenario: failing the deployment plans recreation
// foundation-first and cleanup in exactly the reverse batch order.
func TestPlanLinearChain(t *testing.T) {
	g, refs := chainGraph()
	p := NewPlanner(nil, g, depgraph.Weights{})

	plan, err := p.Plan([]resource.Ref{refs[1]})
	require.NoError(t, err)

	wantRecreation := [][]string{
		{"default/ConfigMap/app-config"},
		{"default/Deployment/app-deployment"},
		{"default/Service/app-service"},
		{"default/Ingress/app-ingress"},
	}
	var gotRecreation [][]string
	for _, b := range plan.RecreationPlan.Batches {
		gotRecreation = append(gotRecreation, b.Resources)
	}
	if diff := cmp.Diff(wantRecreation, gotRecreation); diff != "" {
		t.Errorf("recreation plan mismatch (-want +got):\n%s", diff)
	}

	// Cleanup is the reverse batch order.
	require.Equal(t, len(plan.RecreationPlan.Batches), len(plan.CleanupPlan.Batches))
	for i, b := range plan.CleanupPlan.Batches {
		rev := plan.RecreationPlan.Batches[len(plan.RecreationPlan.Batches)-1-i]
		require.Equal(t, rev.Resources, b.Resources)
		require.True(t, b.ParallelExecution)
		require.Equal(t, i+1, b.BatchNumber)
	}

	require.Equal(t, []string{"default/Deployment/app-deployment"}, plan.FailedResources)
	require.Contains(t, plan.ImpactAnalysis, "default/Deployment/app-deployment")
	require.NotEmpty(t, plan.TotalEstimatedTime)
	require.Equal(t, resource.SeverityLow, plan.RiskAssessment.Level)
	require.False(t, plan.RiskAssessment.MitigationRequired)

	refsOut, err := plan.RecreationRefs()
	require.NoError(t, err)
	require.Equal(t, "ConfigMap", refsOut[0][0].Kind)
}

func TestPlanRiskEscalatesForCriticalNamespace(t *testing.T) {
	g := depgraph.New(nil, depgraph.Weights{})
	ks := resource.Ref{Kind: "Kustomization", Name: "apps", Namespace: "flux-system"}
	g.AddResource(ks, resource.StateFailed)

	p := NewPlanner(nil, g, depgraph.Weights{})
	plan, err := p.Plan([]resource.Ref{ks})
	require.NoError(t, err)

	require.Equal(t, resource.SeverityHigh, plan.RiskAssessment.Level)
	require.True(t, plan.RiskAssessment.MitigationRequired)
	require.Contains(t, plan.RiskAssessment.Factors, "critical namespace involved: flux-system")
	require.Contains(t, plan.Recommendations,
		"Manager resources involved - consider suspending reconciliation during recovery")
}

func TestPlanRiskCriticalOnCompoundFactors(t *testing.T) {
	g := depgraph.New(nil, depgraph.Weights{})
	root := resource.Ref{Kind: "GitRepository", Name: "repo", Namespace: "flux-system"}
	var rels []depgraph.Relation
	for i := 0; i < 12; i++ {
		dep := resource.Ref{Kind: "Kustomization", Name: string(rune('a' + i)), Namespace: "default"}
		rels = append(rels, depgraph.Relation{Source: dep, Target: root, Type: "sources_from"})
	}
	g.AddRelations(rels...)

	p := NewPlanner(nil, g, depgraph.Weights{})
	plan, err := p.Plan([]resource.Ref{root})
	require.NoError(t, err)

	require.Equal(t, resource.SeverityCritical, plan.RiskAssessment.Level)
	require.True(t, plan.RiskAssessment.ManualOversightRecommended)
}

func TestPlanCycleRecommendation(t *testing.T) {
	g := depgraph.New(nil, depgraph.Weights{})
	x := resource.Ref{Kind: "Kustomization", Name: "x", Namespace: "default"}
	y := resource.Ref{Kind: "Kustomization", Name: "y", Namespace: "default"}
	g.AddRelations(
		depgraph.Relation{Source: x, Target: y, Type: "depends_on"},
		depgraph.Relation{Source: y, Target: x, Type: "depends_on"},
	)

	p := NewPlanner(nil, g, depgraph.Weights{})
	plan, err := p.Plan([]resource.Ref{x})
	require.NoError(t, err)

	require.Contains(t, plan.Recommendations, "Circular dependencies detected - manual intervention may be required")
	require.Contains(t, plan.RiskAssessment.Factors, "circular dependencies detected")

	// The cycle still yields full (singleton) batches for both phases.
	require.Len(t, plan.CleanupPlan.Batches, 2)
	require.Len(t, plan.RecreationPlan.Batches, 2)
}

func TestPlanEmptyInput(t *testing.T) {
	p := NewPlanner(nil, depgraph.New(nil, depgraph.Weights{}), depgraph.Weights{})
	_, err := p.Plan(nil)
	require.Error(t, err)
}
