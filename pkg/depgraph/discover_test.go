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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

func relationsByType(g *Graph, relType string) []Relation {
	var out []Relation
	for _, rel := range g.Relations() {
		if rel.Type == relType {
			out = append(out, rel)
		}
	}
	return out
}

func TestIngestDeploymentReferences(t *testing.T) {
	g := New(nil, Weights{})
	g.IngestDocuments([]*unstructured.Unstructured{{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      "app",
			"namespace": "default",
			"ownerReferences": []any{map[string]any{
				"apiVersion": "apps/v1", "kind": "ReplicaSet", "name": "app-rs",
			}},
		},
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []any{map[string]any{
						"name": "app",
						"env": []any{map[string]any{
							"name": "DB_PASSWORD",
							"valueFrom": map[string]any{
								"secretKeyRef": map[string]any{"name": "db-creds", "key": "password"},
							},
						}},
					}},
					"volumes": []any{
						map[string]any{"name": "cfg", "configMap": map[string]any{"name": "app-config"}},
						map[string]any{"name": "data", "persistentVolumeClaim": map[string]any{"claimName": "app-data"}},
					},
				},
			},
		},
	}}})

	dep := resource.Ref{Kind: "Deployment", Name: "app", Namespace: "default", APIVersion: "apps/v1"}
	node, ok := g.Node(dep)
	require.True(t, ok)
	require.Len(t, node.Dependencies, 4)

	owns := relationsByType(g, "owns")
	require.Len(t, owns, 1)
	require.Equal(t, "ReplicaSet", owns[0].Target.Kind)
	require.Equal(t, 1.0, owns[0].Strength)
	require.Equal(t, resource.SeverityHigh, owns[0].Risk)

	mounts := relationsByType(g, "mounts_volume")
	require.Len(t, mounts, 2)
}

func TestIngestIngressAndTLS(t *testing.T) {
	g := New(nil, Weights{})
	g.IngestDocuments([]*unstructured.Unstructured{{Object: map[string]any{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "Ingress",
		"metadata":   map[string]any{"name": "web", "namespace": "default"},
		"spec": map[string]any{
			"tls": []any{map[string]any{"secretName": "web-tls"}},
			"rules": []any{map[string]any{
				"http": map[string]any{
					"paths": []any{map[string]any{
						"backend": map[string]any{
							"service": map[string]any{"name": "web-svc"},
						},
					}},
				},
			}},
		},
	}}})

	routes := relationsByType(g, "routes_to")
	require.Len(t, routes, 1)
	require.Equal(t, "web-svc", routes[0].Target.Name)

	ing := resource.Ref{Kind: "Ingress", Name: "web", Namespace: "default", APIVersion: "networking.k8s.io/v1"}
	node, _ := g.Node(ing)
	require.Contains(t, node.Dependencies, resource.Ref{Kind: "Secret", Name: "web-tls", Namespace: "default"})
}

func TestIngestFluxFields(t *testing.T) {
	g := New(nil, Weights{})
	g.IngestDocuments([]*unstructured.Unstructured{
		{Object: map[string]any{
			"apiVersion": "kustomize.toolkit.fluxcd.io/v1",
			"kind":       "Kustomization",
			"metadata":   map[string]any{"name": "apps", "namespace": "flux-system"},
			"spec": map[string]any{
				"sourceRef": map[string]any{"kind": "GitRepository", "name": "fleet"},
				"dependsOn": []any{map[string]any{"name": "infrastructure"}},
			},
		}},
		{Object: map[string]any{
			"apiVersion": "helm.toolkit.fluxcd.io/v2",
			"kind":       "HelmRelease",
			"metadata":   map[string]any{"name": "monitoring", "namespace": "monitoring"},
			"spec": map[string]any{
				"chart": map[string]any{
					"spec": map[string]any{
						"sourceRef": map[string]any{
							"kind": "HelmRepository", "name": "prometheus-community", "namespace": "flux-system",
						},
					},
				},
				"valuesFrom": []any{map[string]any{"kind": "ConfigMap", "name": "monitoring-values"}},
			},
		}},
	})

	sources := relationsByType(g, "sources_from")
	require.Len(t, sources, 2)
	for _, rel := range sources {
		require.Equal(t, resource.SeverityCritical, rel.Risk)
	}

	deps := relationsByType(g, "depends_on")
	require.Len(t, deps, 1)
	require.Equal(t, "Kustomization", deps[0].Target.Kind, "dependsOn entries are same-kind")
	require.Equal(t, "flux-system", deps[0].Target.Namespace)

	values := relationsByType(g, "references")
	require.Len(t, values, 1)
	require.Equal(t, "monitoring-values", values[0].Target.Name)
}

func TestIngestAnnotationDependencies(t *testing.T) {
	g := New(nil, Weights{})
	g.IngestDocuments([]*unstructured.Unstructured{{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      "app",
			"namespace": "default",
			"annotations": map[string]any{
				"kustomize.toolkit.fluxcd.io/depends-on": "flux-system/infrastructure, flux-system/sources",
				"gitops.flux.io/depends-on":              "Service/db/databases, ConfigMap/shared",
			},
		},
	}}})

	deps := relationsByType(g, "depends_on")
	require.Len(t, deps, 4)

	targets := map[string]bool{}
	for _, rel := range deps {
		targets[rel.Target.Key()] = true
	}
	require.True(t, targets["flux-system/Kustomization/infrastructure"])
	require.True(t, targets["flux-system/Kustomization/sources"])
	require.True(t, targets["databases/Service/db"])
	require.True(t, targets["default/ConfigMap/shared"], "namespace defaults to the source's")
}

func TestIngestSkipsMalformedDocuments(t *testing.T) {
	g := New(nil, Weights{})
	g.IngestDocuments([]*unstructured.Unstructured{
		nil,
		{Object: map[string]any{"apiVersion": "v1"}},
		{Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   map[string]any{"name": "good", "namespace": "default"},
		}},
	})
	require.Equal(t, 1, g.Len(), "malformed documents are skipped, not fatal")
}

func TestDiscoverFromCluster(t *testing.T) {
	fake := cluster.NewFake()
	fake.AddObject(&unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]any{"name": "app-config", "namespace": "default"},
	}})
	fake.AddObject(&unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": "app", "namespace": "default"},
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"volumes": []any{
						map[string]any{"name": "cfg", "configMap": map[string]any{"name": "app-config"}},
					},
				},
			},
		},
	}})

	g := New(nil, Weights{})
	require.NoError(t, g.Discover(context.Background(), fake, nil, ""))
	require.GreaterOrEqual(t, g.Len(), 2)
	require.Len(t, relationsByType(g, "mounts_volume"), 1)
}
