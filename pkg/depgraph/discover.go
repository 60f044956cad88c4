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
	"strings"

	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Annotation keys carrying explicit dependency lists.
const (
	annotationFluxDependsOn   = "kustomize.toolkit.fluxcd.io/depends-on"
	annotationCustomDependsOn = "gitops.flux.io/depends-on"
)

// DiscoveryKinds is the default kind set queried by Discover.
var DiscoveryKinds = []string{
	"Deployment", "StatefulSet", "DaemonSet", "Service", "ConfigMap", "Secret",
	"Ingress", "PersistentVolumeClaim",
	"Kustomization", "HelmRelease", "GitRepository", "HelmRepository",
}

// Discover populates the graph from live cluster state. A listing failure for
// one kind is logged and skipped; discovery never aborts as a whole.
func (g *Graph) Discover(ctx context.Context, c cluster.Interface, kinds []string, namespace string) error {
	if len(kinds) == 0 {
		kinds = DiscoveryKinds
	}
	var docs []*unstructured.Unstructured
	for _, kind := range kinds {
		items, err := c.ListResources(ctx, kind, namespace)
		if err != nil {
			level.Warn(g.logger).Log("msg", "listing kind for discovery failed, skipping", "kind", kind, "err", err)
			continue
		}
		docs = append(docs, items...)
	}
	g.IngestDocuments(docs)
	level.Info(g.logger).Log("msg", "dependency discovery complete", "resources", g.Len(), "relations", len(g.Relations()))
	return ctx.Err()
}

// IngestDocuments derives nodes and edges from already-parsed resource
// documents. A malformed document contributes nothing but does not abort the
// ingest.
func (g *Graph) IngestDocuments(docs []*unstructured.Unstructured) {
	var rels []Relation
	for _, doc := range docs {
		if doc == nil || doc.GetKind() == "" || doc.GetName() == "" {
			level.Warn(g.logger).Log("msg", "skipping document without kind or name")
			continue
		}
		ref := resource.Ref{
			Kind:       doc.GetKind(),
			Name:       doc.GetName(),
			Namespace:  doc.GetNamespace(),
			APIVersion: doc.GetAPIVersion(),
		}
		g.AddResource(ref, resource.StateHealthy)
		rels = append(rels, docRelations(ref, doc)...)
	}
	g.AddRelations(rels...)
}

func docRelations(ref resource.Ref, doc *unstructured.Unstructured) []Relation {
	var rels []Relation

	for _, owner := range doc.GetOwnerReferences() {
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: owner.Kind, Name: owner.Name, Namespace: ref.Namespace, APIVersion: owner.APIVersion},
			Type:      "owns",
			Strength:  1.0,
			Risk:      resource.SeverityHigh,
			FieldPath: "metadata.ownerReferences",
		})
	}

	spec, ok, _ := unstructured.NestedMap(doc.Object, "spec")
	if ok {
		rels = append(rels, specRelations(ref, spec)...)
		rels = append(rels, fluxRelations(ref, spec)...)
	}
	rels = append(rels, annotationRelations(ref, doc.GetAnnotations())...)

	return rels
}

// specRelations walks well-known spec reference fields, recursing into pod
// templates.
func specRelations(ref resource.Ref, spec map[string]any) []Relation {
	var rels []Relation
	dep := func(kind, name, relType, fieldPath string, strength float64, risk resource.Severity) {
		if name == "" {
			return
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: kind, Name: name, Namespace: ref.Namespace},
			Type:      relType,
			Strength:  strength,
			Risk:      risk,
			FieldPath: fieldPath,
		})
	}

	if name, _ := nestedString(spec, "serviceName"); name != "" {
		dep("Service", name, "references", "spec.serviceName", 0.9, resource.SeverityMedium)
	}
	if name, _ := nestedString(spec, "configMapRef", "name"); name != "" {
		dep("ConfigMap", name, "references", "spec.configMapRef", 0.8, resource.SeverityMedium)
	}
	if name, _ := nestedString(spec, "secretRef", "name"); name != "" {
		dep("Secret", name, "references", "spec.secretRef", 0.8, resource.SeverityMedium)
	}
	if name, _ := nestedString(spec, "storageClassName"); name != "" {
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: "StorageClass", Name: name},
			Type:      "references",
			Strength:  0.8,
			Risk:      resource.SeverityHigh,
			FieldPath: "spec.storageClassName",
		})
	}

	// Volumes.
	for _, v := range nestedSlice(spec, "volumes") {
		vol, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := nestedString(vol, "configMap", "name"); name != "" {
			dep("ConfigMap", name, "mounts_volume", "spec.volumes", 0.9, resource.SeverityMedium)
		}
		if name, _ := nestedString(vol, "secret", "secretName"); name != "" {
			dep("Secret", name, "mounts_volume", "spec.volumes", 0.9, resource.SeverityMedium)
		}
		if name, _ := nestedString(vol, "persistentVolumeClaim", "claimName"); name != "" {
			dep("PersistentVolumeClaim", name, "mounts_volume", "spec.volumes", 1.0, resource.SeverityHigh)
		}
	}

	// Container env references.
	for _, c := range nestedSlice(spec, "containers") {
		container, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, e := range nestedSlice(container, "env") {
			env, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if name, _ := nestedString(env, "valueFrom", "configMapKeyRef", "name"); name != "" {
				dep("ConfigMap", name, "references", "spec.containers.env", 0.8, resource.SeverityMedium)
			}
			if name, _ := nestedString(env, "valueFrom", "secretKeyRef", "name"); name != "" {
				dep("Secret", name, "references", "spec.containers.env", 0.8, resource.SeverityMedium)
			}
		}
		for _, e := range nestedSlice(container, "envFrom") {
			env, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if name, _ := nestedString(env, "configMapRef", "name"); name != "" {
				dep("ConfigMap", name, "references", "spec.containers.envFrom", 0.8, resource.SeverityMedium)
			}
			if name, _ := nestedString(env, "secretRef", "name"); name != "" {
				dep("Secret", name, "references", "spec.containers.envFrom", 0.8, resource.SeverityMedium)
			}
		}
	}

	// Ingress backends and TLS secrets.
	for _, r := range nestedSlice(spec, "rules") {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for _, p := range nestedSlice(rule, "http", "paths") {
			path, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if name, _ := nestedString(path, "backend", "service", "name"); name != "" {
				dep("Service", name, "routes_to", "spec.rules", 1.0, resource.SeverityHigh)
			}
		}
	}
	for _, t := range nestedSlice(spec, "tls") {
		tls, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if name, _ := nestedString(tls, "secretName"); name != "" {
			dep("Secret", name, "references", "spec.tls", 0.9, resource.SeverityHigh)
		}
	}

	// Pod template.
	if tmpl, ok, _ := unstructured.NestedMap(spec, "template", "spec"); ok {
		rels = append(rels, specRelations(ref, tmpl)...)
	}

	return rels
}

// fluxRelations derives edges from declarative-manager fields.
func fluxRelations(ref resource.Ref, spec map[string]any) []Relation {
	var rels []Relation

	sourceRef := func(m map[string]any, fieldPath string) {
		kind, _ := nestedString(m, "kind")
		name, _ := nestedString(m, "name")
		if kind == "" || name == "" {
			return
		}
		ns, _ := nestedString(m, "namespace")
		if ns == "" {
			ns = ref.Namespace
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: kind, Name: name, Namespace: ns},
			Type:      "sources_from",
			Strength:  1.0,
			Risk:      resource.SeverityCritical,
			FieldPath: fieldPath,
		})
	}

	if m, ok, _ := unstructured.NestedMap(spec, "sourceRef"); ok {
		sourceRef(m, "spec.sourceRef")
	}
	if m, ok, _ := unstructured.NestedMap(spec, "chart", "spec", "sourceRef"); ok {
		sourceRef(m, "spec.chart.spec.sourceRef")
	}

	for _, d := range nestedSlice(spec, "dependsOn") {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}
		name, _ := nestedString(dep, "name")
		if name == "" {
			continue
		}
		ns, _ := nestedString(dep, "namespace")
		if ns == "" {
			ns = ref.Namespace
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: ref.Kind, Name: name, Namespace: ns},
			Type:      "depends_on",
			Strength:  0.9,
			Risk:      resource.SeverityHigh,
			FieldPath: "spec.dependsOn",
		})
	}

	for _, v := range nestedSlice(spec, "valuesFrom") {
		vf, ok := v.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := nestedString(vf, "kind")
		name, _ := nestedString(vf, "name")
		if kind == "" || name == "" {
			continue
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: kind, Name: name, Namespace: ref.Namespace},
			Type:      "references",
			Strength:  0.7,
			Risk:      resource.SeverityMedium,
			FieldPath: "spec.valuesFrom",
		})
	}

	return rels
}

// annotationRelations parses comma-separated dependency annotations. The
// manager's own annotation carries "namespace/name" entries (Kustomizations);
// the custom one carries "kind/name" or "kind/name/namespace".
func annotationRelations(ref resource.Ref, annotations map[string]string) []Relation {
	var rels []Relation

	for _, entry := range splitList(annotations[annotationFluxDependsOn]) {
		parts := strings.SplitN(entry, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: "Kustomization", Name: parts[1], Namespace: parts[0]},
			Type:      "depends_on",
			Strength:  0.9,
			Risk:      resource.SeverityHigh,
			FieldPath: "metadata.annotations",
		})
	}

	for _, entry := range splitList(annotations[annotationCustomDependsOn]) {
		parts := strings.Split(entry, "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		ns := ref.Namespace
		if len(parts) > 2 && parts[2] != "" {
			ns = parts[2]
		}
		rels = append(rels, Relation{
			Source:    ref,
			Target:    resource.Ref{Kind: parts[0], Name: parts[1], Namespace: ns},
			Type:      "depends_on",
			Strength:  0.9,
			Risk:      resource.SeverityMedium,
			FieldPath: "metadata.annotations",
		})
	}

	return rels
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func nestedString(m map[string]any, fields ...string) (string, bool) {
	s, ok, err := unstructured.NestedString(m, fields...)
	return s, ok && err == nil
}

func nestedSlice(m map[string]any, fields ...string) []any {
	s, ok, err := unstructured.NestedSlice(m, fields...)
	if !ok || err != nil {
		return nil
	}
	return s
}
