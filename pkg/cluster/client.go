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

package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

const fieldManager = "gitops-recovery"

// Client implements Interface against a real API server using the typed and
// dynamic client-go clients.
type Client struct {
	logger  log.Logger
	kube    kubernetes.Interface
	dynamic dynamic.Interface
}

// NewClient builds a Client from a rest config.
func NewClient(logger log.Logger, cfg *rest.Config) (*Client, error) {
	kube, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build Kubernetes clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build dynamic client: %w", err)
	}
	return &Client{logger: logger, kube: kube, dynamic: dyn}, nil
}

// wellKnownResources maps kinds the engine commonly touches to their group
// version resources. Unknown kinds fall back to a lowercase-plural guess over
// the ref's apiVersion, which covers regularly named CRDs.
var wellKnownResources = map[string]schema.GroupVersionResource{
	"Pod":                   {Version: "v1", Resource: "pods"},
	"Service":               {Version: "v1", Resource: "services"},
	"ConfigMap":             {Version: "v1", Resource: "configmaps"},
	"Secret":                {Version: "v1", Resource: "secrets"},
	"PersistentVolumeClaim": {Version: "v1", Resource: "persistentvolumeclaims"},
	"Deployment":            {Group: "apps", Version: "v1", Resource: "deployments"},
	"StatefulSet":           {Group: "apps", Version: "v1", Resource: "statefulsets"},
	"DaemonSet":             {Group: "apps", Version: "v1", Resource: "daemonsets"},
	"Job":                   {Group: "batch", Version: "v1", Resource: "jobs"},
	"Ingress":               {Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"},
	"StorageClass":          {Group: "storage.k8s.io", Version: "v1", Resource: "storageclasses"},
	"Kustomization":         {Group: "kustomize.toolkit.fluxcd.io", Version: "v1", Resource: "kustomizations"},
	"HelmRelease":           {Group: "helm.toolkit.fluxcd.io", Version: "v2", Resource: "helmreleases"},
	"GitRepository":         {Group: "source.toolkit.fluxcd.io", Version: "v1", Resource: "gitrepositories"},
	"HelmRepository":        {Group: "source.toolkit.fluxcd.io", Version: "v1", Resource: "helmrepositories"},
	"OCIRepository":         {Group: "source.toolkit.fluxcd.io", Version: "v1beta2", Resource: "ocirepositories"},
	"Bucket":                {Group: "source.toolkit.fluxcd.io", Version: "v1", Resource: "buckets"},
	"HelmChart":             {Group: "source.toolkit.fluxcd.io", Version: "v1", Resource: "helmcharts"},
}

func gvrFor(kind, apiVersion string) schema.GroupVersionResource {
	if gvr, ok := wellKnownResources[kind]; ok {
		return gvr
	}
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil || gv.Version == "" {
		gv = schema.GroupVersion{Version: "v1"}
	}
	return gv.WithResource(strings.ToLower(kind) + "s")
}

// WatchEvents starts a background goroutine that keeps a watch open on the
// events API and forwards converted events. Stream errors trigger a
// reconnect with backoff; the channel closes when ctx is done.
func (c *Client) WatchEvents(ctx context.Context, namespace string) (<-chan Event, error) {
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		backoff := time.Second
		for ctx.Err() == nil {
			w, err := c.kube.CoreV1().Events(namespace).Watch(ctx, metav1.ListOptions{})
			if err != nil {
				level.Warn(c.logger).Log("msg", "event watch failed, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > time.Minute {
					backoff = time.Minute
				}
				continue
			}
			backoff = time.Second
			for obj := range w.ResultChan() {
				ev, ok := obj.Object.(*corev1.Event)
				if !ok {
					continue
				}
				select {
				case out <- convertEvent(ev):
				case <-ctx.Done():
					w.Stop()
					return
				}
			}
			// Stream ended (server timeout); reconnect immediately.
		}
	}()

	return out, nil
}

func convertEvent(ev *corev1.Event) Event {
	out := Event{
		Type:            ev.Type,
		Reason:          ev.Reason,
		Message:         ev.Message,
		Namespace:       ev.Namespace,
		FirstTimestamp:  ev.FirstTimestamp.Time,
		LastTimestamp:   ev.LastTimestamp.Time,
		Count:           ev.Count,
		SourceComponent: ev.Source.Component,
	}
	if ev.InvolvedObject.Kind != "" {
		out.Involved = &ObjectRef{
			Kind:      ev.InvolvedObject.Kind,
			Name:      ev.InvolvedObject.Name,
			Namespace: ev.InvolvedObject.Namespace,
			UID:       string(ev.InvolvedObject.UID),
		}
	}
	return out
}

func (c *Client) ListResources(ctx context.Context, kind, namespace string) ([]*unstructured.Unstructured, error) {
	gvr := gvrFor(kind, "")
	list, err := c.dynamic.Resource(gvr).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	items := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		items = append(items, &list.Items[i])
	}
	return items, nil
}

func (c *Client) ListCustomObjects(ctx context.Context, gvr schema.GroupVersionResource) ([]unstructured.Unstructured, error) {
	list, err := c.dynamic.Resource(gvr).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", gvr.Resource, err)
	}
	return list.Items, nil
}

func (c *Client) Apply(ctx context.Context, doc *unstructured.Unstructured, dryRun bool) error {
	gvr := gvrFor(doc.GetKind(), doc.GetAPIVersion())
	opts := metav1.ApplyOptions{FieldManager: fieldManager, Force: true}
	if dryRun {
		opts.DryRun = []string{metav1.DryRunAll}
	}
	_, err := c.dynamic.Resource(gvr).Namespace(doc.GetNamespace()).Apply(ctx, doc.GetName(), doc, opts)
	if err != nil {
		return fmt.Errorf("apply %s/%s: %w", doc.GetKind(), doc.GetName(), err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, ref resource.Ref, gracePeriodSeconds *int64) error {
	gvr := gvrFor(ref.Kind, ref.APIVersion)
	opts := metav1.DeleteOptions{GracePeriodSeconds: gracePeriodSeconds}
	err := c.dynamic.Resource(gvr).Namespace(ref.Namespace).Delete(ctx, ref.Name, opts)
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}

func (c *Client) GetResource(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error) {
	gvr := gvrFor(ref.Kind, ref.APIVersion)
	obj, err := c.dynamic.Resource(gvr).Namespace(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return obj, nil
}

func (c *Client) Exists(ctx context.Context, ref resource.Ref) (bool, error) {
	gvr := gvrFor(ref.Kind, ref.APIVersion)
	_, err := c.dynamic.Resource(gvr).Namespace(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", ref, err)
	}
	return true, nil
}

// WaitForRollout polls workload status until the observed generation is
// rolled out. Kinds without rollout semantics return immediately so callers
// don't need to special-case them.
func (c *Client) WaitForRollout(ctx context.Context, ref resource.Ref, timeout time.Duration) error {
	switch ref.Kind {
	case "Deployment", "StatefulSet", "DaemonSet":
	default:
		return nil
	}

	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		switch ref.Kind {
		case "Deployment":
			d, err := c.kube.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return false, nil // transient; keep polling
			}
			return d.Status.ObservedGeneration >= d.Generation &&
				d.Status.UpdatedReplicas == d.Status.Replicas &&
				d.Status.AvailableReplicas == d.Status.Replicas, nil
		case "StatefulSet":
			s, err := c.kube.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return false, nil
			}
			return s.Status.ObservedGeneration >= s.Generation &&
				s.Status.UpdatedReplicas == s.Status.Replicas &&
				s.Status.ReadyReplicas == s.Status.Replicas, nil
		default: // DaemonSet
			d, err := c.kube.AppsV1().DaemonSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
			if err != nil {
				return false, nil
			}
			return d.Status.ObservedGeneration >= d.Generation &&
				d.Status.UpdatedNumberScheduled == d.Status.DesiredNumberScheduled &&
				d.Status.NumberReady == d.Status.DesiredNumberScheduled, nil
		}
	})
	if err != nil {
		return fmt.Errorf("rollout of %s: %w", ref, err)
	}
	return nil
}

func (c *Client) CreateEvent(ctx context.Context, namespace string, ev Event) error {
	obj := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "recovery-escalation-",
			Namespace:    namespace,
		},
		Reason:         ev.Reason,
		Message:        ev.Message,
		Type:           ev.Type,
		FirstTimestamp: metav1.NewTime(ev.FirstTimestamp),
		LastTimestamp:  metav1.NewTime(ev.LastTimestamp),
		Count:          ev.Count,
		Source:         corev1.EventSource{Component: ev.SourceComponent},
	}
	if ev.Involved != nil {
		obj.InvolvedObject = corev1.ObjectReference{
			Kind:      ev.Involved.Kind,
			Name:      ev.Involved.Name,
			Namespace: ev.Involved.Namespace,
		}
	}
	if _, err := c.kube.CoreV1().Events(namespace).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}
