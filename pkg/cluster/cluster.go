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

// Package cluster provides the narrow cluster access surface the recovery
// engine consumes. The engine never talks to the API server directly; it goes
// through Interface so tests can substitute the in-memory Fake.
package cluster

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// ErrNotFound is returned by Delete and Get-style calls when the target
// object does not exist. Callers that recreate resources treat it as success.
var ErrNotFound = errors.New("resource not found")

// ObjectRef identifies the object an event is about.
type ObjectRef struct {
	Kind      string
	Name      string
	Namespace string
	UID       string
}

// Event is the concrete event record the engine operates on, decoupled from
// the API server's event schema.
type Event struct {
	Type            string // Normal or Warning
	Reason          string
	Message         string
	Namespace       string
	Involved        *ObjectRef
	FirstTimestamp  time.Time
	LastTimestamp   time.Time
	Count           int32
	SourceComponent string
}

// ResourceKey returns the canonical key of the involved object, falling back
// to the event namespace when no object is attached.
func (e Event) ResourceKey() string {
	if e.Involved == nil {
		return e.Namespace + "/Event/unknown"
	}
	ns := e.Involved.Namespace
	if ns == "" {
		ns = e.Namespace
	}
	return resource.Ref{Kind: e.Involved.Kind, Name: e.Involved.Name, Namespace: ns}.Key()
}

// Interface is the cluster access surface. Implementations must be safe for
// concurrent use. Streams are at-least-once; the correlator deduplicates.
type Interface interface {
	// WatchEvents delivers events for the namespace (all namespaces if empty)
	// until ctx is done. The implementation reconnects on stream errors.
	WatchEvents(ctx context.Context, namespace string) (<-chan Event, error)

	// ListResources lists objects of the given kind.
	ListResources(ctx context.Context, kind, namespace string) ([]*unstructured.Unstructured, error)

	// ListCustomObjects lists instances of a custom resource across all
	// namespaces.
	ListCustomObjects(ctx context.Context, gvr schema.GroupVersionResource) ([]unstructured.Unstructured, error)

	// GetResource fetches the live document for ref. Returns ErrNotFound if
	// it does not exist.
	GetResource(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error)

	// Apply server-side applies the document, optionally as a dry run.
	Apply(ctx context.Context, doc *unstructured.Unstructured, dryRun bool) error

	// Delete removes the resource. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, ref resource.Ref, gracePeriodSeconds *int64) error

	// WaitForRollout blocks until the workload referenced by ref reports a
	// complete rollout, the timeout elapses, or ctx is done. Kinds without
	// rollout status return immediately.
	WaitForRollout(ctx context.Context, ref resource.Ref, timeout time.Duration) error

	// Exists reports whether the resource is observable in the cluster.
	Exists(ctx context.Context, ref resource.Ref) (bool, error)

	// CreateEvent records an event in the given namespace.
	CreateEvent(ctx context.Context, namespace string, ev Event) error
}
