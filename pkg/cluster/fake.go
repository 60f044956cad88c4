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
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Fake is an in-memory Interface for tests. Mutations are recorded in order
// so tests can assert on the exact operation sequence.
type Fake struct {
	mtx sync.Mutex

	objects map[resource.Ref]*unstructured.Unstructured
	custom  map[schema.GroupVersionResource][]unstructured.Unstructured
	events  chan Event

	// Actions records "apply", "apply-dry-run", "delete" and "wait-rollout"
	// entries with the resource key appended, and "create-event" entries with
	// the event's namespace/reason appended.
	Actions []string
	// Created collects events passed to CreateEvent.
	Created []Event

	// ApplyErr, DeleteErr and RolloutErr, when set, fail the corresponding
	// calls. FailApplyFor limits ApplyErr to a single resource key.
	ApplyErr     error
	FailApplyFor string
	DeleteErr    error
	RolloutErr   error
}

// NewFake returns an empty fake cluster.
func NewFake() *Fake {
	return &Fake{
		objects: map[resource.Ref]*unstructured.Unstructured{},
		custom:  map[schema.GroupVersionResource][]unstructured.Unstructured{},
		events:  make(chan Event, 256),
	}
}

// SendEvent injects an event into the watch stream.
func (f *Fake) SendEvent(ev Event) {
	f.events <- ev
}

// SetCustomObjects seeds the custom object listing for a GVR.
func (f *Fake) SetCustomObjects(gvr schema.GroupVersionResource, objs []unstructured.Unstructured) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.custom[gvr] = objs
}

// AddObject seeds an object into the store.
func (f *Fake) AddObject(doc *unstructured.Unstructured) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.objects[refOf(doc)] = doc
}

func refOf(doc *unstructured.Unstructured) resource.Ref {
	return resource.Ref{
		Kind:       doc.GetKind(),
		Name:       doc.GetName(),
		Namespace:  doc.GetNamespace(),
		APIVersion: doc.GetAPIVersion(),
	}
}

func (f *Fake) record(action, key string) {
	f.Actions = append(f.Actions, action+" "+key)
}

func (f *Fake) WatchEvents(ctx context.Context, _ string) (<-chan Event, error) {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) ListResources(_ context.Context, kind, namespace string) ([]*unstructured.Unstructured, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var out []*unstructured.Unstructured
	for ref, doc := range f.objects {
		if ref.Kind != kind {
			continue
		}
		if namespace != "" && ref.Namespace != namespace {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (f *Fake) ListCustomObjects(_ context.Context, gvr schema.GroupVersionResource) ([]unstructured.Unstructured, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.custom[gvr], nil
}

func (f *Fake) Apply(_ context.Context, doc *unstructured.Unstructured, dryRun bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ref := refOf(doc)
	if dryRun {
		f.record("apply-dry-run", ref.Key())
	} else {
		f.record("apply", ref.Key())
	}
	if f.ApplyErr != nil && (f.FailApplyFor == "" || f.FailApplyFor == ref.Key()) {
		return f.ApplyErr
	}
	if !dryRun {
		f.objects[ref] = doc
	}
	return nil
}

func (f *Fake) Delete(_ context.Context, ref resource.Ref, _ *int64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.record("delete", ref.Key())
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.objects[ref]; !ok {
		return ErrNotFound
	}
	delete(f.objects, ref)
	return nil
}

func (f *Fake) GetResource(_ context.Context, ref resource.Ref) (*unstructured.Unstructured, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	doc, ok := f.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.DeepCopy(), nil
}

func (f *Fake) Exists(_ context.Context, ref resource.Ref) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	_, ok := f.objects[ref]
	return ok, nil
}

func (f *Fake) WaitForRollout(_ context.Context, ref resource.Ref, _ time.Duration) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.record("wait-rollout", ref.Key())
	return f.RolloutErr
}

func (f *Fake) CreateEvent(_ context.Context, namespace string, ev Event) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.record("create-event", namespace+"/"+ev.Reason)
	f.Created = append(f.Created, ev)
	return nil
}

// ActionsSnapshot returns a copy of the recorded actions.
func (f *Fake) ActionsSnapshot() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]string, len(f.Actions))
	copy(out, f.Actions)
	return out
}

// CreatedSnapshot returns a copy of the recorded events.
func (f *Fake) CreatedSnapshot() []Event {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]Event, len(f.Created))
	copy(out, f.Created)
	return out
}
