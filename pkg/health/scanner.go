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

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
)

// ScanTarget names a custom resource the stuck scanner inspects.
type ScanTarget struct {
	Kind string
	GVR  schema.GroupVersionResource
}

// DefaultScanTargets cover the declarative manager's reconcilable kinds.
var DefaultScanTargets = []ScanTarget{
	{Kind: "Kustomization", GVR: schema.GroupVersionResource{Group: "kustomize.toolkit.fluxcd.io", Version: "v1", Resource: "kustomizations"}},
	{Kind: "HelmRelease", GVR: schema.GroupVersionResource{Group: "helm.toolkit.fluxcd.io", Version: "v2", Resource: "helmreleases"}},
}

// Scanner periodically lists the manager's custom objects and feeds a
// synthetic ReconciliationStuck event into the pattern pipeline for every
// object whose Ready condition has been False longer than the threshold.
type Scanner struct {
	logger         log.Logger
	clock          clock.PassiveClock
	cluster        cluster.Interface
	targets        []ScanTarget
	interval       time.Duration
	stuckThreshold time.Duration
	sink           func(cluster.Event)
}

// NewScanner constructs a scanner that delivers synthetic events to sink.
func NewScanner(logger log.Logger, c cluster.Interface, targets []ScanTarget, interval, stuckThreshold time.Duration, sink func(cluster.Event)) *Scanner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if len(targets) == 0 {
		targets = DefaultScanTargets
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 5 * time.Minute
	}
	return &Scanner{
		logger:         logger,
		clock:          clock.RealClock{},
		cluster:        c,
		targets:        targets,
		interval:       interval,
		stuckThreshold: stuckThreshold,
		sink:           sink,
	}
}

// WithClock substitutes the time source, for tests.
func (s *Scanner) WithClock(c clock.PassiveClock) *Scanner {
	s.clock = c
	return s
}

// Run scans on the configured interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs a single pass over all targets. Listing failures for one
// target are logged and skipped.
func (s *Scanner) ScanOnce(ctx context.Context) {
	for _, target := range s.targets {
		objs, err := s.cluster.ListCustomObjects(ctx, target.GVR)
		if err != nil {
			level.Warn(s.logger).Log("msg", "stuck scan listing failed", "kind", target.Kind, "err", err)
			continue
		}
		for i := range objs {
			s.checkObject(&objs[i], target.Kind)
		}
	}
}

func (s *Scanner) checkObject(obj *unstructured.Unstructured, kind string) {
	transition, ready, found := readyCondition(obj)
	if !found || ready {
		return
	}
	stuckFor := s.clock.Now().Sub(transition)
	if stuckFor <= s.stuckThreshold {
		return
	}

	level.Warn(s.logger).Log("msg", "stuck reconciliation detected",
		"kind", kind, "namespace", obj.GetNamespace(), "name", obj.GetName(),
		"stuckFor", stuckFor.Truncate(time.Second))

	now := s.clock.Now()
	s.sink(cluster.Event{
		Type:      "Warning",
		Reason:    "ReconciliationStuck",
		Message:   fmt.Sprintf("%s stuck in non-ready state for %.0f seconds", kind, stuckFor.Seconds()),
		Namespace: obj.GetNamespace(),
		Involved: &cluster.ObjectRef{
			Kind:      kind,
			Name:      obj.GetName(),
			Namespace: obj.GetNamespace(),
			UID:       string(obj.GetUID()),
		},
		FirstTimestamp:  now,
		LastTimestamp:   now,
		Count:           1,
		SourceComponent: "gitops-recovery",
	})
}

// readyCondition extracts the Ready condition's status and last transition
// time from an unstructured object.
func readyCondition(obj *unstructured.Unstructured) (transition time.Time, ready, found bool) {
	conditions, ok, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !ok || err != nil {
		return time.Time{}, false, false
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if t, _, _ := unstructured.NestedString(cond, "type"); t != "Ready" {
			continue
		}
		status, _, _ := unstructured.NestedString(cond, "status")
		lt, _, _ := unstructured.NestedString(cond, "lastTransitionTime")
		parsed, perr := time.Parse(time.RFC3339, lt)
		if perr != nil {
			return time.Time{}, false, false
		}
		return parsed, status == "True", true
	}
	return time.Time{}, false, false
}
