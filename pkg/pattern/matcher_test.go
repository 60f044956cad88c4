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

package pattern

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/correlate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

func event(kind, ns, reason, msg string) cluster.Event {
	return cluster.Event{
		Type:      "Warning",
		Reason:    reason,
		Message:   msg,
		Namespace: ns,
		Involved:  &cluster.ObjectRef{Kind: kind, Name: "app", Namespace: ns},
	}
}

func TestCompileDropsInvalidPatterns(t *testing.T) {
	patterns := Compile(nil, []Spec{
		{Name: "good", ErrorPattern: "field is immutable", RecoveryAction: "recreate-resource"},
		{Name: "bad-regex", ErrorPattern: "([unclosed", RecoveryAction: "recreate-resource"},
		{ErrorPattern: "no name", RecoveryAction: "recreate-resource"},
		{Name: "no-action", ErrorPattern: "x"},
	})
	require.Len(t, patterns, 1)
	require.Equal(t, "good", patterns[0].Name)
	require.Equal(t, 3, patterns[0].MaxRetries, "maxRetries defaults to 3")
	require.Equal(t, resource.SeverityMedium, patterns[0].Severity, "severity defaults to medium")
}

func TestRegexStrategyIsCaseInsensitive(t *testing.T) {
	patterns := Compile(nil, []Spec{{
		Name:           "immutable-field-conflict",
		ErrorPattern:   "field is immutable",
		RecoveryAction: "recreate-resource",
		Severity:       "high",
	}})
	m := NewMatcher(nil, MatcherConfig{}, patterns, nil)

	matches := m.Classify(event("Deployment", "default", "ApplyFailed", "Deployment.apps \"x\" is invalid: Field Is Immutable"), correlate.Result{})
	require.Len(t, matches, 1)
	require.Equal(t, "immutable-field-conflict", matches[0].Pattern.Name)
}

func TestAppliesToPrecheck(t *testing.T) {
	patterns := Compile(nil, []Spec{{
		Name:           "helm-upgrade-failure",
		ErrorPattern:   "upgrade.*failed",
		AppliesTo:      []string{"HelmRelease"},
		RecoveryAction: "rollback-helm",
		Severity:       "high",
	}})
	m := NewMatcher(nil, MatcherConfig{}, patterns, nil)

	msg := "Helm upgrade failed: timed out waiting for the condition"
	require.Empty(t, m.Classify(event("Deployment", "default", "UpgradeFailed", msg), correlate.Result{}),
		"pattern scoped to HelmRelease must never match a Deployment event")
	require.Len(t, m.Classify(event("HelmRelease", "default", "UpgradeFailed", msg), correlate.Result{}), 1)
}

func TestKeywordStrategy(t *testing.T) {
	// The regex itself does not match, but the immutable keyword family does.
	patterns := Compile(nil, []Spec{{
		Name:           "immutable-spec",
		ErrorPattern:   "a regex that matches nothing relevant zzz",
		RecoveryAction: "recreate-resource",
		Severity:       "high",
	}})
	m := NewMatcher(nil, MatcherConfig{}, patterns, nil)

	matches := m.Classify(event("Service", "default", "ApplyFailed", "spec.clusterIP: Invalid value: cannot change ClusterIP"), correlate.Result{})
	require.Len(t, matches, 1)
}

type fixedHistory int

func (h fixedHistory) RecentMatches(string, time.Duration) int { return int(h) }

func TestContextualStrategyEscalatingTimeouts(t *testing.T) {
	patterns := Compile(nil, []Spec{{
		Name:           "dependency-timeout",
		ErrorPattern:   "zzz never matches zzz",
		RecoveryAction: "requeue",
		Severity:       "high",
	}})

	ev := event("Kustomization", "flux-system", "ReconciliationFailed", "unrelated message")

	cold := NewMatcher(nil, MatcherConfig{}, patterns, fixedHistory(0))
	require.Empty(t, cold.Classify(ev, correlate.Result{}))

	warm := NewMatcher(nil, MatcherConfig{}, patterns, fixedHistory(3))
	require.Len(t, warm.Classify(ev, correlate.Result{}), 1,
		"repeated failures must infer a timeout pattern")
}

func TestAdditionalConditions(t *testing.T) {
	specs := []Spec{{
		Name:           "scoped",
		ErrorPattern:   "build failed",
		RecoveryAction: "requeue",
		Severity:       "high",
		Conditions: ConditionsSpec{
			EventReason: []string{"BuildFailed"},
			Namespace:   []string{"flux-system"},
			NameRegex:   "^app",
		},
	}}
	m := NewMatcher(nil, MatcherConfig{}, Compile(nil, specs), nil)

	ok := event("Kustomization", "flux-system", "BuildFailed", "kustomize build failed")
	require.Len(t, m.Classify(ok, correlate.Result{}), 1)

	wrongReason := event("Kustomization", "flux-system", "Other", "kustomize build failed")
	require.Empty(t, m.Classify(wrongReason, correlate.Result{}))

	wrongNS := event("Kustomization", "default", "BuildFailed", "kustomize build failed")
	require.Empty(t, m.Classify(wrongNS, correlate.Result{}))
}

func TestMinOccurrencesCondition(t *testing.T) {
	specs := []Spec{{
		Name:           "flapping",
		ErrorPattern:   "probe failed",
		RecoveryAction: "requeue",
		Severity:       "high",
		Conditions: ConditionsSpec{
			MinOccurrences: &struct {
				Count         int `yaml:"count"`
				WindowSeconds int `yaml:"windowSeconds"`
			}{Count: 3, WindowSeconds: 300},
		},
	}}
	m := NewMatcher(nil, MatcherConfig{}, Compile(nil, specs), nil)

	ev := event("Deployment", "default", "Unhealthy", "liveness probe failed")
	require.Empty(t, m.Classify(ev, correlate.Result{OccurrenceCount: 1}))
	require.Len(t, m.Classify(ev, correlate.Result{OccurrenceCount: 3}), 1)
}

func TestConfidenceScoring(t *testing.T) {
	patterns := Compile(nil, []Spec{{
		Name:           "critical-failure",
		ErrorPattern:   "reconciliation failed",
		RecoveryAction: "requeue",
		Severity:       "critical",
	}})
	m := NewMatcher(nil, MatcherConfig{}, patterns, nil)

	ev := event("Kustomization", "flux-system", "ReconciliationFailed", "reconciliation failed")
	corr := correlate.Result{Frequency: correlate.Frequency{Trend: "increasing"}}

	matches := m.Classify(ev, corr)
	require.Len(t, matches, 1)
	// base 0.6 + critical 0.3 + trend 0.1 + critical namespace 0.1, clamped.
	require.InDelta(t, 1.0, matches[0].Confidence, 1e-9)

	// Determinism: identical correlator state scores identically.
	again := m.Classify(ev, corr)
	require.Equal(t, matches[0].Confidence, again[0].Confidence)

	// Heavy total occurrence count applies the noise penalty.
	m2 := NewMatcher(nil, MatcherConfig{}, patterns, nil)
	noisy := m2.Classify(event("Kustomization", "default", "ReconciliationFailed", "reconciliation failed"),
		correlate.Result{Frequency: correlate.Frequency{TotalOccurrences: 51}})
	require.Len(t, noisy, 1)
	require.InDelta(t, 0.8, noisy[0].Confidence, 1e-9)
}

func TestClassifyCacheEviction(t *testing.T) {
	c := newClassifyCache(10)
	for i := 0; i < 10; i++ {
		c.put(fmt.Sprintf("key-%d", i), nil)
	}
	require.Equal(t, 10, c.len())

	c.put("overflow", nil)
	require.Equal(t, 10, c.len(), "insertion beyond capacity evicts the oldest tenth")
	if _, ok := c.get("key-0"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.get("overflow"); !ok {
		t.Error("new entry must be present")
	}
}
