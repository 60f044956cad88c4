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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/correlate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/health"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/notify"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

type stubRunner struct {
	mtx   sync.Mutex
	calls int
	err   error
}

func (s *stubRunner) ExecuteAction(context.Context, resource.Ref, pattern.Action) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.calls++
	return s.err
}

func (s *stubRunner) Calls() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.calls
}

type recordingSink struct {
	mtx      sync.Mutex
	payloads []notify.Payload
}

func (r *recordingSink) Notify(_ context.Context, p notify.Payload) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingSink) Count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.payloads)
}

type harness struct {
	detector *Detector
	fake     *cluster.Fake
	runner   *stubRunner
	sink     *recordingSink
	state    *State
	clock    *testingclock.FakePassiveClock
}

func newHarness(t *testing.T, runnerErr error, maxRetries int) *harness {
	t.Helper()
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	fake := cluster.NewFake()
	runner := &stubRunner{err: runnerErr}
	sink := &recordingSink{}

	patterns := pattern.Compile(nil, []pattern.Spec{{
		Name:           "helm-upgrade-failure",
		ErrorPattern:   "upgrade failed",
		AppliesTo:      []string{"HelmRelease"},
		Severity:       "high",
		RecoveryAction: "recreate-resource",
		MaxRetries:     maxRetries,
	}})
	actions := map[string]pattern.Action{
		"recreate-resource": {
			Description:    "Delete and recreate the resource",
			Steps:          []string{"backup_resource_spec", "delete_resource_gracefully", "recreate_resource"},
			TimeoutSeconds: 60,
		},
	}

	state := NewState(nil, 0).WithClock(fc)
	correlator := correlate.New(nil, correlate.Config{}).WithClock(fc)
	matcher := pattern.NewMatcher(nil, pattern.MatcherConfig{}, patterns, state)
	tracker := health.NewTracker(nil).WithClock(fc)

	d := NewDetector(nil, fake, correlator, matcher, tracker, state, runner, actions, sink, nil, Options{
		AutoRecoveryEnabled: true,
		RecoveryCooldown:    time.Minute,
	}).WithClock(fc)

	return &harness{detector: d, fake: fake, runner: runner, sink: sink, state: state, clock: fc}
}

func helmEvent() cluster.Event {
	return cluster.Event{
		Type:            "Warning",
		Reason:          "UpgradeFailed",
		Message:         "Helm upgrade failed: timed out waiting for the condition",
		Namespace:       "default",
		SourceComponent: "helm-controller",
		Involved:        &cluster.ObjectRef{Kind: "HelmRelease", Name: "web", Namespace: "default"},
	}
}

func waitForCalls(t *testing.T, r *stubRunner, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Calls() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestDetectorTriggersRecovery(t *testing.T) {
	h := newHarness(t, nil, 3)
	ctx := context.Background()

	h.detector.ProcessEvent(ctx, helmEvent())
	waitForCalls(t, h.runner, 1)

	require.Eventually(t, func() bool {
		rec, ok := h.state.Get("default/HelmRelease/web", "helm-upgrade-failure")
		return ok && rec.Status == StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.sink.Count())
}

func TestDetectorIgnoresUnrelatedEvents(t *testing.T) {
	h := newHarness(t, nil, 3)
	ctx := context.Background()

	normal := helmEvent()
	normal.Type = "Normal"
	h.detector.ProcessEvent(ctx, normal)

	unrelated := helmEvent()
	unrelated.SourceComponent = "kubelet"
	unrelated.Involved.Kind = "Pod"
	h.detector.ProcessEvent(ctx, unrelated)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, h.runner.Calls())
}

// Retry exhaustion scenario: maxRetries=2, the action always fails. After the
// retries are spent the record flips to manual intervention with exactly one
// escalation event and one notification.
func TestDetectorRetryExhaustionEscalatesOnce(t *testing.T) {
	h := newHarness(t, errors.New("recovery action failed"), 2)
	ctx := context.Background()

	h.detector.ProcessEvent(ctx, helmEvent())
	waitForCalls(t, h.runner, 1)
	require.Eventually(t, func() bool {
		rec, _ := h.state.Get("default/HelmRelease/web", "helm-upgrade-failure")
		return rec.RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Past the cooldown and correlation window so the next event is fresh
	// and retryable.
	h.clock.SetTime(h.clock.Now().Add(6 * time.Minute))
	h.detector.ProcessEvent(ctx, helmEvent())
	waitForCalls(t, h.runner, 2)

	require.Eventually(t, func() bool {
		rec, _ := h.state.Get("default/HelmRelease/web", "helm-upgrade-failure")
		return rec.Status == StatusManualIntervention
	}, 2*time.Second, 5*time.Millisecond)

	// Further matches change nothing: the record is owned by a human now.
	h.clock.SetTime(h.clock.Now().Add(6 * time.Minute))
	h.detector.ProcessEvent(ctx, helmEvent())
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 2, h.runner.Calls())
	require.Equal(t, 1, h.sink.Count(), "exactly one notification")

	escalations := 0
	for _, ev := range h.fake.CreatedSnapshot() {
		if ev.Reason == "RecoveryEscalation" {
			escalations++
			require.Equal(t, "Warning", ev.Type)
			require.Equal(t, "default", ev.Namespace)
		}
	}
	require.Equal(t, 1, escalations, "exactly one escalation event")

	rec, _ := h.state.Get("default/HelmRelease/web", "helm-upgrade-failure")
	require.Equal(t, "max_retries_exceeded", rec.EscalationReason)
	require.Equal(t, 1, rec.EscalationLevel)
}

func TestDetectorCooldownBlocksImmediateRetry(t *testing.T) {
	h := newHarness(t, errors.New("boom"), 3)
	ctx := context.Background()

	h.detector.ProcessEvent(ctx, helmEvent())
	waitForCalls(t, h.runner, 1)
	require.Eventually(t, func() bool {
		rec, _ := h.state.Get("default/HelmRelease/web", "helm-upgrade-failure")
		return rec.RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Within the cooldown the same pattern does not re-trigger.
	h.clock.SetTime(h.clock.Now().Add(10 * time.Second))
	h.detector.ProcessEvent(ctx, helmEvent())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.runner.Calls())
}

func TestDetectorSingleFlightPerResource(t *testing.T) {
	h := newHarness(t, nil, 3)
	// Make the runner slow so a second event lands mid-recovery.
	slow := &stubRunner{}
	blocker := make(chan struct{})
	h.detector.orch = runnerFunc(func(ctx context.Context, _ resource.Ref, _ pattern.Action) error {
		slow.mtx.Lock()
		slow.calls++
		slow.mtx.Unlock()
		<-blocker
		return nil
	})
	ctx := context.Background()

	h.detector.ProcessEvent(ctx, helmEvent())
	waitForCalls(t, slow, 1)

	h.clock.SetTime(h.clock.Now().Add(6 * time.Minute))
	h.detector.ProcessEvent(ctx, helmEvent())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, slow.Calls(), "a resource mid-recovery must not re-trigger")

	close(blocker)
}

type runnerFunc func(context.Context, resource.Ref, pattern.Action) error

func (f runnerFunc) ExecuteAction(ctx context.Context, r resource.Ref, a pattern.Action) error {
	return f(ctx, r, a)
}
