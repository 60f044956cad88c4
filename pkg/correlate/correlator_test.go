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

package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
)

func warningEvent(msg string) cluster.Event {
	return cluster.Event{
		Type:      "Warning",
		Reason:    "ReconciliationFailed",
		Message:   msg,
		Namespace: "flux-system",
		Involved:  &cluster.ObjectRef{Kind: "Kustomization", Name: "apps", Namespace: "flux-system"},
	}
}

func TestSignatureGroupsByMessage(t *testing.T) {
	a := Signature(warningEvent("kustomize build failed"))
	b := Signature(warningEvent("kustomize build failed"))
	c := Signature(warningEvent("something else entirely"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestDuplicateSuppression(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{}).WithClock(fc)

	ev := warningEvent("helm upgrade failed")

	var results []Result
	var significants []bool
	for i := 0; i < 5; i++ {
		sig, res := c.Observe(ev)
		significants = append(significants, sig)
		results = append(results, res)
		fc.SetTime(fc.Now().Add(2 * time.Second))
	}

	// First arrival plus the first few recurrences are significant.
	require.Equal(t, []bool{true, true, true, false, false}, significants)

	// Occurrence count is monotonic non-decreasing and firstSeen is stable.
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i].OccurrenceCount, results[i-1].OccurrenceCount)
		require.Equal(t, results[1].FirstSeen, results[i].FirstSeen)
		require.True(t, results[i].IsDuplicate)
	}
}

func TestDuplicateOutsideWindowStartsFresh(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{CorrelationWindow: time.Minute}).WithClock(fc)

	ev := warningEvent("timeout waiting for condition")
	_, first := c.Observe(ev)

	fc.SetTime(fc.Now().Add(3 * time.Minute))
	significant, res := c.Observe(ev)
	require.True(t, significant)
	require.False(t, res.IsDuplicate)
	require.Equal(t, 1, res.OccurrenceCount)
	require.NotEqual(t, first.FirstSeen, res.FirstSeen)
}

// Noise suppression scenario: 25 identical warnings within a minute mark the
// signature as noise; at least 22 events are suppressed; a distinct message
// for the same resource is still processed.
func TestNoiseSuppression(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{}).WithClock(fc)

	ev := warningEvent("dry-run failed: field is immutable")
	significantCount := 0
	sawNoise := false
	for i := 0; i < 25; i++ {
		significant, res := c.Observe(ev)
		if significant {
			significantCount++
		}
		if res.IsNoise {
			sawNoise = true
			require.Equal(t, "noise_pattern_detected", res.SuppressionReason)
		}
		fc.SetTime(fc.Now().Add(2 * time.Second))
	}

	require.True(t, sawNoise, "signature must be marked noise")
	require.Equal(t, 3, significantCount)
	require.GreaterOrEqual(t, c.SuppressedEvents(), int64(22))

	// A distinct message is a distinct signature and passes through.
	significant, res := c.Observe(warningEvent("a completely different failure"))
	require.True(t, significant)
	require.False(t, res.IsNoise)
}

func TestNoiseMarkingUnsticksWhenWindowEmpties(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{}).WithClock(fc)

	ev := warningEvent("install retries exhausted")
	for i := 0; i < 25; i++ {
		c.Observe(ev)
		fc.SetTime(fc.Now().Add(time.Second))
	}
	_, res := c.Observe(ev)
	require.True(t, res.IsNoise)

	// Quiet period longer than the noise window empties it.
	fc.SetTime(fc.Now().Add(time.Hour + time.Minute))
	significant, res := c.Observe(ev)
	require.False(t, res.IsNoise)
	require.True(t, significant)
}

func TestBurstDetection(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{}).WithClock(fc)

	ev := warningEvent("back-off restarting failed container")
	var last Result
	for i := 0; i < 6; i++ {
		_, last = c.Observe(ev)
		fc.SetTime(fc.Now().Add(time.Second))
	}
	require.True(t, last.Burst, "6 events within a minute must flag a burst")
}

func TestFrequencyTrend(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{CorrelationWindow: time.Second}).WithClock(fc)

	ev := warningEvent("reconciliation stalled")

	_, res := c.Observe(ev)
	require.Equal(t, "new", res.Frequency.Trend)

	// Space arrivals beyond the correlation window so each lands as a fresh
	// group and contributes to history.
	for i := 0; i < 6; i++ {
		fc.SetTime(fc.Now().Add(2 * time.Second))
		_, res = c.Observe(ev)
	}
	require.Equal(t, "increasing", res.Frequency.Trend)
	require.GreaterOrEqual(t, res.Frequency.RecentOccurrences, 6)
}

func TestRelatedEvents(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	c := New(nil, Config{}).WithClock(fc)

	c.Observe(warningEvent("first failure mode"))
	_, res := c.Observe(warningEvent("second failure mode"))
	require.Len(t, res.RelatedEvents, 1, "signatures for the same resource must correlate")
}
