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
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

func testMatch(name string, severity resource.Severity, confidence float64) pattern.Match {
	specs := []pattern.Spec{{
		Name:           name,
		ErrorPattern:   "x",
		RecoveryAction: "recreate-resource",
		Severity:       string(severity),
		MaxRetries:     2,
	}}
	return pattern.Match{Pattern: pattern.Compile(nil, specs)[0], Confidence: confidence}
}

const resKey = "flux-system/Kustomization/apps"

func TestRecordCreatesAndUpdates(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	s := NewState(nil, 0).WithClock(fc)

	rec := s.Record(resKey, "first failure", testMatch("p1", resource.SeverityHigh, 0.7), nil)
	require.Equal(t, 1, rec.Occurrences)
	require.Equal(t, StatusDetected, rec.Status)
	require.NotEmpty(t, rec.CorrelationID)
	require.Equal(t, rec.FirstSeen, rec.LastSeen)

	fc.SetTime(fc.Now().Add(time.Minute))
	rec2 := s.Record(resKey, "second failure", testMatch("p1", resource.SeverityHigh, 0.9), nil)
	require.Equal(t, 2, rec2.Occurrences)
	require.Equal(t, rec.CorrelationID, rec2.CorrelationID)
	require.Equal(t, 0.9, rec2.Confidence, "confidence keeps its maximum")
	require.True(t, rec2.LastSeen.After(rec2.FirstSeen))

	// A second pattern on the same resource shows up as related.
	rec3 := s.Record(resKey, "other failure", testMatch("p2", resource.SeverityLow, 0.6), nil)
	require.Equal(t, []string{"p1"}, rec3.RelatedPatterns)
}

func TestShouldEscalate(t *testing.T) {
	for _, tc := range []struct {
		desc string
		rec  MatchRecord
		want bool
	}{
		{desc: "fresh", rec: MatchRecord{MaxRetries: 3, Severity: resource.SeverityMedium}, want: false},
		{desc: "retries exhausted", rec: MatchRecord{RetryCount: 3, MaxRetries: 3}, want: true},
		{desc: "too many occurrences", rec: MatchRecord{MaxRetries: 3, Occurrences: 11}, want: true},
		{desc: "severe and confident", rec: MatchRecord{MaxRetries: 3, Severity: resource.SeverityCritical, Confidence: 0.85}, want: true},
		{desc: "severe but unsure", rec: MatchRecord{MaxRetries: 3, Severity: resource.SeverityCritical, Confidence: 0.5}, want: false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.want, tc.rec.ShouldEscalate())
		})
	}
}

func TestAllowRetryCooldownAndAdaptiveLimit(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	s := NewState(nil, 0).WithClock(fc)

	s.Record(resKey, "msg", testMatch("p1", resource.SeverityHigh, 0.75), nil)
	cooldown := 2 * time.Minute

	require.True(t, s.AllowRetry(resKey, "p1", cooldown))

	s.RecordAttempt(resKey, "p1", "recreate-resource", false)
	require.False(t, s.AllowRetry(resKey, "p1", cooldown), "cooldown must block an immediate retry")

	fc.SetTime(fc.Now().Add(3 * time.Minute))
	require.True(t, s.AllowRetry(resKey, "p1", cooldown))

	s.RecordAttempt(resKey, "p1", "recreate-resource", false)
	fc.SetTime(fc.Now().Add(3 * time.Minute))
	require.False(t, s.AllowRetry(resKey, "p1", cooldown), "maxRetries reached")

	// Very confident critical matches earn one extra attempt.
	s.Record("default/Deployment/app", "msg", testMatch("p2", resource.SeverityCritical, 0.95), nil)
	s.RecordAttempt("default/Deployment/app", "p2", "a", false)
	s.RecordAttempt("default/Deployment/app", "p2", "a", false)
	fc.SetTime(fc.Now().Add(3 * time.Minute))
	require.True(t, s.AllowRetry("default/Deployment/app", "p2", cooldown))

	// Low-confidence matches lose one.
	s.Record("default/Deployment/other", "msg", testMatch("p3", resource.SeverityHigh, 0.6), nil)
	s.RecordAttempt("default/Deployment/other", "p3", "a", false)
	fc.SetTime(fc.Now().Add(3 * time.Minute))
	require.False(t, s.AllowRetry("default/Deployment/other", "p3", cooldown))
}

func TestRecordAttemptHistoryAndExhaustion(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	s := NewState(nil, 0).WithClock(fc)
	s.Record(resKey, "msg", testMatch("p1", resource.SeverityHigh, 0.8), nil)

	rec := s.RecordAttempt(resKey, "p1", "recreate-resource", false)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, 1, rec.RetryCount)

	rec = s.RecordAttempt(resKey, "p1", "recreate-resource", false)
	require.Equal(t, StatusRetryExhausted, rec.Status, "maxRetries=2 exhausts on the second failure")
	require.Len(t, rec.History, 2)
	require.Equal(t, 0.0, rec.SuccessRate())

	rec = s.RecordAttempt(resKey, "p1", "recreate-resource", true)
	require.Equal(t, StatusSucceeded, rec.Status)
	require.Equal(t, 0, rec.RetryCount, "success resets the retry count")
	require.InDelta(t, 1.0/3.0, rec.SuccessRate(), 1e-9)
}

func TestActiveRecoverySingleFlight(t *testing.T) {
	s := NewState(nil, 0)
	require.True(t, s.Acquire(resKey))
	require.False(t, s.Acquire(resKey), "one recovery per resource")
	require.Equal(t, 1, s.ActiveCount())
	s.Release(resKey)
	require.True(t, s.Acquire(resKey))
}

func TestGCRespectsRetention(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	s := NewState(nil, 24*time.Hour).WithClock(fc)

	s.Record(resKey, "old", testMatch("p1", resource.SeverityLow, 0.6), nil)
	fc.SetTime(fc.Now().Add(23 * time.Hour))
	s.Record("default/Deployment/app", "fresh", testMatch("p2", resource.SeverityLow, 0.6), nil)

	require.Equal(t, 0, s.GC())

	fc.SetTime(fc.Now().Add(2 * time.Hour))
	require.Equal(t, 1, s.GC(), "only the stale record is collected")
	_, ok := s.Get(resKey, "p1")
	require.False(t, ok)
	_, ok = s.Get("default/Deployment/app", "p2")
	require.True(t, ok)
}

func TestRecentMatchesWindow(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Unix(1700000000, 0))
	s := NewState(nil, 0).WithClock(fc)

	s.Record(resKey, "a", testMatch("p1", resource.SeverityLow, 0.6), nil)
	fc.SetTime(fc.Now().Add(10 * time.Minute))
	s.Record(resKey, "b", testMatch("p2", resource.SeverityLow, 0.6), nil)

	require.Equal(t, 2, s.RecentMatches(resKey, time.Hour))
	require.Equal(t, 1, s.RecentMatches(resKey, 5*time.Minute))
	require.Equal(t, 0, s.RecentMatches("other/Deployment/x", time.Hour))
}
