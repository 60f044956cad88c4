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

// Package health tracks per-resource reconciliation health from the event
// stream and detects resources stuck in a non-ready state.
package health

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
)

// historyCap bounds the per-resource reconcile history.
const historyCap = 50

// Entry is one observed reconcile outcome.
type Entry struct {
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
	Error     string
}

// Record is the rolling health state of one resource.
type Record struct {
	Key        string
	Kind       string
	Namespace  string
	Name       string
	Ready      bool
	HealthScore float64

	LastReconcile  time.Time
	LastSuccessful time.Time
	LastError      string
	ErrorCount     int
	FailureStreak  int
	StuckSince     *time.Time

	History          []Entry
	ErrorPatterns    map[string]struct{}
	RecoveryAttempts int
}

// Summary is the exported view of a record.
type Summary struct {
	Key           string
	Ready         bool
	HealthScore   float64
	SuccessRate   float64
	FailureStreak int
	Stuck         bool
	StuckFor      time.Duration
	ErrorPatterns []string
}

// Tracker maintains health records keyed by canonical resource key.
type Tracker struct {
	logger log.Logger
	clock  clock.PassiveClock

	mtx     sync.Mutex
	records map[string]*Record
}

// NewTracker returns an empty tracker.
func NewTracker(logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tracker{
		logger:  logger,
		clock:   clock.RealClock{},
		records: map[string]*Record{},
	}
}

// WithClock substitutes the time source, for tests.
func (t *Tracker) WithClock(c clock.PassiveClock) *Tracker {
	t.clock = c
	return t
}

// ObserveEvent folds a cluster event into the involved resource's health.
// Warning events count as failures, everything else as success.
func (t *Tracker) ObserveEvent(ev cluster.Event) {
	if ev.Involved == nil {
		return
	}
	errMsg := ""
	success := ev.Type != "Warning"
	if !success {
		errMsg = ev.Message
	}
	ns := ev.Involved.Namespace
	if ns == "" {
		ns = ev.Namespace
	}
	t.Observe(ev.Involved.Kind, ns, ev.Involved.Name, success, 0, errMsg)
}

// Observe records one reconcile outcome.
func (t *Tracker) Observe(kind, namespace, name string, success bool, duration time.Duration, errMsg string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	rec := t.recordLocked(kind, namespace, name)
	now := t.clock.Now()

	rec.History = append(rec.History, Entry{Timestamp: now, Success: success, Duration: duration, Error: errMsg})
	if len(rec.History) > historyCap {
		rec.History = rec.History[len(rec.History)-historyCap:]
	}

	if success {
		rec.Ready = true
		rec.LastSuccessful = now
		rec.FailureStreak = 0
		rec.StuckSince = nil
		if rec.HealthScore += 0.1; rec.HealthScore > 1 {
			rec.HealthScore = 1
		}
	} else {
		rec.Ready = false
		rec.ErrorCount++
		rec.FailureStreak++
		rec.LastError = errMsg
		if rec.HealthScore -= 0.2; rec.HealthScore < 0 {
			rec.HealthScore = 0
		}
		if rec.StuckSince == nil && rec.FailureStreak >= 3 {
			stuck := now
			rec.StuckSince = &stuck
		}
	}
	rec.LastReconcile = now
}

func (t *Tracker) recordLocked(kind, namespace, name string) *Record {
	key := namespace + "/" + kind + "/" + name
	rec, ok := t.records[key]
	if !ok {
		rec = &Record{
			Key:           key,
			Kind:          kind,
			Namespace:     namespace,
			Name:          name,
			HealthScore:   1.0,
			ErrorPatterns: map[string]struct{}{},
		}
		t.records[key] = rec
	}
	return rec
}

// RecordErrorPattern notes that a pattern matched against the resource.
func (t *Tracker) RecordErrorPattern(resourceKey, patternName string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if rec, ok := t.records[resourceKey]; ok {
		rec.ErrorPatterns[patternName] = struct{}{}
	}
}

// RecordRecoveryAttempt bumps the resource's recovery attempt counter.
func (t *Tracker) RecordRecoveryAttempt(resourceKey string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if rec, ok := t.records[resourceKey]; ok {
		rec.RecoveryAttempts++
	}
}

// IsStuck reports whether the resource has been stuck longer than threshold.
func (t *Tracker) IsStuck(resourceKey string, threshold time.Duration) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	rec, ok := t.records[resourceKey]
	if !ok || rec.StuckSince == nil {
		return false
	}
	return t.clock.Now().Sub(*rec.StuckSince) > threshold
}

// Summary returns the exported view for the resource, if tracked.
func (t *Tracker) Summary(resourceKey string) (Summary, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	rec, ok := t.records[resourceKey]
	if !ok {
		return Summary{}, false
	}

	failures := 0
	for _, e := range rec.History {
		if !e.Success {
			failures++
		}
	}
	successRate := 0.0
	if len(rec.History) > 0 {
		successRate = 1.0 - float64(failures)/float64(len(rec.History))
	}

	out := Summary{
		Key:           rec.Key,
		Ready:         rec.Ready,
		HealthScore:   rec.HealthScore,
		SuccessRate:   successRate,
		FailureStreak: rec.FailureStreak,
	}
	if rec.StuckSince != nil {
		out.Stuck = true
		out.StuckFor = t.clock.Now().Sub(*rec.StuckSince)
	}
	for p := range rec.ErrorPatterns {
		out.ErrorPatterns = append(out.ErrorPatterns, p)
	}
	return out, true
}

// Len returns the number of tracked resources.
func (t *Tracker) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.records)
}
