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

// Package recovery ties pattern detection to action: it keeps the
// per-(resource, pattern) recovery state, assembles cleanup/recreation plans
// and drives the orchestrator when auto-recovery applies.
package recovery

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Status of a recovery attempt for one (resource, pattern) pair.
type Status string

const (
	StatusDetected           Status = "detected"
	StatusQueued             Status = "queued"
	StatusInProgress         Status = "inProgress"
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusRetryExhausted     Status = "retryExhausted"
	StatusManualIntervention Status = "manualIntervention"
	StatusEscalated          Status = "escalated"
	StatusSuppressed         Status = "suppressed"
)

// Attempt is one entry in a match's recovery history.
type Attempt struct {
	Timestamp  time.Time
	Action     string
	Result     string
	RetryCount int
}

// MatchRecord tracks a detected pattern against a resource across its whole
// recovery lifecycle.
type MatchRecord struct {
	PatternName    string
	ResourceKey    string
	Severity       resource.Severity
	FirstSeen      time.Time
	LastSeen       time.Time
	Occurrences    int
	EventMessage   string
	RecoveryAction string
	RetryCount     int
	MaxRetries     int
	Status         Status
	Confidence     float64
	CorrelationID  string
	EscalationLevel  int
	EscalationReason string
	History          []Attempt
	RelatedPatterns  []string

	lastAttempt time.Time
}

// ShouldEscalate reports whether the record crossed an escalation threshold.
func (r *MatchRecord) ShouldEscalate() bool {
	if r.RetryCount >= r.MaxRetries {
		return true
	}
	if r.Occurrences > 10 {
		return true
	}
	return (r.Severity == resource.SeverityHigh || r.Severity == resource.SeverityCritical) &&
		r.Confidence > 0.8
}

// SuccessRate computes the share of successful attempts in the history.
func (r *MatchRecord) SuccessRate() float64 {
	if len(r.History) == 0 {
		return 0
	}
	ok := 0
	for _, a := range r.History {
		if a.Result == "success" {
			ok++
		}
	}
	return float64(ok) / float64(len(r.History))
}

// State is the recovery-state map. It is safe for concurrent use; all reads
// and updates are serialized by the single lock.
type State struct {
	logger    log.Logger
	clock     clock.PassiveClock
	retention time.Duration

	mtx     sync.Mutex
	records map[string]*MatchRecord
	active  map[string]struct{} // resources with a recovery in flight
}

// NewState constructs an empty state map with the given retention window
// (default 24h).
func NewState(logger log.Logger, retention time.Duration) *State {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &State{
		logger:    logger,
		clock:     clock.RealClock{},
		retention: retention,
		records:   map[string]*MatchRecord{},
		active:    map[string]struct{}{},
	}
}

// WithClock substitutes the time source, for tests.
func (s *State) WithClock(c clock.PassiveClock) *State {
	s.clock = c
	return s
}

func stateKey(resourceKey, patternName string) string {
	return resourceKey + ":" + patternName
}

// Record creates or updates the match record for the event. It returns a
// copy of the updated record.
func (s *State) Record(resourceKey, message string, match pattern.Match, related []string) MatchRecord {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	key := stateKey(resourceKey, match.Pattern.Name)

	rec, ok := s.records[key]
	if !ok {
		rec = &MatchRecord{
			PatternName:    match.Pattern.Name,
			ResourceKey:    resourceKey,
			Severity:       match.Pattern.Severity,
			FirstSeen:      now,
			RecoveryAction: match.Pattern.RecoveryAction,
			MaxRetries:     match.Pattern.MaxRetries,
			Status:         StatusDetected,
			CorrelationID:  uuid.NewString(),
		}
		s.records[key] = rec
	}

	rec.LastSeen = now
	rec.Occurrences++
	rec.EventMessage = message
	if match.Confidence > rec.Confidence {
		rec.Confidence = match.Confidence
	}
	rec.RelatedPatterns = s.relatedPatternsLocked(resourceKey, match.Pattern.Name)

	return *rec
}

func (s *State) relatedPatternsLocked(resourceKey, except string) []string {
	var out []string
	for _, rec := range s.records {
		if rec.ResourceKey == resourceKey && rec.PatternName != except {
			out = append(out, rec.PatternName)
		}
	}
	return out
}

// Get returns a copy of the record, if present.
func (s *State) Get(resourceKey, patternName string) (MatchRecord, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rec, ok := s.records[stateKey(resourceKey, patternName)]
	if !ok {
		return MatchRecord{}, false
	}
	return *rec, true
}

// SetStatus transitions the record's status.
func (s *State) SetStatus(resourceKey, patternName string, status Status, reason string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rec, ok := s.records[stateKey(resourceKey, patternName)]
	if !ok {
		return
	}
	rec.Status = status
	if reason != "" {
		rec.EscalationReason = reason
	}
	if status == StatusManualIntervention || status == StatusEscalated {
		rec.EscalationLevel++
	}
}

// AllowRetry decides whether another recovery attempt may start. The limit
// adapts to confidence: very confident high or critical matches earn one extra
// attempt, low-confidence ones lose one. The per-key cooldown is enforced
// between attempts.
func (s *State) AllowRetry(resourceKey, patternName string, cooldown time.Duration) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[stateKey(resourceKey, patternName)]
	if !ok {
		return false
	}

	maxRetries := rec.MaxRetries
	if rec.Confidence > 0.9 && (rec.Severity == resource.SeverityCritical || rec.Severity == resource.SeverityHigh) {
		maxRetries++
	} else if rec.Confidence < 0.7 {
		if maxRetries--; maxRetries < 1 {
			maxRetries = 1
		}
	}

	if !rec.lastAttempt.IsZero() && s.clock.Now().Sub(rec.lastAttempt) < cooldown {
		level.Debug(s.logger).Log("msg", "recovery cooldown active", "resource", resourceKey, "pattern", patternName)
		return false
	}
	return rec.RetryCount < maxRetries
}

// RecordAttempt appends a recovery attempt. Success resets the retry count;
// failure increments it and flips the record to retryExhausted when the
// limit is reached. It returns the updated record.
func (s *State) RecordAttempt(resourceKey, patternName, action string, success bool) MatchRecord {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[stateKey(resourceKey, patternName)]
	if !ok {
		return MatchRecord{}
	}

	now := s.clock.Now()
	rec.lastAttempt = now

	result := "failure"
	if success {
		result = "success"
	}

	if success {
		rec.Status = StatusSucceeded
		rec.History = append(rec.History, Attempt{Timestamp: now, Action: action, Result: result, RetryCount: rec.RetryCount})
		rec.RetryCount = 0
	} else {
		rec.RetryCount++
		rec.Status = StatusFailed
		rec.History = append(rec.History, Attempt{Timestamp: now, Action: action, Result: result, RetryCount: rec.RetryCount})
		if rec.RetryCount >= rec.MaxRetries {
			rec.Status = StatusRetryExhausted
		}
	}
	return *rec
}

// Acquire marks a recovery in flight for the resource. It returns false when
// one is already running so a resource never has two concurrent recoveries.
func (s *State) Acquire(resourceKey string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.active[resourceKey]; ok {
		return false
	}
	s.active[resourceKey] = struct{}{}
	return true
}

// Release clears the in-flight marker.
func (s *State) Release(resourceKey string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.active, resourceKey)
}

// ActiveCount returns the number of in-flight recoveries.
func (s *State) ActiveCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.active)
}

// RecentMatches implements pattern.History: records for the resource seen
// within the window.
func (s *State) RecentMatches(resourceKey string, window time.Duration) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cutoff := s.clock.Now().Add(-window)
	n := 0
	for _, rec := range s.records {
		if rec.ResourceKey == resourceKey && rec.LastSeen.After(cutoff) {
			n++
		}
	}
	return n
}

// GC removes records whose lastSeen fell out of the retention window.
func (s *State) GC() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cutoff := s.clock.Now().Add(-s.retention)
	removed := 0
	for key, rec := range s.records {
		if rec.LastSeen.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		level.Info(s.logger).Log("msg", "garbage collected recovery state", "removed", removed)
	}
	return removed
}

// Len returns the number of retained records.
func (s *State) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.records)
}

// StatusCounts returns record counts by status, for metrics export.
func (s *State) StatusCounts() map[Status]int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := map[Status]int{}
	for _, rec := range s.records {
		out[rec.Status]++
	}
	return out
}
