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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/correlate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// History exposes the per-resource pattern-match trail the contextual
// strategy and min-occurrence conditions consult.
type History interface {
	// RecentMatches returns how many pattern matches were recorded for the
	// resource within the window.
	RecentMatches(resourceKey string, window time.Duration) int
}

type noHistory struct{}

func (noHistory) RecentMatches(string, time.Duration) int { return 0 }

// MatcherConfig carries the confidence scoring constants. The defaults
// preserve the relative ordering the engine was tuned with; absolute values
// are configuration.
type MatcherConfig struct {
	// Threshold a match's confidence must exceed to be emitted.
	Threshold float64
	// Base confidence granted by any strategy match.
	Base float64
	// SeverityBoost per pattern severity.
	SeverityBoost map[resource.Severity]float64
	// TrendBoost applies when the signature frequency is increasing;
	// otherwise RecentBoost applies when there were more than three recent
	// occurrences.
	TrendBoost  float64
	RecentBoost float64
	// NoisePenalty applies beyond NoisePenaltyAfter total occurrences.
	NoisePenalty      float64
	NoisePenaltyAfter int
	// CriticalNamespaceBoost applies to events in CriticalNamespaces.
	CriticalNamespaceBoost float64
	CriticalNamespaces     map[string]struct{}
}

// DefaultMatcherConfig returns the tuned defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Threshold: 0.5,
		Base:      0.6,
		SeverityBoost: map[resource.Severity]float64{
			resource.SeverityCritical: 0.3,
			resource.SeverityHigh:     0.2,
			resource.SeverityMedium:   0.1,
			resource.SeverityLow:      0.05,
		},
		TrendBoost:             0.1,
		RecentBoost:            0.05,
		NoisePenalty:           0.1,
		NoisePenaltyAfter:      50,
		CriticalNamespaceBoost: 0.1,
		CriticalNamespaces: map[string]struct{}{
			"flux-system":     {},
			"kube-system":     {},
			"longhorn-system": {},
		},
	}
}

// Match is a classified event with its confidence.
type Match struct {
	Pattern    *Pattern
	Confidence float64
}

// Matcher classifies events against the catalog.
type Matcher struct {
	logger   log.Logger
	cfg      MatcherConfig
	patterns []*Pattern
	history  History
	cache    *classifyCache
}

// NewMatcher builds a matcher over the given patterns. history may be nil.
func NewMatcher(logger log.Logger, cfg MatcherConfig, patterns []*Pattern, history History) *Matcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Threshold == 0 && cfg.Base == 0 {
		cfg = DefaultMatcherConfig()
	}
	if history == nil {
		history = noHistory{}
	}
	return &Matcher{
		logger:   logger,
		cfg:      cfg,
		patterns: patterns,
		history:  history,
		cache:    newClassifyCache(defaultCacheCapacity),
	}
}

// SetPatterns swaps the catalog, e.g. after a hot reload. The classification
// cache is invalidated.
func (m *Matcher) SetPatterns(patterns []*Pattern) {
	m.patterns = patterns
	m.cache = newClassifyCache(defaultCacheCapacity)
}

// Classify returns all matches above the confidence threshold, sorted by
// confidence descending. Results are cached per reason, event namespace,
// involved object and message hash; the
// cache is bypassed when a min-occurrence condition is present since those
// depend on evolving history.
func (m *Matcher) Classify(ev cluster.Event, corr correlate.Result) []Match {
	key := cacheKey(ev)
	if cached, ok := m.cache.get(key); ok {
		return cached
	}

	var matches []Match
	cacheable := true
	for _, p := range m.patterns {
		if !m.matchStrategies(ev, p) {
			continue
		}
		// Min-occurrence outcomes evolve with history, so they must never
		// pin a cached classification.
		if p.Conditions.MinOccurrences != nil {
			cacheable = false
		}
		if !m.checkConditions(ev, p, corr) {
			continue
		}
		conf := m.confidence(ev, p, corr)
		if conf > m.cfg.Threshold {
			matches = append(matches, Match{Pattern: p, Confidence: conf})
			level.Info(m.logger).Log("msg", "pattern match", "pattern", p.Name, "confidence", conf)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	if cacheable {
		m.cache.put(key, matches)
	}
	return matches
}

// matchStrategies runs the three matching strategies, short-circuiting on
// the first hit.
func (m *Matcher) matchStrategies(ev cluster.Event, p *Pattern) bool {
	if ev.Involved != nil && !p.appliesToKind(ev.Involved.Kind) {
		return false
	}
	return p.Regex.MatchString(ev.Message) ||
		matchKeywords(ev, p) ||
		m.matchContextual(ev, p)
}

// Keyword families keyed off the pattern name. A pattern named around
// immutable-field conflicts matches the common apiserver phrasings even when
// its regex is narrower; same for Helm and Kustomization failures.
var (
	immutableKeywords = []*regexp.Regexp{
		regexp.MustCompile(`field is immutable`),
		regexp.MustCompile(`cannot change`),
		regexp.MustCompile(`immutable field`),
		regexp.MustCompile(`selector.*immutable`),
		regexp.MustCompile(`cannot update.*immutable`),
	}
	helmKeywords = []*regexp.Regexp{
		regexp.MustCompile(`upgrade.*failed`),
		regexp.MustCompile(`install.*failed`),
		regexp.MustCompile(`rollback.*failed`),
		regexp.MustCompile(`retries exhausted`),
		regexp.MustCompile(`timed out waiting`),
		regexp.MustCompile(`release.*failed`),
	}
	kustomizationKeywords = []*regexp.Regexp{
		regexp.MustCompile(`build failed`),
		regexp.MustCompile(`not found`),
		regexp.MustCompile(`invalid.*kustomization`),
		regexp.MustCompile(`dependency.*failed`),
	}
)

func matchKeywords(ev cluster.Event, p *Pattern) bool {
	msg := strings.ToLower(ev.Message)
	name := strings.ToLower(p.Name)

	var family []*regexp.Regexp
	switch {
	case strings.Contains(name, "immutable"):
		family = immutableKeywords
	case strings.Contains(name, "helm"):
		family = helmKeywords
	case strings.Contains(name, "kustomization"):
		family = kustomizationKeywords
	default:
		return false
	}
	for _, re := range family {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// matchContextual infers matches from the involved kind, message fragments
// and the resource's recent match history.
func (m *Matcher) matchContextual(ev cluster.Event, p *Pattern) bool {
	// Repeated failures against the same resource suggest a stuck state that
	// timeout-class patterns should catch.
	if strings.Contains(p.Name, "timeout") &&
		m.history.RecentMatches(ev.ResourceKey(), 24*time.Hour) > 2 {
		return true
	}

	if ev.Involved == nil {
		return false
	}
	msg := strings.ToLower(ev.Message)
	switch ev.Involved.Kind {
	case "Deployment":
		if strings.Contains(msg, "selector") && strings.Contains(msg, "invalid") {
			return p.Name == "deployment-selector-conflict"
		}
	case "Service":
		if strings.Contains(msg, "selector") && strings.Contains(msg, "cannot change") {
			return p.Name == "service-selector-conflict"
		}
	}
	return false
}

func (m *Matcher) checkConditions(ev cluster.Event, p *Pattern, corr correlate.Result) bool {
	c := p.Conditions

	if len(c.EventReasons) > 0 && !contains(c.EventReasons, ev.Reason) {
		return false
	}
	if len(c.Namespaces) > 0 && !contains(c.Namespaces, ev.Namespace) {
		return false
	}
	if c.NameRegex != nil {
		if ev.Involved == nil || !c.NameRegex.MatchString(ev.Involved.Name) {
			return false
		}
	}
	if mo := c.MinOccurrences; mo != nil {
		occurrences := corr.OccurrenceCount
		if h := m.history.RecentMatches(ev.ResourceKey(), mo.Window); h+1 > occurrences {
			occurrences = h + 1
		}
		if occurrences < mo.Count {
			return false
		}
	}
	return true
}

// confidence scores a held match. Identical correlator state yields an
// identical score.
func (m *Matcher) confidence(ev cluster.Event, p *Pattern, corr correlate.Result) float64 {
	conf := m.cfg.Base
	conf += m.cfg.SeverityBoost[p.Severity]

	switch {
	case corr.Frequency.Trend == "increasing":
		conf += m.cfg.TrendBoost
	case corr.Frequency.RecentOccurrences > 3:
		conf += m.cfg.RecentBoost
	}
	if corr.Frequency.TotalOccurrences > m.cfg.NoisePenaltyAfter {
		conf -= m.cfg.NoisePenalty
	}

	if ev.Involved != nil {
		if _, ok := m.cfg.CriticalNamespaces[ev.Involved.Namespace]; ok {
			conf += m.cfg.CriticalNamespaceBoost
		}
	}

	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
