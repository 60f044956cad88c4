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

// Package correlate groups the raw event stream by signature, suppresses
// noisy signatures, flags bursts and tracks per-signature frequency so the
// pattern matcher only sees significant events.
package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
)

// Config tunes the correlator windows and thresholds.
type Config struct {
	// CorrelationWindow bounds the duplicate test.
	CorrelationWindow time.Duration
	// NoiseThreshold marks a signature as noise when exceeded within
	// NoiseWindow.
	NoiseThreshold int
	NoiseWindow    time.Duration
	// BurstThreshold flags a burst when reached within BurstWindow.
	BurstThreshold int
	BurstWindow    time.Duration
	// HistoryRetention bounds the frequency history.
	HistoryRetention time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow: 5 * time.Minute,
		NoiseThreshold:    20,
		NoiseWindow:       5 * time.Minute,
		BurstThreshold:    5,
		BurstWindow:       time.Minute,
		HistoryRetention:  24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = def.CorrelationWindow
	}
	if c.NoiseThreshold <= 0 {
		c.NoiseThreshold = def.NoiseThreshold
	}
	if c.NoiseWindow <= 0 {
		c.NoiseWindow = def.NoiseWindow
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = def.BurstThreshold
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = def.BurstWindow
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = def.HistoryRetention
	}
}

// Frequency summarizes how often a signature has fired recently.
type Frequency struct {
	TotalOccurrences  int
	RecentOccurrences int // last hour
	Trend             string // new, decreasing, stable, increasing
}

// Result carries the correlation verdict for one observed event.
type Result struct {
	Signature         string
	IsNoise           bool
	SuppressionReason string
	IsDuplicate       bool
	OccurrenceCount   int
	FirstSeen         time.Time
	Burst             bool
	Frequency         Frequency
	RelatedEvents     []string
}

type group struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
}

// Correlator holds per-signature state. All mutation happens under one lock,
// which makes lastSeen and occurrenceCount monotonic per signature.
type Correlator struct {
	logger log.Logger
	clock  clock.PassiveClock
	cfg    Config

	mtx        sync.Mutex
	groups     map[string]*group
	noise      map[string]struct{}
	timestamps map[string][]time.Time // rolling, bounded by the larger of 1h and NoiseWindow
	history    map[string][]time.Time // bounded by HistoryRetention
	byResource map[string]map[string]struct{}

	suppressed int64
}

// New constructs a Correlator.
func New(logger log.Logger, cfg Config) *Correlator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg.applyDefaults()
	return &Correlator{
		logger:     logger,
		clock:      clock.RealClock{},
		cfg:        cfg,
		groups:     map[string]*group{},
		noise:      map[string]struct{}{},
		timestamps: map[string][]time.Time{},
		history:    map[string][]time.Time{},
		byResource: map[string]map[string]struct{}{},
	}
}

// WithClock substitutes the time source, for tests.
func (c *Correlator) WithClock(cl clock.PassiveClock) *Correlator {
	c.clock = cl
	return c
}

// SuppressedEvents returns the number of events dropped as noise or
// duplicates.
func (c *Correlator) SuppressedEvents() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.suppressed
}

// Signature computes the grouping key for an event: reason, namespace,
// involved kind and name, and a short hash of the message so similar errors
// group while distinct messages stay apart.
func Signature(ev cluster.Event) string {
	var kind, name string
	if ev.Involved != nil {
		kind, name = ev.Involved.Kind, ev.Involved.Name
	}
	msgSum := sha256.Sum256([]byte(ev.Message))
	joined := strings.Join([]string{ev.Reason, ev.Namespace, kind, name, hex.EncodeToString(msgSum[:])[:8]}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:16]
}

// Observe records the event and reports whether it is significant enough to
// run pattern matching on.
func (c *Correlator) Observe(ev cluster.Event) (bool, Result) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.clock.Now()
	sig := Signature(ev)

	c.pruneLocked(now)

	ts := append(c.timestamps[sig], now)
	c.timestamps[sig] = ts

	res := Result{Signature: sig, FirstSeen: now, OccurrenceCount: 1}

	recentNoise := countSince(ts, now.Add(-c.cfg.NoiseWindow))
	if _, marked := c.noise[sig]; marked {
		if recentNoise <= 1 {
			// Window emptied; the signature earns a fresh start.
			delete(c.noise, sig)
		} else {
			c.suppressed++
			res.IsNoise = true
			res.SuppressionReason = "noise_pattern_detected"
			return false, res
		}
	}
	if recentNoise > c.cfg.NoiseThreshold {
		c.noise[sig] = struct{}{}
		c.suppressed++
		level.Warn(c.logger).Log("msg", "signature marked as noise", "signature", sig, "recent", recentNoise)
		res.IsNoise = true
		res.SuppressionReason = "noise_pattern_detected"
		return false, res
	}

	res.Burst = countSince(ts, now.Add(-c.cfg.BurstWindow)) >= c.cfg.BurstThreshold
	res.Frequency = c.frequencyLocked(sig, now)
	res.RelatedEvents = c.relatedLocked(sig, ev)

	if grp, ok := c.groups[sig]; ok && now.Sub(grp.lastSeen) < c.cfg.CorrelationWindow {
		grp.count++
		grp.lastSeen = now
		res.IsDuplicate = true
		res.OccurrenceCount = grp.count
		res.FirstSeen = grp.firstSeen
		// The first few recurrences stay significant; later ones are
		// suppressed even during a burst, which the result still flags.
		significant := grp.count <= 3
		if !significant {
			c.suppressed++
		}
		return significant, res
	}

	c.groups[sig] = &group{firstSeen: now, lastSeen: now, count: 1}
	c.history[sig] = append(c.history[sig], now)
	c.indexResourceLocked(sig, ev)
	return true, res
}

func (c *Correlator) indexResourceLocked(sig string, ev cluster.Event) {
	key := ev.ResourceKey()
	set, ok := c.byResource[key]
	if !ok {
		set = map[string]struct{}{}
		c.byResource[key] = set
	}
	set[sig] = struct{}{}
}

func (c *Correlator) relatedLocked(sig string, ev cluster.Event) []string {
	var out []string
	for other := range c.byResource[ev.ResourceKey()] {
		if other != sig {
			out = append(out, other)
		}
	}
	return out
}

func (c *Correlator) frequencyLocked(sig string, now time.Time) Frequency {
	hist := c.history[sig]
	total := len(hist)
	recent := countSince(hist, now.Add(-time.Hour))

	trend := "decreasing"
	switch {
	case total == 0:
		trend = "new"
	case recent > 5:
		trend = "increasing"
	case recent > 2:
		trend = "stable"
	}
	return Frequency{TotalOccurrences: total, RecentOccurrences: recent, Trend: trend}
}

// pruneLocked drops state outside the retention windows so long-running
// processes do not grow without bound.
func (c *Correlator) pruneLocked(now time.Time) {
	tsCutoff := now.Add(-time.Hour)
	if c.cfg.NoiseWindow > time.Hour {
		tsCutoff = now.Add(-c.cfg.NoiseWindow)
	}
	for sig, ts := range c.timestamps {
		kept := dropBefore(ts, tsCutoff)
		if len(kept) == 0 {
			delete(c.timestamps, sig)
			continue
		}
		c.timestamps[sig] = kept
	}

	histCutoff := now.Add(-c.cfg.HistoryRetention)
	for sig, hist := range c.history {
		kept := dropBefore(hist, histCutoff)
		if len(kept) == 0 {
			delete(c.history, sig)
			continue
		}
		c.history[sig] = kept
	}

	groupCutoff := now.Add(-2 * c.cfg.CorrelationWindow)
	for sig, grp := range c.groups {
		if grp.lastSeen.Before(groupCutoff) {
			delete(c.groups, sig)
		}
	}
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	var kept []time.Time
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
