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

// Package pattern classifies cluster events against a configurable error
// pattern catalog and produces confidence-scored matches.
package pattern

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// MinOccurrences requires a repeat count within a window before a pattern
// holds.
type MinOccurrences struct {
	Count  int
	Window time.Duration
}

// Conditions are the additional checks verified after a strategy matched.
type Conditions struct {
	EventReasons   []string
	Namespaces     []string
	NameRegex      *regexp.Regexp
	MinOccurrences *MinOccurrences
}

// Pattern is one validated catalog entry.
type Pattern struct {
	Name           string
	Description    string
	Regex          *regexp.Regexp // case-insensitive over the event message
	AppliesTo      []string       // involved-object kinds; empty means any
	Severity       resource.Severity
	RecoveryAction string
	MaxRetries     int
	Conditions     Conditions
}

func (p *Pattern) appliesToKind(kind string) bool {
	if len(p.AppliesTo) == 0 {
		return true
	}
	for _, k := range p.AppliesTo {
		if k == kind {
			return true
		}
	}
	return false
}

// Spec is the raw, unvalidated form of a catalog entry as loaded from the
// configuration document.
type Spec struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	ErrorPattern      string         `yaml:"errorPattern"`
	AppliesTo         []string       `yaml:"appliesTo"`
	Severity          string         `yaml:"severity"`
	RecoveryAction    string         `yaml:"recoveryAction"`
	MaxRetries        int            `yaml:"maxRetries"`
	Conditions        ConditionsSpec `yaml:"additionalConditions"`
}

// ConditionsSpec is the raw form of Conditions.
type ConditionsSpec struct {
	EventReason    []string `yaml:"eventReason"`
	Namespace      []string `yaml:"namespace"`
	NameRegex      string   `yaml:"nameRegex"`
	MinOccurrences *struct {
		Count         int `yaml:"count"`
		WindowSeconds int `yaml:"windowSeconds"`
	} `yaml:"minOccurrences"`
}

// Compile validates specs into patterns. Invalid entries are dropped with a
// warning so one bad pattern never takes the catalog down.
func Compile(logger log.Logger, specs []Spec) []*Pattern {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var out []*Pattern
	for i, s := range specs {
		p, err := compileOne(s)
		if err != nil {
			level.Warn(logger).Log("msg", "dropping invalid pattern", "index", i, "name", s.Name, "err", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

func compileOne(s Spec) (*Pattern, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if s.ErrorPattern == "" {
		return nil, fmt.Errorf("missing errorPattern")
	}
	if s.RecoveryAction == "" {
		return nil, fmt.Errorf("missing recoveryAction")
	}
	re, err := regexp.Compile("(?i)" + s.ErrorPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid errorPattern %q: %w", s.ErrorPattern, err)
	}

	p := &Pattern{
		Name:           s.Name,
		Description:    s.Description,
		Regex:          re,
		AppliesTo:      s.AppliesTo,
		Severity:       resource.ParseSeverity(s.Severity),
		RecoveryAction: s.RecoveryAction,
		MaxRetries:     s.MaxRetries,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	p.Conditions.EventReasons = s.Conditions.EventReason
	p.Conditions.Namespaces = s.Conditions.Namespace
	if s.Conditions.NameRegex != "" {
		nre, err := regexp.Compile(s.Conditions.NameRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid nameRegex %q: %w", s.Conditions.NameRegex, err)
		}
		p.Conditions.NameRegex = nre
	}
	if mo := s.Conditions.MinOccurrences; mo != nil {
		window := time.Duration(mo.WindowSeconds) * time.Second
		if window <= 0 {
			window = 5 * time.Minute
		}
		p.Conditions.MinOccurrences = &MinOccurrences{Count: mo.Count, Window: window}
	}
	return p, nil
}

// Action describes the recovery steps for a named recovery action.
type Action struct {
	Description    string   `yaml:"description"`
	Steps          []string `yaml:"steps"`
	TimeoutSeconds int      `yaml:"timeout"`
}

// Timeout returns the action timeout, defaulting to five minutes.
func (a Action) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Catalog is the validated in-memory pattern catalog.
type Catalog struct {
	Patterns []*Pattern
	Actions  map[string]Action
}
