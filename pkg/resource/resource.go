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

// Package resource defines the canonical identity of cluster resources
// the recovery engine operates on.
package resource

import (
	"fmt"
	"strings"
)

// Ref uniquely identifies a cluster resource. It is a comparable value type:
// two refs are equal iff all four fields are equal, so it can be used directly
// as a map key.
type Ref struct {
	Kind       string
	Name       string
	Namespace  string // empty for cluster-scoped resources
	APIVersion string
}

// String renders the canonical "namespace/kind/name" form. Cluster-scoped
// resources render as "(cluster)/kind/name".
func (r Ref) String() string {
	ns := r.Namespace
	if ns == "" {
		ns = "(cluster)"
	}
	return ns + "/" + r.Kind + "/" + r.Name
}

// Key is the canonical string form used to key maps shared across packages.
func (r Ref) Key() string {
	return r.String()
}

// ParseRef parses the canonical "namespace/kind/name" form produced by
// String. The "(cluster)" namespace marker maps back to an empty namespace.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("invalid resource %q, want namespace/kind/name", s)
	}
	ns := parts[0]
	if ns == "(cluster)" {
		ns = ""
	}
	return Ref{Kind: parts[1], Name: parts[2], Namespace: ns}, nil
}

// State describes where a resource sits in the recovery lifecycle.
type State string

const (
	StateHealthy        State = "healthy"
	StateDegraded       State = "degraded"
	StateFailed         State = "failed"
	StateStuck          State = "stuck"
	StatePendingCleanup State = "pendingCleanup"
	StateCleaningUp     State = "cleaningUp"
	StateRecreating     State = "recreating"
)

// Severity classifies patterns and edges.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity returns the severity for s, defaulting to medium for
// unrecognized values. Unrecognized values are not reported.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}
