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

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the detector's Prometheus collectors.
type Metrics struct {
	EventsProcessed  prometheus.Counter
	EventsSuppressed prometheus.Counter
	PatternsDetected *prometheus.CounterVec
	Recoveries       *prometheus.CounterVec
	Escalations      prometheus.Counter
	ActiveRecoveries prometheus.Gauge
	StateEntries     prometheus.Gauge
	LastHeartbeat    prometheus.Gauge
	WatcherErrors    prometheus.Counter
}

// NewMetrics builds and registers the detector collectors. reg may be nil in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "events_processed_total",
			Help:      "Cluster events read from the watch stream.",
		}),
		EventsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "events_suppressed_total",
			Help:      "Events dropped by correlation as noise or duplicates.",
		}),
		PatternsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "patterns_detected_total",
			Help:      "Pattern matches by pattern name.",
		}, []string{"pattern"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "recoveries_total",
			Help:      "Recovery attempts by outcome.",
		}, []string{"outcome"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "escalations_total",
			Help:      "Escalations to manual intervention.",
		}),
		ActiveRecoveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitops_recovery",
			Name:      "active_recoveries",
			Help:      "Recoveries currently in flight.",
		}),
		StateEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitops_recovery",
			Name:      "state_entries",
			Help:      "Retained recovery state records.",
		}),
		LastHeartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitops_recovery",
			Name:      "watcher_heartbeat_timestamp_seconds",
			Help:      "Unix time of the last processed event.",
		}),
		WatcherErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "watcher_errors_total",
			Help:      "Errors encountered while processing events.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed, m.EventsSuppressed, m.PatternsDetected, m.Recoveries,
			m.Escalations, m.ActiveRecoveries, m.StateEntries, m.LastHeartbeat, m.WatcherErrors,
		)
	}
	return m
}
