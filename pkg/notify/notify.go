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

// Package notify defines the outbound notification sink for recovery
// escalations and its webhook and Slack implementations.
package notify

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Payload is the escalation message delivered to sinks.
type Payload struct {
	Title       string            `json:"title"`
	Resource    string            `json:"resource"`
	Pattern     string            `json:"pattern"`
	Severity    resource.Severity `json:"severity"`
	Reason      string            `json:"reason"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
}

// Sink delivers escalation payloads out of band.
type Sink interface {
	Notify(ctx context.Context, payload Payload) error
}

// Multi fans a payload out to several sinks. Delivery failures are logged
// and do not block the remaining sinks.
type Multi struct {
	logger log.Logger
	sinks  []Sink
}

// NewMulti builds a fan-out sink.
func NewMulti(logger log.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Multi{logger: logger, sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, payload Payload) error {
	for _, s := range m.sinks {
		if err := s.Notify(ctx, payload); err != nil {
			level.Warn(m.logger).Log("msg", "notification delivery failed", "err", err)
		}
	}
	return nil
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Payload) error { return nil }
