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

// Package orchestrate plans and executes dependency-aware multi-resource
// updates: per-strategy operations grouped into batches that run in series,
// with validation, retry, rollback and escalation hooks.
package orchestrate

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Strategy selects how a resource is updated.
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyRecreate  Strategy = "recreate"
	StrategyBlueGreen Strategy = "blueGreen"
	StrategyAtomic    Strategy = "atomic"
)

// DefaultStrategy derives the strategy from the resource kind: kinds with
// immutable spec fields are recreated, replicated workloads roll, pure data
// kinds apply atomically.
func DefaultStrategy(kind string) Strategy {
	switch kind {
	case "Service", "Job", "Pod":
		return StrategyRecreate
	case "Deployment", "StatefulSet", "DaemonSet":
		return StrategyRolling
	default:
		return StrategyAtomic
	}
}

// OpStatus is the lifecycle state of one operation.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpReady      OpStatus = "ready"
	OpInProgress OpStatus = "inProgress"
	OpCompleted  OpStatus = "completed"
	OpFailed     OpStatus = "failed"
	OpRolledBack OpStatus = "rolledBack"
	OpCancelled  OpStatus = "cancelled"
)

// Operation is a single resource update. Status transitions are guarded by
// the operation's own mutex since operations within a batch run in parallel.
type Operation struct {
	Resource     resource.Ref
	Doc          *unstructured.Unstructured
	Strategy     Strategy
	Dependencies []resource.Ref
	Dependents   []resource.Ref
	MaxRetries   int
	Timeout      time.Duration
	Metadata     map[string]string

	mtx        sync.Mutex
	status     OpStatus
	retryCount int
}

// Status returns the current lifecycle state.
func (op *Operation) Status() OpStatus {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	return op.status
}

func (op *Operation) setStatus(s OpStatus) {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	op.status = s
}

// RetryCount returns the number of failed attempts so far.
func (op *Operation) RetryCount() int {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	return op.retryCount
}

func (op *Operation) bumpRetry() int {
	op.mtx.Lock()
	defer op.mtx.Unlock()
	op.retryCount++
	return op.retryCount
}

// Batch is an ordered set of operations at the same dependency depth.
type Batch struct {
	ID         int
	Operations []*Operation
	DependsOn  []int
}

// AllReady reports whether every operation passed validation.
func (b *Batch) AllReady() bool {
	for _, op := range b.Operations {
		if op.Status() != OpReady {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every operation completed.
func (b *Batch) AllCompleted() bool {
	for _, op := range b.Operations {
		if op.Status() != OpCompleted {
			return false
		}
	}
	return true
}

// HasFailures reports whether any operation failed.
func (b *Batch) HasFailures() bool {
	for _, op := range b.Operations {
		if op.Status() == OpFailed {
			return true
		}
	}
	return false
}

// Timeout returns the batch deadline: the slowest operation plus overhead.
func (b *Batch) Timeout(overhead time.Duration) time.Duration {
	var max time.Duration
	for _, op := range b.Operations {
		if op.Timeout > max {
			max = op.Timeout
		}
	}
	return max + overhead
}
