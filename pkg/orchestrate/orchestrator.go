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

package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/depgraph"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// ErrValidation marks pre-execution validation failures; they fail the batch
// without retrying.
var ErrValidation = errors.New("operation validation failed")

// Options tune orchestrator behavior.
type Options struct {
	// MaxRetries per operation.
	MaxRetries int
	// OperationTimeout bounds one operation attempt.
	OperationTimeout time.Duration
	// BatchOverhead is added to the slowest operation to form the batch
	// deadline.
	BatchOverhead time.Duration
	// RetryCooldown is the pause between attempts of one operation.
	RetryCooldown time.Duration
	// SettleDelay is the pause between delete and re-apply in recreates.
	// Enforced to at least two seconds.
	SettleDelay time.Duration
	// MaxConcurrent bounds parallelism within a batch.
	MaxConcurrent int
	// RollbackOnFailure marks completed operations rolled back when a later
	// batch fails.
	RollbackOnFailure bool
	// ValidationEnabled runs dry-run validation before each batch.
	ValidationEnabled bool
	// DryRun routes every apply through the dry-run path and skips the
	// delete and wait-for-deletion recovery steps.
	DryRun bool
	// Strategies overrides the per-kind default strategy.
	Strategies map[string]Strategy
}

func (o *Options) defaultAndValidate() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Minute
	}
	if o.BatchOverhead <= 0 {
		o.BatchOverhead = time.Minute
	}
	if o.RetryCooldown <= 0 {
		o.RetryCooldown = 2 * time.Minute
	}
	if o.SettleDelay < 2*time.Second {
		o.SettleDelay = 2 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
}

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	operations    *prometheus.CounterVec
	batchDuration prometheus.Histogram
	rollbacks     prometheus.Counter
}

// NewMetrics registers the orchestrator collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "orchestrator_operations_total",
			Help:      "Update operations by terminal status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gitops_recovery",
			Name:      "orchestrator_batch_duration_seconds",
			Help:      "Wall time per executed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gitops_recovery",
			Name:      "orchestrator_rollbacks_total",
			Help:      "Rollback passes triggered by batch failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.batchDuration, m.rollbacks)
	}
	return m
}

func (m *Metrics) countOp(status OpStatus) {
	if m != nil {
		m.operations.WithLabelValues(string(status)).Inc()
	}
}

// Orchestrator executes planned updates against the cluster.
type Orchestrator struct {
	logger  log.Logger
	cluster cluster.Interface
	opts    Options
	metrics *Metrics
}

// New constructs an orchestrator. metrics may be nil.
func New(logger log.Logger, c cluster.Interface, opts Options, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaultAndValidate()
	return &Orchestrator{logger: logger, cluster: c, opts: opts, metrics: metrics}
}

// PlanUpdates derives dependency-ordered batches for a desired-state set of
// documents. Operations inside one batch are independent and may run in
// parallel; batch k+1 depends on every earlier batch.
func (o *Orchestrator) PlanUpdates(docs []*unstructured.Unstructured) ([]*Batch, error) {
	if len(docs) == 0 {
		return nil, errors.New("no documents to plan")
	}

	graph := depgraph.New(o.logger, depgraph.Weights{})
	graph.IngestDocuments(docs)

	byRef := make(map[resource.Ref]*unstructured.Unstructured, len(docs))
	refs := make([]resource.Ref, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.GetKind() == "" || doc.GetName() == "" {
			continue
		}
		ref := resource.Ref{
			Kind:       doc.GetKind(),
			Name:       doc.GetName(),
			Namespace:  doc.GetNamespace(),
			APIVersion: doc.GetAPIVersion(),
		}
		byRef[ref] = doc
		refs = append(refs, ref)
	}

	// Spec reference targets carry no apiVersion; link each one to the planned
	// document with the same namespace/kind/name so ordering sees the edge.
	byKey := make(map[string]resource.Ref, len(refs))
	for _, ref := range refs {
		byKey[ref.Key()] = ref
	}
	var links []depgraph.Relation
	for _, rel := range graph.Relations() {
		if target, ok := byKey[rel.Target.Key()]; ok && target != rel.Target {
			rel.Target = target
			links = append(links, rel)
		}
	}
	graph.AddRelations(links...)

	inSet := func(list []resource.Ref) []resource.Ref {
		var out []resource.Ref
		for _, r := range list {
			if _, ok := byRef[r]; ok {
				out = append(out, r)
			}
		}
		return out
	}

	ordered := graph.RecreationOrder(refs)

	var batches []*Batch
	for i, group := range ordered {
		batch := &Batch{ID: i}
		for j := 0; j < i; j++ {
			batch.DependsOn = append(batch.DependsOn, j)
		}
		for _, ref := range group {
			doc, ok := byRef[ref]
			if !ok {
				// Ordering can surface auto-created graph nodes that are not
				// part of the update set.
				continue
			}
			node, _ := graph.Node(ref)
			var deps, dependents []resource.Ref
			for d := range node.Dependencies {
				deps = append(deps, d)
			}
			for d := range node.Dependents {
				dependents = append(dependents, d)
			}

			strategy := DefaultStrategy(ref.Kind)
			if s, ok := o.opts.Strategies[ref.Kind]; ok {
				strategy = s
			}

			batch.Operations = append(batch.Operations, &Operation{
				Resource:     ref,
				Doc:          doc,
				Strategy:     strategy,
				Dependencies: inSet(deps),
				Dependents:   inSet(dependents),
				MaxRetries:   o.opts.MaxRetries,
				Timeout:      o.opts.OperationTimeout,
				status:       OpPending,
			})
		}
		if len(batch.Operations) > 0 {
			batches = append(batches, batch)
		}
	}

	level.Info(o.logger).Log("msg", "planned update batches", "documents", len(docs), "batches", len(batches))
	return batches, nil
}

// Execute runs batches in series. Any batch failure stops execution and,
// when configured, rolls back previously completed operations.
func (o *Orchestrator) Execute(ctx context.Context, batches []*Batch) error {
	if len(batches) == 0 {
		return errors.New("no batches planned")
	}

	completed := make(map[resource.Ref]struct{})
	for _, batch := range batches {
		if err := o.executeBatch(ctx, batch, completed); err != nil {
			if o.opts.RollbackOnFailure {
				o.rollback(ctx, batches)
			}
			return fmt.Errorf("batch %d: %w", batch.ID, err)
		}
		for _, op := range batch.Operations {
			completed[op.Resource] = struct{}{}
		}
	}
	level.Info(o.logger).Log("msg", "all update batches completed", "batches", len(batches))
	return nil
}

func (o *Orchestrator) executeBatch(ctx context.Context, batch *Batch, completed map[resource.Ref]struct{}) error {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.batchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	level.Info(o.logger).Log("msg", "executing batch", "batch", batch.ID, "operations", len(batch.Operations))

	ctx, cancel := context.WithTimeout(ctx, batch.Timeout(o.opts.BatchOverhead))
	defer cancel()

	if o.opts.ValidationEnabled {
		for _, op := range batch.Operations {
			if err := o.validate(ctx, op, completed); err != nil {
				op.setStatus(OpFailed)
				o.metrics.countOp(OpFailed)
				return fmt.Errorf("%w: %s: %s", ErrValidation, op.Resource, err)
			}
			op.setStatus(OpReady)
		}
	} else {
		for _, op := range batch.Operations {
			op.setStatus(OpReady)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrent)
	for _, op := range batch.Operations {
		op := op
		g.Go(func() error {
			return o.executeWithRetry(gctx, op)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// validate dry-run applies the document and checks every declared dependency
// reached completed or ready state.
func (o *Orchestrator) validate(ctx context.Context, op *Operation, completed map[resource.Ref]struct{}) error {
	if op.Doc == nil {
		return errors.New("operation has no document")
	}
	if err := o.cluster.Apply(ctx, op.Doc, true); err != nil {
		return fmt.Errorf("dry-run apply: %w", err)
	}
	for _, dep := range op.Dependencies {
		if _, ok := completed[dep]; !ok {
			return fmt.Errorf("dependency %s not completed", dep)
		}
	}
	return nil
}

func (o *Orchestrator) executeWithRetry(ctx context.Context, op *Operation) error {
	for {
		op.setStatus(OpInProgress)
		err := o.executeOnce(ctx, op)
		if err == nil {
			op.setStatus(OpCompleted)
			o.metrics.countOp(OpCompleted)
			level.Info(o.logger).Log("msg", "operation completed", "resource", op.Resource, "strategy", op.Strategy)
			return nil
		}
		if ctx.Err() != nil {
			op.setStatus(OpCancelled)
			o.metrics.countOp(OpCancelled)
			return fmt.Errorf("operation %s cancelled: %w", op.Resource, ctx.Err())
		}

		retries := op.bumpRetry()
		level.Warn(o.logger).Log("msg", "operation failed", "resource", op.Resource,
			"retry", retries, "maxRetries", op.MaxRetries, "err", err)
		if retries >= op.MaxRetries {
			op.setStatus(OpFailed)
			o.metrics.countOp(OpFailed)
			return fmt.Errorf("operation %s failed after %d attempts: %w", op.Resource, retries, err)
		}

		select {
		case <-ctx.Done():
			op.setStatus(OpCancelled)
			o.metrics.countOp(OpCancelled)
			return fmt.Errorf("operation %s cancelled: %w", op.Resource, ctx.Err())
		case <-time.After(o.opts.RetryCooldown):
		}
	}
}

func (o *Orchestrator) executeOnce(parent context.Context, op *Operation) error {
	ctx, cancel := context.WithTimeout(parent, op.Timeout)
	defer cancel()

	if o.opts.DryRun {
		level.Info(o.logger).Log("msg", "dry run, skipping mutation", "resource", op.Resource, "strategy", op.Strategy)
		return o.cluster.Apply(ctx, op.Doc, true)
	}

	switch op.Strategy {
	case StrategyRolling:
		if err := o.cluster.Apply(ctx, op.Doc, false); err != nil {
			return err
		}
		return o.cluster.WaitForRollout(ctx, op.Resource, op.Timeout)

	case StrategyRecreate:
		return o.recreate(ctx, op)

	case StrategyBlueGreen:
		level.Warn(o.logger).Log("msg", "blue-green not supported, degrading to recreate", "resource", op.Resource)
		return o.recreate(ctx, op)

	case StrategyAtomic:
		return o.cluster.Apply(ctx, op.Doc, false)

	default:
		return fmt.Errorf("unknown update strategy %q", op.Strategy)
	}
}

func (o *Orchestrator) recreate(ctx context.Context, op *Operation) error {
	if err := o.cluster.Delete(ctx, op.Resource, nil); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		return fmt.Errorf("delete: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.opts.SettleDelay):
	}
	if err := o.cluster.Apply(ctx, op.Doc, false); err != nil {
		return fmt.Errorf("re-apply: %w", err)
	}
	// Wait until the object is observable again.
	return wait.PollUntilContextTimeout(ctx, 2*time.Second, op.Timeout, true, func(ctx context.Context) (bool, error) {
		return o.cluster.Exists(ctx, op.Resource)
	})
}

// rollback walks completed batches in reverse and marks completed operations
// rolled back. Restoring previous state is the caller's responsibility; the
// orchestrator records the intent and emits an event per operation.
func (o *Orchestrator) rollback(ctx context.Context, batches []*Batch) {
	level.Warn(o.logger).Log("msg", "rolling back completed operations")
	if o.metrics != nil {
		o.metrics.rollbacks.Inc()
	}
	for i := len(batches) - 1; i >= 0; i-- {
		for _, op := range batches[i].Operations {
			if op.Status() != OpCompleted {
				continue
			}
			op.setStatus(OpRolledBack)
			o.metrics.countOp(OpRolledBack)
			level.Info(o.logger).Log("msg", "marked operation rolled back", "resource", op.Resource)

			ev := cluster.Event{
				Type:    "Warning",
				Reason:  "RecoveryRollback",
				Message: fmt.Sprintf("update of %s rolled back after batch failure", op.Resource),
				Involved: &cluster.ObjectRef{
					Kind:      op.Resource.Kind,
					Name:      op.Resource.Name,
					Namespace: op.Resource.Namespace,
				},
				SourceComponent: "gitops-recovery",
			}
			if err := o.cluster.CreateEvent(ctx, op.Resource.Namespace, ev); err != nil {
				level.Warn(o.logger).Log("msg", "rollback event creation failed", "resource", op.Resource, "err", err)
			}
		}
	}
}
