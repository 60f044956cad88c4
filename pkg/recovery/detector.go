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

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"k8s.io/utils/clock"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/correlate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/health"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/notify"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/orchestrate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Options tune the detector.
type Options struct {
	// AutoRecoveryEnabled gates triggering recovery actions at all.
	AutoRecoveryEnabled bool
	// MinRecoveryConfidence is the confidence floor for auto-recovery.
	MinRecoveryConfidence float64
	// AutoRecoverySeverities limits auto-recovery to these severities.
	AutoRecoverySeverities []resource.Severity
	// MaxConcurrentRecoveries bounds recoveries in flight.
	MaxConcurrentRecoveries int
	// RecoveryCooldown is the pause between attempts per (resource, pattern).
	RecoveryCooldown time.Duration
	// CheckInterval paces state GC and gauge refresh.
	CheckInterval time.Duration
	// WatchNamespace restricts the event watch; empty watches everywhere.
	WatchNamespace string
	// EscalationNamespace receives escalation events when the resource
	// namespace is unknown.
	EscalationNamespace string
	// ManagerSources and ManagerKinds select the manager-related events the
	// detector cares about.
	ManagerSources []string
	ManagerKinds   []string
}

func (o *Options) defaultAndValidate() {
	if o.MinRecoveryConfidence <= 0 {
		o.MinRecoveryConfidence = 0.7
	}
	if len(o.AutoRecoverySeverities) == 0 {
		o.AutoRecoverySeverities = []resource.Severity{resource.SeverityHigh, resource.SeverityCritical}
	}
	if o.MaxConcurrentRecoveries <= 0 {
		o.MaxConcurrentRecoveries = 3
	}
	if o.RecoveryCooldown <= 0 {
		o.RecoveryCooldown = 2 * time.Minute
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Minute
	}
	if o.EscalationNamespace == "" {
		o.EscalationNamespace = "flux-recovery"
	}
	if len(o.ManagerSources) == 0 {
		o.ManagerSources = []string{
			"kustomize-controller", "helm-controller", "source-controller", "notification-controller",
		}
	}
	if len(o.ManagerKinds) == 0 {
		o.ManagerKinds = []string{
			"Kustomization", "HelmRelease", "GitRepository", "HelmRepository",
			"OCIRepository", "Bucket", "HelmChart",
		}
	}
}

// sourceComponent stamped on synthetic and outbound events.
const sourceComponent = "gitops-recovery"

// ActionRunner executes a recovery action against a target resource.
// *orchestrate.Orchestrator is the production implementation.
type ActionRunner interface {
	ExecuteAction(ctx context.Context, target resource.Ref, action pattern.Action) error
}

var _ ActionRunner = (*orchestrate.Orchestrator)(nil)

// Detector consumes the event stream, classifies patterns and drives
// recovery. It is the process's central long-lived task.
type Detector struct {
	logger log.Logger
	clock  clock.PassiveClock
	opts   Options

	cluster    cluster.Interface
	correlator *correlate.Correlator
	matcher    *pattern.Matcher
	tracker    *health.Tracker
	state      *State
	orch       ActionRunner
	planner    *Planner
	actions    map[string]pattern.Action
	notifier   notify.Sink
	metrics    *Metrics

	events chan cluster.Event
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewDetector wires the pipeline together. notifier and metrics may be nil.
func NewDetector(
	logger log.Logger,
	c cluster.Interface,
	correlator *correlate.Correlator,
	matcher *pattern.Matcher,
	tracker *health.Tracker,
	state *State,
	orch ActionRunner,
	actions map[string]pattern.Action,
	notifier notify.Sink,
	metrics *Metrics,
	opts Options,
) *Detector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts.defaultAndValidate()
	return &Detector{
		logger:     logger,
		clock:      clock.RealClock{},
		opts:       opts,
		cluster:    c,
		correlator: correlator,
		matcher:    matcher,
		tracker:    tracker,
		state:      state,
		orch:       orch,
		actions:    actions,
		notifier:   notifier,
		metrics:    metrics,
		events:     make(chan cluster.Event, 64),
		sem:        make(chan struct{}, opts.MaxConcurrentRecoveries),
	}
}

// WithClock substitutes the time source, for tests.
func (d *Detector) WithClock(c clock.PassiveClock) *Detector {
	d.clock = c
	return d
}

// WithPlanner attaches a planner so escalations carry a recovery plan
// summary for the operator.
func (d *Detector) WithPlanner(p *Planner) *Detector {
	d.planner = p
	return d
}

// EventSink returns a function that feeds synthetic events (e.g. from the
// stuck scanner) into the pipeline.
func (d *Detector) EventSink() func(cluster.Event) {
	return func(ev cluster.Event) {
		select {
		case d.events <- ev:
		default:
			// A full queue means the engine is far behind; the scanner will
			// re-detect next cycle.
			level.Warn(d.logger).Log("msg", "dropping synthetic event, queue full", "reason", ev.Reason)
		}
	}
}

// Run consumes events until ctx is done, then waits for in-flight
// recoveries to unwind.
func (d *Detector) Run(ctx context.Context) error {
	watch, err := d.cluster.WatchEvents(ctx, d.opts.WatchNamespace)
	if err != nil {
		return fmt.Errorf("start event watch: %w", err)
	}
	level.Info(d.logger).Log("msg", "detector started", "autoRecovery", d.opts.AutoRecoveryEnabled,
		"patterns", len(d.actions))

	gc := time.NewTicker(d.opts.CheckInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-gc.C:
			d.state.GC()
			d.metrics.StateEntries.Set(float64(d.state.Len()))
			d.metrics.ActiveRecoveries.Set(float64(d.state.ActiveCount()))
		case ev, ok := <-watch:
			if !ok {
				d.wg.Wait()
				return nil
			}
			d.ProcessEvent(ctx, ev)
		case ev := <-d.events:
			d.ProcessEvent(ctx, ev)
		}
	}
}

// ProcessEvent runs one event through correlation, health tracking, pattern
// classification and recovery handling. It never returns an error: a bad
// event is logged and dropped.
func (d *Detector) ProcessEvent(ctx context.Context, ev cluster.Event) {
	d.metrics.EventsProcessed.Inc()
	d.metrics.LastHeartbeat.Set(float64(d.clock.Now().Unix()))

	if ev.Type != "Warning" || !d.managerRelated(ev) {
		return
	}

	significant, corr := d.correlator.Observe(ev)
	if !significant {
		d.metrics.EventsSuppressed.Inc()
		level.Debug(d.logger).Log("msg", "event suppressed", "signature", corr.Signature,
			"reason", corr.SuppressionReason)
		return
	}

	d.tracker.ObserveEvent(ev)

	matches := d.matcher.Classify(ev, corr)
	if len(matches) == 0 {
		return
	}

	key := ev.ResourceKey()
	for _, match := range matches {
		rec := d.state.Record(key, ev.Message, match, corr.RelatedEvents)
		d.tracker.RecordErrorPattern(key, match.Pattern.Name)
		d.metrics.PatternsDetected.WithLabelValues(match.Pattern.Name).Inc()
		d.handleMatch(ctx, ev, match, rec, corr)
	}
}

// managerRelated reports whether the event comes from a manager controller
// or involves a manager kind. The engine's own synthetic events pass.
func (d *Detector) managerRelated(ev cluster.Event) bool {
	if ev.SourceComponent == sourceComponent {
		return true
	}
	for _, src := range d.opts.ManagerSources {
		if strings.Contains(ev.SourceComponent, src) {
			return true
		}
	}
	if ev.Involved != nil {
		for _, kind := range d.opts.ManagerKinds {
			if ev.Involved.Kind == kind {
				return true
			}
		}
	}
	return false
}

func (d *Detector) handleMatch(ctx context.Context, ev cluster.Event, match pattern.Match, rec MatchRecord, corr correlate.Result) {
	key := rec.ResourceKey
	name := rec.PatternName

	level.Warn(d.logger).Log("msg", "error pattern detected", "pattern", name,
		"resource", key, "confidence", fmt.Sprintf("%.2f", match.Confidence))

	if rec.Status == StatusManualIntervention {
		// Already escalated; a human owns it now.
		return
	}
	if rec.RetryCount >= rec.MaxRetries || rec.Occurrences > 10 {
		d.escalate(ctx, rec, escalationReason(rec))
		return
	}

	if !d.shouldTriggerRecovery(match, corr) {
		// A severe, confident match the engine will not auto-recover goes
		// straight to a human.
		if (rec.Severity == resource.SeverityHigh || rec.Severity == resource.SeverityCritical) &&
			rec.Confidence > 0.8 && !d.opts.AutoRecoveryEnabled {
			d.escalate(ctx, rec, "high_severity_high_confidence")
		}
		return
	}
	if !d.state.AllowRetry(key, name, d.opts.RecoveryCooldown) {
		return
	}
	if !d.state.Acquire(key) {
		level.Info(d.logger).Log("msg", "recovery already in progress", "resource", key)
		return
	}
	select {
	case d.sem <- struct{}{}:
	default:
		d.state.Release(key)
		d.state.SetStatus(key, name, StatusQueued, "")
		level.Info(d.logger).Log("msg", "recovery concurrency limit reached, queued", "resource", key)
		return
	}

	d.state.SetStatus(key, name, StatusInProgress, "")
	d.tracker.RecordRecoveryAttempt(key)
	d.metrics.ActiveRecoveries.Set(float64(d.state.ActiveCount()))

	d.wg.Add(1)
	go d.runRecovery(ctx, ev, rec)
}

func escalationReason(rec MatchRecord) string {
	switch {
	case rec.RetryCount >= rec.MaxRetries:
		return "max_retries_exceeded"
	case rec.Occurrences > 10:
		return "repeated_occurrences"
	default:
		return "high_severity_high_confidence"
	}
}

func (d *Detector) shouldTriggerRecovery(match pattern.Match, corr correlate.Result) bool {
	if !d.opts.AutoRecoveryEnabled {
		return false
	}
	if match.Confidence < d.opts.MinRecoveryConfidence {
		return false
	}
	allowed := false
	for _, s := range d.opts.AutoRecoverySeverities {
		if match.Pattern.Severity == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	// A pattern firing this hot is a storm; recovery would thrash.
	if corr.Frequency.RecentOccurrences > 10 {
		level.Warn(d.logger).Log("msg", "too many recent occurrences, skipping auto-recovery",
			"pattern", match.Pattern.Name, "recent", corr.Frequency.RecentOccurrences)
		return false
	}
	return true
}

func (d *Detector) runRecovery(ctx context.Context, ev cluster.Event, rec MatchRecord) {
	key := rec.ResourceKey
	defer func() {
		d.state.Release(key)
		<-d.sem
		d.metrics.ActiveRecoveries.Set(float64(d.state.ActiveCount()))
		d.wg.Done()
	}()

	action, ok := d.actions[rec.RecoveryAction]
	if !ok {
		level.Error(d.logger).Log("msg", "unknown recovery action", "action", rec.RecoveryAction, "resource", key)
		d.escalate(ctx, rec, "unknown_recovery_action")
		return
	}

	target, err := resource.ParseRef(key)
	if err != nil {
		level.Error(d.logger).Log("msg", "unparseable resource key", "key", key, "err", err)
		return
	}
	d.metrics.Recoveries.WithLabelValues("triggered").Inc()
	level.Info(d.logger).Log("msg", "triggering recovery", "action", rec.RecoveryAction, "resource", key)

	execErr := d.orch.ExecuteAction(ctx, target, action)

	updated := d.state.RecordAttempt(key, rec.PatternName, rec.RecoveryAction, execErr == nil)
	if execErr == nil {
		d.metrics.Recoveries.WithLabelValues("succeeded").Inc()
		level.Info(d.logger).Log("msg", "recovery succeeded", "resource", key)
		return
	}

	d.metrics.Recoveries.WithLabelValues("failed").Inc()
	level.Error(d.logger).Log("msg", "recovery failed", "resource", key, "err", execErr)
	if updated.Status == StatusRetryExhausted {
		d.escalate(ctx, updated, "max_retries_exceeded")
	}
}

// escalate flips the record to manual intervention, emits a cluster event
// and submits a notification. It fires once per record transition.
func (d *Detector) escalate(ctx context.Context, rec MatchRecord, reason string) {
	level.Warn(d.logger).Log("msg", "escalating to manual intervention",
		"resource", rec.ResourceKey, "pattern", rec.PatternName, "reason", reason)

	d.state.SetStatus(rec.ResourceKey, rec.PatternName, StatusManualIntervention, reason)
	d.metrics.Escalations.Inc()

	ns := d.opts.EscalationNamespace
	var involved *cluster.ObjectRef
	if ref, err := resource.ParseRef(rec.ResourceKey); err == nil {
		if ref.Namespace != "" {
			ns = ref.Namespace
		}
		involved = &cluster.ObjectRef{Kind: ref.Kind, Name: ref.Name, Namespace: ref.Namespace}

		if d.planner != nil {
			if plan, perr := d.planner.Plan([]resource.Ref{ref}); perr == nil {
				level.Info(d.logger).Log("msg", "recovery plan for escalated resource",
					"resource", rec.ResourceKey,
					"cleanupBatches", plan.CleanupPlan.TotalBatches,
					"recreationBatches", plan.RecreationPlan.TotalBatches,
					"risk", plan.RiskAssessment.Level,
					"estimated", plan.TotalEstimatedTime)
			}
		}
	}

	now := d.clock.Now()
	ev := cluster.Event{
		Type:            "Warning",
		Reason:          "RecoveryEscalation",
		Message:         fmt.Sprintf("Manual intervention required for %s: %s", rec.PatternName, reason),
		Namespace:       ns,
		Involved:        involved,
		FirstTimestamp:  now,
		LastTimestamp:   now,
		Count:           1,
		SourceComponent: sourceComponent,
	}
	if err := d.cluster.CreateEvent(ctx, ns, ev); err != nil {
		level.Error(d.logger).Log("msg", "creating escalation event failed", "err", err)
	}

	description := "No description available"
	if action, ok := d.actions[rec.RecoveryAction]; ok && action.Description != "" {
		description = action.Description
	}
	payload := notify.Payload{
		Title:       "GitOps Recovery Escalation",
		Resource:    rec.ResourceKey,
		Pattern:     rec.PatternName,
		Severity:    rec.Severity,
		Reason:      reason,
		Timestamp:   now,
		Description: description,
	}
	if err := d.notifier.Notify(ctx, payload); err != nil {
		level.Error(d.logger).Log("msg", "escalation notification failed", "err", err)
	}
}
