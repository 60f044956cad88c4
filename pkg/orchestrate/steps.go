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

	"github.com/go-kit/log/level"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// Known recovery action steps. Unknown steps are skipped with a warning so
// catalogs can carry forward-looking steps without breaking older engines.
const (
	stepBackupSpec       = "backup_resource_spec"
	stepDeleteGracefully = "delete_resource_gracefully"
	stepWaitForDeletion  = "wait_for_deletion"
	stepRecreate         = "recreate_resource"
	stepVerifyRecreation = "verify_recreation"
	stepSuspendHelm      = "suspend_helmrelease"
	stepResumeHelm       = "resume_helmrelease"
	stepRollbackChart    = "rollback_helm_chart"
)

// ExecuteAction runs a catalog recovery action's steps against the target.
// The whole action is bounded by the action timeout and unwinds on ctx
// cancellation.
func (o *Orchestrator) ExecuteAction(ctx context.Context, target resource.Ref, action pattern.Action) error {
	ctx, cancel := context.WithTimeout(ctx, action.Timeout())
	defer cancel()

	level.Info(o.logger).Log("msg", "executing recovery action", "resource", target,
		"steps", len(action.Steps), "timeout", action.Timeout())

	var backup *unstructured.Unstructured
	for i, step := range action.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery action cancelled at step %d: %w", i+1, err)
		}
		level.Info(o.logger).Log("msg", "recovery step", "step", step, "n", i+1, "total", len(action.Steps))
		if o.opts.DryRun && (step == stepDeleteGracefully || step == stepWaitForDeletion) {
			level.Info(o.logger).Log("msg", "dry run, skipping deletion step", "step", step, "resource", target)
			continue
		}

		var err error
		switch step {
		case stepBackupSpec:
			backup, err = o.backupSpec(ctx, target)
		case stepDeleteGracefully:
			err = o.deleteGracefully(ctx, target)
		case stepWaitForDeletion:
			err = o.waitForDeletion(ctx, target)
		case stepRecreate:
			backup, err = o.recreateFromBackup(ctx, target, backup)
		case stepVerifyRecreation:
			err = o.verifyRecreation(ctx, target)
		case stepSuspendHelm:
			err = o.setSuspended(ctx, target, true)
		case stepResumeHelm:
			err = o.setSuspended(ctx, target, false)
		case stepRollbackChart:
			// Chart history rollback is the manager's job; re-reconciliation
			// picks up the previous revision after a resume.
			level.Warn(o.logger).Log("msg", "chart rollback delegated to the manager", "resource", target)
		default:
			level.Warn(o.logger).Log("msg", "unknown recovery step, skipping", "step", step)
		}
		if err != nil {
			return fmt.Errorf("step %q: %w", step, err)
		}
	}
	return nil
}

func (o *Orchestrator) backupSpec(ctx context.Context, target resource.Ref) (*unstructured.Unstructured, error) {
	doc, err := o.cluster.GetResource(ctx, target)
	if err != nil {
		return nil, err
	}
	doc = doc.DeepCopy()
	// Strip server-populated fields so the backup re-applies cleanly.
	unstructured.RemoveNestedField(doc.Object, "metadata", "resourceVersion")
	unstructured.RemoveNestedField(doc.Object, "metadata", "uid")
	unstructured.RemoveNestedField(doc.Object, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(doc.Object, "metadata", "managedFields")
	unstructured.RemoveNestedField(doc.Object, "status")
	return doc, nil
}

func (o *Orchestrator) deleteGracefully(ctx context.Context, target resource.Ref) error {
	grace := int64(30)
	if err := o.cluster.Delete(ctx, target, &grace); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		return err
	}
	return nil
}

func (o *Orchestrator) waitForDeletion(ctx context.Context, target resource.Ref) error {
	return wait.PollUntilContextCancel(ctx, 2*time.Second, true, func(ctx context.Context) (bool, error) {
		exists, err := o.cluster.Exists(ctx, target)
		if err != nil {
			return false, nil // transient; keep polling
		}
		return !exists, nil
	})
}

func (o *Orchestrator) recreateFromBackup(ctx context.Context, target resource.Ref, backup *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if backup == nil {
		// No backup step ran; the object may still exist for a live read.
		doc, err := o.cluster.GetResource(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("no backed-up spec to recreate from: %w", err)
		}
		backup = doc
	}
	if err := o.cluster.Apply(ctx, backup, o.opts.DryRun); err != nil {
		return backup, err
	}
	return backup, nil
}

func (o *Orchestrator) verifyRecreation(ctx context.Context, target resource.Ref) error {
	return wait.PollUntilContextCancel(ctx, 2*time.Second, true, func(ctx context.Context) (bool, error) {
		return o.cluster.Exists(ctx, target)
	})
}

// setSuspended toggles the manager's suspend flag on a custom object.
func (o *Orchestrator) setSuspended(ctx context.Context, target resource.Ref, suspended bool) error {
	doc, err := o.cluster.GetResource(ctx, target)
	if err != nil {
		return err
	}
	doc = doc.DeepCopy()
	if err := unstructured.SetNestedField(doc.Object, suspended, "spec", "suspend"); err != nil {
		return fmt.Errorf("set spec.suspend: %w", err)
	}
	unstructured.RemoveNestedField(doc.Object, "metadata", "resourceVersion")
	unstructured.RemoveNestedField(doc.Object, "metadata", "managedFields")
	unstructured.RemoveNestedField(doc.Object, "status")
	return o.cluster.Apply(ctx, doc, o.opts.DryRun)
}
